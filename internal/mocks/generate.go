// Package mocks holds go:generate directives for gomock.
package mocks

// Run `go generate ./...` from the repo root to recreate the mocks.
// Requires: go install go.uber.org/mock/mockgen@v0.6.0

//go:generate mockgen -destination=engine_mock.go -package=mocks github.com/opgate/opgate/pkg/engine Adapter,Ledger
