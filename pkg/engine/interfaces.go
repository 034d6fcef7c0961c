package engine

import (
	"context"
)

// Adapter executes a classified operation against one backend.
// Implementations must honor ctx cancellation and must not retry internally.
// Failures are returned as adapter errors (see NewAdapterError) carrying one of
// the adapter codes.
type Adapter interface {
	// Execute runs the operation and returns its structured result.
	Execute(ctx context.Context, op *Operation) (*Result, error)
}

// CommandRenderer renders the literal command(s) an adapter will run for an operation.
// The output is shown verbatim to the approver of a confirmation request.
type CommandRenderer interface {
	Render(op *Operation) []string
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, op *Operation) (*Result, error)

// Execute calls f(ctx, op).
func (f AdapterFunc) Execute(ctx context.Context, op *Operation) (*Result, error) {
	return f(ctx, op)
}

// Ledger resolves operations recorded in a session.
type Ledger interface {
	Lookup(operationID string) (*Operation, bool)
}
