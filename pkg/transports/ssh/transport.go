// Package ssh runs provider CLI commands on a remote host over SSH.
package ssh

import (
	"context"
	"errors"
	"io"
	"time"
)

// Transport is a connection to one remote host that runs commands.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes cmd in a new session. A command that ran and exited non-zero
	// is not an error; its status is in ExecResult.ExitCode.
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout string
	Stderr string

	// ExitCode is the remote exit status, or -1 when the command was
	// interrupted before reporting one.
	ExitCode int

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates a network or session failure that may succeed later
	IsTemporary bool

	// IsAuthError indicates the remote host rejected our credentials or host key
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may go away on its own.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthError reports whether err is a TransportError caused by authentication.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
