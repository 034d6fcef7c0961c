package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/transports/ssh"
)

// Output is what a finished command produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs an argv and waits for it. A non-zero exit is reported in
// Output.ExitCode, not as an error; errors mean the command could not run to
// completion.
type Runner interface {
	Run(ctx context.Context, argv []string) (*Output, error)
}

// LocalRunner runs commands on this host.
type LocalRunner struct {
	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, argv []string) (*Output, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return nil, fmt.Errorf("failed to execute %s: %w", argv[0], err)
}

// SSHRunner runs commands on a remote host. It connects on first use and
// reconnects when the connection has dropped.
type SSHRunner struct {
	transport   ssh.Transport
	destination string

	mu sync.Mutex
}

// NewSSHRunner wraps a transport. destination is shown in rendered commands
// (e.g., "ops@bastion").
func NewSSHRunner(transport ssh.Transport, destination string) *SSHRunner {
	return &SSHRunner{transport: transport, destination: destination}
}

// Destination returns the user@host the runner executes on.
func (r *SSHRunner) Destination() string {
	return r.destination
}

// Run implements Runner. The argv is quoted for a POSIX shell on the remote side.
func (r *SSHRunner) Run(ctx context.Context, argv []string) (*Output, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	res, err := r.transport.Run(ctx, engine.QuoteCommand(argv...), nil)
	if res == nil {
		return nil, err
	}
	return &Output{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, err
}

// Close disconnects the transport.
func (r *SSHRunner) Close() error {
	return r.transport.Disconnect()
}

func (r *SSHRunner) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport.IsConnected() {
		return nil
	}
	return r.transport.Connect(ctx)
}
