package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// signalGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const signalGrace = 100 * time.Millisecond

// Run executes cmd on the remote host in a new session.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error) {
	started := time.Now()

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("command", cmd).Msg("Executing remote command")

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(signalGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		runErr = ctx.Err()
	case runErr = <-done:
	}
	c.touch()

	res := &ExecResult{
		Stdout:     strings.TrimSpace(stdoutBuf.String()),
		Stderr:     strings.TrimSpace(stderrBuf.String()),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	res.Duration = res.FinishedAt.Sub(started)

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("Remote command completed")

	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}

	res.ExitCode = -1
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return res, &TransportError{Op: "run", Err: runErr}
	}
	return res, &TransportError{Op: "run", Err: runErr, IsTemporary: true}
}
