package cli

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/transports/ssh"
)

// stderrCodes are checked in order against lowercased stderr.
var stderrCodes = []struct {
	code     string
	patterns []string
}{
	{engine.ErrCodeThrottled, []string{"throttl", "toomanyrequests", "too many requests", "rate limit", "429"}},
	{engine.ErrCodePermissionDenied, []string{
		"forbidden", "permission denied", "unauthorized", "authorizationfailed",
		"accessdenied", "access denied", "does not have authorization", "please run 'az login'",
	}},
	{engine.ErrCodeNotFound, []string{"not found", "notfound", "could not be found", "does not exist", "no such"}},
	{engine.ErrCodeUnsupported, []string{
		"unknown command", "unknown flag", "is misspelled or not recognized", "not a valid choice",
		"the server doesn't have a resource type", "no such command",
	}},
}

// exitError maps a command that exited non-zero onto an adapter code by its stderr.
func exitError(binary string, out *Output) *engine.EngineError {
	code := engine.ErrCodeTransient
	lower := strings.ToLower(out.Stderr)
	for _, c := range stderrCodes {
		if containsAny(lower, c.patterns) {
			code = c.code
			break
		}
	}

	msg := fmt.Sprintf("%s exited with code %d", binary, out.ExitCode)
	if line := firstLine(out.Stderr); line != "" {
		msg += ": " + line
	}
	return engine.NewAdapterError(code, msg, nil).
		WithDetail("exit_code", out.ExitCode).
		WithDetail("stderr", out.Stderr)
}

// runError maps a command that could not run to completion.
func runError(binary string, err error) *engine.EngineError {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return engine.NewAdapterError(engine.ErrCodeUnsupported, fmt.Sprintf("%s is not installed", binary), err)
	case ssh.IsAuthError(err):
		return engine.NewAdapterError(engine.ErrCodePermissionDenied, "remote host rejected credentials", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return engine.NewAdapterError(engine.ErrCodeTransient, fmt.Sprintf("%s interrupted", binary), err)
	default:
		return engine.NewAdapterError(engine.ErrCodeTransient, fmt.Sprintf("failed to run %s", binary), err)
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
