package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := passwordClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedStdout string
		expectedStderr string
		expectedExit   int
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:           "non-zero exit is not an error",
			command:        "exit 1",
			expectedStderr: "boom",
			expectedExit:   1,
		},
		{
			name:           "quoted command reaches the server verbatim",
			command:        "kubectl get pods --namespace 'prod ns'",
			expectedStdout: "command: kubectl get pods --namespace 'prod ns'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(ctx, tt.command, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, res.Stdout)
			}
			if res.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, res.Stderr)
			}
			if res.ExitCode != tt.expectedExit {
				t.Errorf("expected exit code %d, got %d", tt.expectedExit, res.ExitCode)
			}
			if res.Duration <= 0 || res.FinishedAt.Before(res.StartedAt) {
				t.Errorf("expected timing to be recorded, got %+v", res)
			}
		})
	}
}

func TestClientRunWithStdin(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := passwordClient(t, server)

	res, err := client.Run(context.Background(), "cat", strings.NewReader("hello from stdin\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello from stdin" {
		t.Errorf("expected stdin echoed back, got '%s'", res.Stdout)
	}
}

func TestClientRunCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := passwordClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := client.Run(ctx, "sleep 10", nil)
	if err == nil {
		t.Fatal("expected an error for a cancelled command")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Temporary() {
		t.Errorf("expected a non-temporary transport error, got %v", err)
	}
	if res == nil || res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took too long: %v", time.Since(start))
	}

	// The connection survives a cancelled command.
	if _, err := client.Run(context.Background(), "true", nil); err != nil {
		t.Errorf("expected connection to remain usable, got %v", err)
	}
}

func TestClientRunConcurrent(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := passwordClient(t, server)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			res, err := client.Run(context.Background(), "echo test", nil)
			if err == nil && res.Stdout != "test" {
				err = errors.New("unexpected stdout " + res.Stdout)
			}
			errs <- err
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent run failed: %v", err)
		}
	}
}
