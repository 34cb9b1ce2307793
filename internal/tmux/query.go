// Package tmux queries tmux servers for the sessions, pane directories and
// attached clients the routing resolver uses as evidence. Every query is
// bounded by a timeout and never blocks its caller indefinitely.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrQueryTimeout is returned when a tmux invocation exceeds its timeout.
// Callers should treat tmux evidence as absent rather than as "no sessions".
var ErrQueryTimeout = errors.New("tmux query timed out")

// ErrNotInstalled is returned when the tmux binary cannot be found.
var ErrNotInstalled = errors.New("tmux not installed")

// errNoServer means the server is not running: a valid, empty answer.
var errNoServer = errors.New("no tmux server running")

// Runner executes one tmux command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, binary string, args ...string) ([]byte, error)
}

// ExecRunner runs tmux as a subprocess.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrQueryTimeout
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, ErrNotInstalled
	}
	msg := strings.TrimSpace(stderr.String())
	if isNoServer(msg) {
		return nil, errNoServer
	}
	if msg != "" {
		return nil, fmt.Errorf("tmux %s: %w: %s", firstArg(args), err, msg)
	}
	return nil, fmt.Errorf("tmux %s: %w", firstArg(args), err)
}

func isNoServer(stderr string) bool {
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "no sessions") ||
		strings.Contains(stderr, "error connecting to")
}

// firstArg skips socket flags to name the tmux subcommand in errors.
func firstArg(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-L" || args[i] == "-S" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// socketArgs selects a tmux server: "" is the default server, a value
// containing a slash is a socket path (-S), anything else a socket name (-L).
func socketArgs(socket string) []string {
	switch {
	case socket == "":
		return nil
	case strings.ContainsRune(socket, '/'):
		return []string{"-S", socket}
	default:
		return []string{"-L", socket}
	}
}

// run executes one query against socket with the client's timeout.
func (c *Client) run(ctx context.Context, socket string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	full := append(socketArgs(socket), args...)
	start := time.Now()
	out, err := c.runner.Run(ctx, c.binary, full...)
	if ctx.Err() == context.DeadlineExceeded {
		out, err = nil, ErrQueryTimeout
	}
	if errors.Is(err, ErrQueryTimeout) {
		tmuxLog.Warn("tmux_query_timeout",
			slog.String("socket", socket),
			slog.String("command", firstArg(full)),
			slog.Duration("elapsed", time.Since(start)))
	}
	return out, err
}
