// Package procinfo answers process-identity questions for the routing
// resolver: is a pid still alive, and which directory is it in.
package procinfo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnknown means the question could not be answered (permission denied,
// unsupported platform). Callers must not treat it as a mismatch.
var ErrUnknown = errors.New("process information unavailable")

// Inspector looks up live process facts.
type Inspector interface {
	Alive(ctx context.Context, pid int) (bool, error)
	Cwd(ctx context.Context, pid int) (string, error)
}

// System inspects real processes via gopsutil.
type System struct{}

// Alive reports whether pid exists.
func (System) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("%w: pid %d: %v", ErrUnknown, pid, err)
	}
	return ok, nil
}

// Cwd returns the cleaned working directory of pid.
func (System) Cwd(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return "", err
		}
		return "", fmt.Errorf("%w: pid %d: %v", ErrUnknown, pid, err)
	}
	cwd, err := p.CwdWithContext(ctx)
	if err != nil || cwd == "" {
		return "", fmt.Errorf("%w: cwd of pid %d: %v", ErrUnknown, pid, err)
	}
	return filepath.Clean(cwd), nil
}

// Static is an Inspector with fixed answers, for tests and dry runs.
type Static struct {
	Dead map[int]bool
	Dirs map[int]string
}

// Alive implements Inspector. Unlisted pids are alive.
func (s Static) Alive(_ context.Context, pid int) (bool, error) {
	return !s.Dead[pid], nil
}

// Cwd implements Inspector. Unlisted pids report ErrUnknown.
func (s Static) Cwd(_ context.Context, pid int) (string, error) {
	if dir, ok := s.Dirs[pid]; ok {
		return dir, nil
	}
	return "", ErrUnknown
}
