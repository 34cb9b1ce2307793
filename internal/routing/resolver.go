package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/procinfo"
	"github.com/asheshgoplani/agent-hud/internal/session"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
	"github.com/asheshgoplani/agent-hud/internal/tmux"
)

var routingLog = logging.ForComponent(logging.CompRouting)

// ErrInvalidProject is returned for a project path that is not absolute.
var ErrInvalidProject = errors.New("project path must be absolute")

// TmuxSource lists the tmux sessions working in a project.
type TmuxSource interface {
	SessionsFor(ctx context.Context, projectPath string, knownProjects []string) ([]tmux.SessionInfo, error)
}

// ShellSource returns shell heartbeats for a project and its subdirectories.
type ShellSource interface {
	ShellRecords(projectPath string) ([]evidence.ShellRecord, error)
}

// Config wires a Resolver to its evidence sources.
type Config struct {
	Tmux      TmuxSource
	Shells    ShellSource
	Inspector procinfo.Inspector
	Policy    staleness.Policy
	// Projects lists every known project, so a nested project's panes and
	// shells are not also credited to its parent.
	Projects func() []string
	Now      func() time.Time
}

// Resolver gathers evidence and resolves snapshots. The timer path and
// on-demand requests share one Resolver and its last-known-target cache.
type Resolver struct {
	cfg Config

	mu        sync.Mutex
	lastKnown map[string]Target
}

// NewResolver returns a Resolver. Nil sources contribute no evidence.
func NewResolver(cfg Config) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Projects == nil {
		cfg.Projects = func() []string { return nil }
	}
	return &Resolver{cfg: cfg, lastKnown: make(map[string]Target)}
}

// Snapshot resolves projectPath now. If ctx is cancelled before the
// decision is made, it returns ctx's error and leaves the cache untouched.
func (r *Resolver) Snapshot(ctx context.Context, projectPath string) (Snapshot, error) {
	path := session.NormalizePath(projectPath)
	if path == "" {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidProject, projectPath)
	}

	ev := r.gather(ctx, path)
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	var last *Target
	if t, ok := r.lastKnown[path]; ok {
		last = &t
	}
	snap := Resolve(ev, last, r.cfg.Policy, r.cfg.Now())
	if snap.Target.Known() {
		r.lastKnown[path] = snap.Target
	}
	r.mu.Unlock()

	routingLog.Debug("routing_resolved",
		slog.String("project", path),
		slog.String("kind", string(snap.Target.Kind)),
		slog.String("value", snap.Target.Value),
		slog.String("reason", snap.ReasonCode))
	return snap, nil
}

// LastKnown returns the cached target for projectPath.
func (r *Resolver) LastKnown(projectPath string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastKnown[projectPath]
	return t, ok
}

// Forget drops the cached target for projectPath.
func (r *Resolver) Forget(projectPath string) {
	r.mu.Lock()
	delete(r.lastKnown, projectPath)
	r.mu.Unlock()
}

func (r *Resolver) gather(ctx context.Context, path string) Evidence {
	ev := Evidence{ProjectPath: path}
	known := r.cfg.Projects()

	if r.cfg.Tmux != nil {
		ev.TmuxSessions, ev.TmuxErr = r.cfg.Tmux.SessionsFor(ctx, path, known)
		if ev.TmuxErr != nil {
			routingLog.Debug("tmux_evidence_absent",
				slog.String("project", path),
				slog.String("error", ev.TmuxErr.Error()))
		}
	}

	if r.cfg.Shells == nil {
		return ev
	}
	records, err := r.cfg.Shells.ShellRecords(path)
	if err != nil {
		routingLog.Warn("shell_evidence_unreadable",
			slog.String("project", path),
			slog.String("error", err.Error()))
		return ev
	}
	now := r.cfg.Now()
	for _, rec := range records {
		if !ownedBy(rec.ProjectPath, path, known) {
			continue
		}
		sh := Shell{ShellRecord: rec}
		if r.cfg.Policy.TelemetryFresh(rec.LastSeenAt, now) {
			sh.Identity = r.verify(ctx, path, rec)
		}
		ev.Shells = append(ev.Shells, sh)
	}
	return ev
}

// verify checks that a heartbeat's pid is alive and still inside the project.
func (r *Resolver) verify(ctx context.Context, path string, rec evidence.ShellRecord) Identity {
	if r.cfg.Inspector == nil {
		return IdentityUnchecked
	}
	alive, err := r.cfg.Inspector.Alive(ctx, rec.PID)
	if err != nil {
		return IdentityUnchecked
	}
	if !alive {
		return IdentityMismatch
	}
	cwd, err := r.cfg.Inspector.Cwd(ctx, rec.PID)
	if err != nil {
		return IdentityUnchecked
	}
	if !tmux.Within(cwd, path) {
		routingLog.Debug("shell_cwd_moved",
			slog.String("project", path),
			slog.Int("pid", rec.PID),
			slog.String("cwd", cwd))
		return IdentityMismatch
	}
	return IdentityVerified
}

// ownedBy reports whether dir belongs to project rather than to a more
// deeply nested known project.
func ownedBy(dir, project string, known []string) bool {
	if !tmux.Within(dir, project) {
		return false
	}
	for _, k := range known {
		if len(k) > len(project) && tmux.Within(k, project) && tmux.Within(dir, k) {
			return false
		}
	}
	return true
}
