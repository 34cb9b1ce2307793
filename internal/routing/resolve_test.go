package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
	"github.com/asheshgoplani/agent-hud/internal/tmux"
)

const project = "/src/app"

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testPolicy = staleness.Policy{TelemetryFreshWithin: 90 * time.Second}
)

func tmuxSession(name, tty string, activityAgo time.Duration) tmux.SessionInfo {
	return tmux.SessionInfo{
		SessionName:        name,
		MatchedProjectPath: project,
		AttachedClientTTY:  tty,
		LastActivityAt:     testNow.Add(-activityAgo),
	}
}

func shell(app, tty string, pid int, age time.Duration) Shell {
	return Shell{ShellRecord: evidence.ShellRecord{
		TTY:           tty,
		PID:           pid,
		ParentAppName: app,
		ProjectPath:   project,
		LastSeenAt:    testNow.Add(-age),
	}}
}

func resolve(ev Evidence) Snapshot {
	ev.ProjectPath = project
	return Resolve(ev, nil, testPolicy, testNow)
}

func TestResolveSingleTmuxSession(t *testing.T) {
	snap := resolve(Evidence{TmuxSessions: []tmux.SessionInfo{tmuxSession("app", "/dev/ttys001", time.Minute)}})
	assert.Equal(t, Target{Kind: KindTmuxSession, Value: "app"}, snap.Target)
	assert.Equal(t, StatusAttached, snap.Status)
	assert.Equal(t, ReasonTmuxAttached, snap.ReasonCode)
	assert.Equal(t, "/dev/ttys001", snap.TTY)
	assert.Equal(t, testNow, snap.ComputedAt)

	snap = resolve(Evidence{TmuxSessions: []tmux.SessionInfo{tmuxSession("app", "", time.Minute)}})
	assert.Equal(t, StatusDetached, snap.Status)
	assert.Equal(t, ReasonTmuxDetached, snap.ReasonCode)
}

func TestResolveOneAttachedAmongSeveral(t *testing.T) {
	attached := tmuxSession("zeta", "/dev/ttys002", time.Hour)
	detached := tmuxSession("alpha", "", time.Second)
	shells := []Shell{
		shell("iTerm2", "/dev/ttys009", 10, time.Second),
		shell("Terminal", "/dev/ttys008", 11, 2*time.Second),
	}

	orders := [][]tmux.SessionInfo{
		{attached, detached},
		{detached, attached},
	}
	for _, sessions := range orders {
		for _, sh := range [][]Shell{shells, {shells[1], shells[0]}} {
			snap := resolve(Evidence{TmuxSessions: sessions, Shells: sh})
			assert.Equal(t, Target{Kind: KindTmuxSession, Value: "zeta"}, snap.Target)
			assert.Equal(t, StatusAttached, snap.Status)
			assert.Equal(t, ReasonTmuxAttached, snap.ReasonCode)
			assert.Equal(t, []string{"zeta", "alpha"}, snap.Candidates)
		}
	}
}

func TestResolveConflict(t *testing.T) {
	tests := []struct {
		name     string
		sessions []tmux.SessionInfo
		want     string
		status   Status
	}{
		{
			name: "two detached, newer activity wins",
			sessions: []tmux.SessionInfo{
				tmuxSession("old", "", time.Hour),
				tmuxSession("new", "", time.Minute),
			},
			want:   "new",
			status: StatusDetached,
		},
		{
			name: "two detached, same activity, name breaks the tie",
			sessions: []tmux.SessionInfo{
				tmuxSession("beta", "", time.Minute),
				tmuxSession("alpha", "", time.Minute),
			},
			want:   "alpha",
			status: StatusDetached,
		},
		{
			name: "two attached, newer activity wins",
			sessions: []tmux.SessionInfo{
				tmuxSession("left", "/dev/ttys001", time.Hour),
				tmuxSession("right", "/dev/ttys002", time.Second),
			},
			want:   "right",
			status: StatusAttached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := resolve(Evidence{TmuxSessions: tt.sessions})
			assert.Equal(t, ReasonConflict, snap.ReasonCode)
			assert.Equal(t, Target{Kind: KindTmuxSession, Value: tt.want}, snap.Target)
			assert.Equal(t, tt.status, snap.Status)
			assert.Len(t, snap.Candidates, len(tt.sessions))
		})
	}
}

func TestResolveAmbiguousAcrossServers(t *testing.T) {
	a := tmuxSession("app", "", time.Minute)
	b := tmuxSession("app", "", time.Minute)
	b.Socket = "work"

	snap := resolve(Evidence{TmuxSessions: []tmux.SessionInfo{a, b}})
	assert.Equal(t, Target{Kind: KindUnknown}, snap.Target)
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, ReasonAmbiguous, snap.ReasonCode)
	assert.Equal(t, []string{"app", "app@work"}, snap.Candidates)
}

func TestResolveFreshShell(t *testing.T) {
	snap := resolve(Evidence{Shells: []Shell{
		shell("Terminal", "/dev/ttys004", 40, 60*time.Second),
		shell("iTerm2", "/dev/ttys003", 30, 5*time.Second),
	}})
	assert.Equal(t, Target{Kind: KindTerminalApp, Value: "iTerm2"}, snap.Target)
	assert.Equal(t, StatusDetached, snap.Status)
	assert.Equal(t, ReasonShellActive, snap.ReasonCode)
	assert.Equal(t, 30, snap.PID)
	assert.False(t, snap.UsingLastKnown)
}

func TestResolveShellTieBreak(t *testing.T) {
	snap := resolve(Evidence{Shells: []Shell{
		shell("Ghostty", "/dev/ttys002", 200, 5*time.Second),
		shell("WezTerm", "/dev/ttys001", 100, 5*time.Second),
	}})
	assert.Equal(t, "WezTerm", snap.Target.Value)
}

func TestResolveStaleShellOnly(t *testing.T) {
	snap := resolve(Evidence{Shells: []Shell{shell("iTerm2", "/dev/ttys003", 30, 200*time.Second)}})
	assert.Equal(t, ReasonShellStale, snap.ReasonCode)
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, Target{Kind: KindTerminalApp, Value: "iTerm2"}, snap.Target)
	assert.True(t, snap.UsingLastKnown)
}

func TestResolveIdentityMismatch(t *testing.T) {
	bad := shell("iTerm2", "/dev/ttys003", 30, time.Second)
	bad.Identity = IdentityMismatch

	snap := resolve(Evidence{Shells: []Shell{bad}})
	assert.Equal(t, Target{Kind: KindUnknown}, snap.Target)
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, ReasonIdentityMismatch, snap.ReasonCode)

	// A failing candidate is dropped, not fatal, when another one passes.
	good := shell("Terminal", "/dev/ttys004", 40, 30*time.Second)
	good.Identity = IdentityVerified
	snap = resolve(Evidence{Shells: []Shell{bad, good}})
	assert.Equal(t, ReasonShellActive, snap.ReasonCode)
	assert.Equal(t, "Terminal", snap.Target.Value)

	// Mismatch outranks stale telemetry.
	stale := shell("Terminal", "/dev/ttys004", 40, time.Hour)
	snap = resolve(Evidence{Shells: []Shell{bad, stale}})
	assert.Equal(t, ReasonIdentityMismatch, snap.ReasonCode)
}

func TestResolveUncheckedIdentityIsTrusted(t *testing.T) {
	sh := shell("iTerm2", "/dev/ttys003", 30, time.Second)
	sh.Identity = IdentityUnchecked
	snap := resolve(Evidence{Shells: []Shell{sh}})
	assert.Equal(t, ReasonShellActive, snap.ReasonCode)
}

func TestResolveLastKnownFallback(t *testing.T) {
	last := &Target{Kind: KindTerminalApp, Value: "iTerm2"}
	snap := Resolve(Evidence{ProjectPath: project}, last, testPolicy, testNow)
	assert.Equal(t, ReasonShellStale, snap.ReasonCode)
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, *last, snap.Target)
	assert.True(t, snap.UsingLastKnown)

	// A remembered tmux session is not shell evidence.
	snap = Resolve(Evidence{ProjectPath: project}, &Target{Kind: KindTmuxSession, Value: "app"}, testPolicy, testNow)
	assert.Equal(t, ReasonNoEvidence, snap.ReasonCode)
}

func TestResolveNoEvidence(t *testing.T) {
	snap := resolve(Evidence{})
	assert.Equal(t, Target{Kind: KindUnknown}, snap.Target)
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, ReasonNoEvidence, snap.ReasonCode)
}

func TestResolveIgnoresFailedTmuxQuery(t *testing.T) {
	snap := resolve(Evidence{
		TmuxSessions: []tmux.SessionInfo{tmuxSession("app", "/dev/ttys001", 0)},
		TmuxErr:      tmux.ErrQueryTimeout,
		Shells:       []Shell{shell("iTerm2", "/dev/ttys003", 30, time.Second)},
	})
	assert.Equal(t, ReasonShellActive, snap.ReasonCode)
}

func TestResolvePrecedence(t *testing.T) {
	attached := tmuxSession("attached", "/dev/ttys001", time.Hour)
	detached := tmuxSession("detached", "", time.Minute)
	fresh := shell("iTerm2", "/dev/ttys003", 30, time.Second)
	stale := shell("Terminal", "/dev/ttys004", 40, time.Hour)

	tests := []struct {
		name string
		ev   Evidence
		want string
	}{
		{"everything", Evidence{TmuxSessions: []tmux.SessionInfo{attached}, Shells: []Shell{fresh, stale}}, ReasonTmuxAttached},
		{"detached tmux beats shells", Evidence{TmuxSessions: []tmux.SessionInfo{detached}, Shells: []Shell{fresh, stale}}, ReasonTmuxDetached},
		{"fresh beats stale", Evidence{Shells: []Shell{stale, fresh}}, ReasonShellActive},
		{"stale beats nothing", Evidence{Shells: []Shell{stale}}, ReasonShellStale},
		{"nothing", Evidence{}, ReasonNoEvidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(tt.ev).ReasonCode)
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	ev := Evidence{
		TmuxSessions: []tmux.SessionInfo{
			tmuxSession("b", "", time.Minute),
			tmuxSession("a", "", time.Minute),
			tmuxSession("c", "", time.Hour),
		},
		Shells: []Shell{shell("iTerm2", "/dev/ttys003", 30, time.Second)},
	}
	first := resolve(ev)
	for i := 0; i < 20; i++ {
		ev.TmuxSessions[0], ev.TmuxSessions[2] = ev.TmuxSessions[2], ev.TmuxSessions[0]
		got := resolve(ev)
		require.True(t, SameRoute(first, got), "run %d: %+v != %+v", i, got, first)
		require.Equal(t, first.Candidates, got.Candidates)
	}
	assert.Equal(t, "a", first.Target.Value)
}

func TestTargetKnown(t *testing.T) {
	assert.False(t, Target{}.Known())
	assert.False(t, Target{Kind: KindUnknown}.Known())
	assert.True(t, Target{Kind: KindTerminalApp, Value: "x"}.Known())
}
