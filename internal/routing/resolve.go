package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
	"github.com/asheshgoplani/agent-hud/internal/tmux"
)

// Identity is the outcome of checking a shell heartbeat against the live
// process table.
type Identity int

const (
	// IdentityUnchecked means the process could not be inspected. It does
	// not disqualify the candidate.
	IdentityUnchecked Identity = iota
	IdentityVerified
	// IdentityMismatch means the pid is gone or sits outside the project.
	IdentityMismatch
)

// Shell is a heartbeat plus its identity check.
type Shell struct {
	evidence.ShellRecord
	Identity Identity
}

// Evidence is everything known about one project at one moment.
type Evidence struct {
	ProjectPath string
	// TmuxSessions are the sessions with a pane in the project. Ignored when
	// TmuxErr is set.
	TmuxSessions []tmux.SessionInfo
	TmuxErr      error
	Shells       []Shell
}

// Resolve runs the tiers over ev. lastKnown is the previous non-unknown
// target for the project, if any. The result depends only on the arguments.
func Resolve(ev Evidence, lastKnown *Target, policy staleness.Policy, now time.Time) Snapshot {
	snap := Snapshot{ProjectPath: ev.ProjectPath, ComputedAt: now}

	var sessions []tmux.SessionInfo
	if ev.TmuxErr == nil {
		sessions = ev.TmuxSessions
	}
	if len(sessions) > 0 {
		resolveTmux(&snap, sessions)
		return snap
	}

	var fresh, stale []Shell
	mismatched := 0
	for _, sh := range ev.Shells {
		if !policy.TelemetryFresh(sh.LastSeenAt, now) {
			stale = append(stale, sh)
			continue
		}
		if sh.Identity == IdentityMismatch {
			mismatched++
			continue
		}
		fresh = append(fresh, sh)
	}

	switch {
	case len(fresh) > 0:
		best := newestShell(fresh)
		snap.Target = shellTarget(best)
		snap.Status = StatusDetached
		snap.ReasonCode = ReasonShellActive
		snap.TTY, snap.PID = best.TTY, best.PID
		snap.Candidates = shellCandidates(fresh)
	case mismatched > 0:
		snap.Target = unknownTarget
		snap.Status = StatusUnavailable
		snap.ReasonCode = ReasonIdentityMismatch
	case len(stale) > 0:
		best := newestShell(stale)
		snap.Target = shellTarget(best)
		snap.Status = StatusUnavailable
		snap.ReasonCode = ReasonShellStale
		snap.UsingLastKnown = true
		snap.TTY, snap.PID = best.TTY, best.PID
	case lastKnown != nil && lastKnown.Kind == KindTerminalApp:
		snap.Target = *lastKnown
		snap.Status = StatusUnavailable
		snap.ReasonCode = ReasonShellStale
		snap.UsingLastKnown = true
	default:
		snap.Target = unknownTarget
		snap.Status = StatusUnavailable
		snap.ReasonCode = ReasonNoEvidence
	}
	return snap
}

func resolveTmux(snap *Snapshot, sessions []tmux.SessionInfo) {
	if len(sessions) == 1 {
		s := sessions[0]
		snap.Target = Target{Kind: KindTmuxSession, Value: s.SessionName}
		snap.TTY = s.AttachedClientTTY
		if s.Attached() {
			snap.Status, snap.ReasonCode = StatusAttached, ReasonTmuxAttached
		} else {
			snap.Status, snap.ReasonCode = StatusDetached, ReasonTmuxDetached
		}
		return
	}

	ranked := append([]tmux.SessionInfo(nil), sessions...)
	sort.SliceStable(ranked, func(i, j int) bool { return tmuxBefore(ranked[i], ranked[j]) })

	snap.Candidates = make([]string, 0, len(ranked))
	attached := 0
	for _, s := range ranked {
		snap.Candidates = append(snap.Candidates, s.String())
		if s.Attached() {
			attached++
		}
	}

	lead := ranked[0]
	if attached != 1 && tmuxTied(lead, ranked[1]) {
		snap.Target = unknownTarget
		snap.Status = StatusUnavailable
		snap.ReasonCode = ReasonAmbiguous
		return
	}

	snap.Target = Target{Kind: KindTmuxSession, Value: lead.SessionName}
	snap.TTY = lead.AttachedClientTTY
	switch {
	case attached == 1:
		// One human-viewed session among several is not a conflict.
		snap.Status, snap.ReasonCode = StatusAttached, ReasonTmuxAttached
	case lead.Attached():
		snap.Status, snap.ReasonCode = StatusAttached, ReasonConflict
	default:
		snap.Status, snap.ReasonCode = StatusDetached, ReasonConflict
	}
}

// tmuxBefore orders sessions attached first, then by most recent activity,
// then by name. Socket only keeps the sort total.
func tmuxBefore(a, b tmux.SessionInfo) bool {
	if a.Attached() != b.Attached() {
		return a.Attached()
	}
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	if a.SessionName != b.SessionName {
		return a.SessionName < b.SessionName
	}
	return a.Socket < b.Socket
}

// tmuxTied reports whether no tie-break rule separates a and b.
func tmuxTied(a, b tmux.SessionInfo) bool {
	return a.Attached() == b.Attached() &&
		a.LastActivityAt.Equal(b.LastActivityAt) &&
		a.SessionName == b.SessionName
}

// newestShell picks the most recent heartbeat; ties go to the lower pid,
// then the lower tty.
func newestShell(shells []Shell) Shell {
	best := shells[0]
	for _, sh := range shells[1:] {
		switch {
		case sh.LastSeenAt.After(best.LastSeenAt):
			best = sh
		case sh.LastSeenAt.Equal(best.LastSeenAt):
			if sh.PID < best.PID || (sh.PID == best.PID && sh.TTY < best.TTY) {
				best = sh
			}
		}
	}
	return best
}

func shellTarget(sh Shell) Target {
	value := sh.ParentAppName
	if value == "" {
		value = sh.TTY
	}
	return Target{Kind: KindTerminalApp, Value: value}
}

func shellCandidates(shells []Shell) []string {
	if len(shells) < 2 {
		return nil
	}
	out := make([]string, 0, len(shells))
	for _, sh := range shells {
		out = append(out, fmt.Sprintf("%s:%s:%d", sh.ParentAppName, sh.TTY, sh.PID))
	}
	sort.Strings(out)
	return out
}
