// Package routing decides which terminal hosts each project's live agent
// session. Resolution is a fixed sequence of evidence tiers; the first tier
// that matches sets the target, the status and a reason code.
package routing

import (
	"encoding/json"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/statedb"
)

// TargetKind is where a session is believed to live.
type TargetKind string

const (
	KindTmuxSession TargetKind = "tmux_session"
	KindTerminalApp TargetKind = "terminal_app"
	KindUnknown     TargetKind = "unknown"
)

// Status is how reachable the target is right now.
type Status string

const (
	StatusAttached    Status = "attached"
	StatusDetached    Status = "detached"
	StatusUnavailable Status = "unavailable"
)

// Reason codes, one per resolution tier.
const (
	ReasonTmuxAttached     = "TMUX_CLIENT_ATTACHED"
	ReasonTmuxDetached     = "TMUX_SESSION_DETACHED"
	ReasonConflict         = "ROUTING_CONFLICT_DETECTED"
	ReasonAmbiguous        = "ROUTING_SCOPE_AMBIGUOUS"
	ReasonShellActive      = "SHELL_FALLBACK_ACTIVE"
	ReasonShellStale       = "SHELL_FALLBACK_STALE"
	ReasonIdentityMismatch = "PROCESS_IDENTITY_MISMATCH"
	ReasonNoEvidence       = "NO_TRUSTED_EVIDENCE"
)

// Target names a terminal location.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

// Known reports whether the target points somewhere.
func (t Target) Known() bool { return t.Kind != "" && t.Kind != KindUnknown }

var unknownTarget = Target{Kind: KindUnknown}

// Snapshot is one routing decision. A newer snapshot for the same project
// always replaces the older one as a whole.
type Snapshot struct {
	ProjectPath string    `json:"projectPath"`
	Target      Target    `json:"target"`
	Status      Status    `json:"status"`
	ReasonCode  string    `json:"reasonCode"`
	ComputedAt  time.Time `json:"computedAt"`

	UsingLastKnown bool     `json:"usingLastKnown,omitempty"`
	TTY            string   `json:"tty,omitempty"`
	PID            int      `json:"pid,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
}

// SameRoute reports whether a and b make the same decision, ignoring when
// they were computed.
func SameRoute(a, b Snapshot) bool {
	return a.ProjectPath == b.ProjectPath &&
		a.Target == b.Target &&
		a.Status == b.Status &&
		a.ReasonCode == b.ReasonCode &&
		a.UsingLastKnown == b.UsingLastKnown
}

type snapshotDetail struct {
	UsingLastKnown bool     `json:"usingLastKnown,omitempty"`
	TTY            string   `json:"tty,omitempty"`
	PID            int      `json:"pid,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
}

func toRow(s Snapshot) *statedb.RoutingRow {
	detail, _ := json.Marshal(snapshotDetail{
		UsingLastKnown: s.UsingLastKnown,
		TTY:            s.TTY,
		PID:            s.PID,
		Candidates:     s.Candidates,
	})
	return &statedb.RoutingRow{
		ProjectPath: s.ProjectPath,
		TargetKind:  string(s.Target.Kind),
		TargetValue: s.Target.Value,
		Status:      string(s.Status),
		ReasonCode:  s.ReasonCode,
		ComputedAt:  s.ComputedAt,
		Detail:      detail,
	}
}

// FromRow rebuilds a snapshot mirrored into statedb.
func FromRow(row *statedb.RoutingRow) Snapshot {
	s := Snapshot{
		ProjectPath: row.ProjectPath,
		Target:      Target{Kind: TargetKind(row.TargetKind), Value: row.TargetValue},
		Status:      Status(row.Status),
		ReasonCode:  row.ReasonCode,
		ComputedAt:  row.ComputedAt,
	}
	var d snapshotDetail
	if len(row.Detail) > 0 && json.Unmarshal(row.Detail, &d) == nil {
		s.UsingLastKnown = d.UsingLastKnown
		s.TTY = d.TTY
		s.PID = d.PID
		s.Candidates = d.Candidates
	}
	return s
}
