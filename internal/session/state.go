package session

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// State is the authoritative agent state for one project.
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateReady      State = "ready"
	StateWaiting    State = "waiting"
	StateCompacting State = "compacting"
)

// AllStates lists every state in display order.
var AllStates = []State{StateIdle, StateWorking, StateReady, StateWaiting, StateCompacting}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateWorking, StateReady, StateWaiting, StateCompacting:
		return true
	}
	return false
}

// EventType is a coding-agent lifecycle hook.
type EventType string

const (
	EventSessionStart     EventType = "SessionStart"
	EventUserPromptSubmit EventType = "UserPromptSubmit"
	EventPreToolUse       EventType = "PreToolUse"
	EventPostToolUse      EventType = "PostToolUse"
	EventNotification     EventType = "Notification"
	EventPreCompact       EventType = "PreCompact"
	EventStop             EventType = "Stop"
	EventSessionEnd       EventType = "SessionEnd"
)

// AllEventTypes lists every hook event the state machine understands.
var AllEventTypes = []EventType{
	EventSessionStart, EventUserPromptSubmit, EventPreToolUse, EventPostToolUse,
	EventNotification, EventPreCompact, EventStop, EventSessionEnd,
}

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// Notification subtypes.
const (
	SubtypePermissionRequest = "permission_request"
	SubtypeIdle              = "idle"
)

// HookEvent is one validated lifecycle notification. It is consumed by the
// state machine and never stored as-is.
type HookEvent struct {
	Type        EventType
	Subtype     string
	ProjectPath string
	// Timestamp is zero when the hook did not carry one.
	Timestamp time.Time
	SessionID string
	ToolName  string
	Message   string
	Payload   json.RawMessage
}

// Record is the durable state of one project.
type Record struct {
	ProjectPath     string    `json:"projectPath"`
	State           State     `json:"state"`
	StateChangedAt  time.Time `json:"stateChangedAt"`
	LastHookEventAt time.Time `json:"lastHookEventAt"`
	SessionID       string    `json:"sessionId,omitempty"`
	Blocker         string    `json:"blocker,omitempty"`
}

// NormalizePath cleans a project path so every component keys projects the
// same way. It returns "" for relative or empty paths.
func NormalizePath(p string) string {
	if p == "" || !filepath.IsAbs(p) {
		return ""
	}
	return filepath.Clean(p)
}
