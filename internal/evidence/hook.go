// Package evidence receives the two evidence streams the daemon trusts:
// agent lifecycle hook events and shell telemetry heartbeats. It decodes and
// validates them, journals accepted hooks and keeps the latest heartbeat per
// shell. It makes no decisions; the state machine and the routing resolver
// consume what it stores.
package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/session"
)

// ErrMalformedEvent marks a hook payload that was rejected at ingestion.
var ErrMalformedEvent = errors.New("malformed hook event")

// hookPayload accepts both the camelCase ingestion schema and the
// snake_case payload the agent CLI writes to hook stdin.
type hookPayload struct {
	HookEventType string `json:"hookEventType"`
	HookEventName string `json:"hook_event_name"`

	ProjectPath string `json:"projectPath"`
	Cwd         string `json:"cwd"`

	Timestamp json.RawMessage `json:"timestamp"`

	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`

	ToolName      string `json:"toolName"`
	ToolNameSnake string `json:"tool_name"`

	NotificationType      string `json:"notificationType"`
	NotificationTypeSnake string `json:"notification_type"`
	Subtype               string `json:"subtype"`

	Message string `json:"message"`
}

// eventAliases maps agent event names onto the lifecycle events the state
// machine understands.
var eventAliases = map[string]session.EventType{
	"PermissionRequest": session.EventNotification,
}

// DecodeHook validates one hook payload. Every failure wraps
// ErrMalformedEvent.
func DecodeHook(data []byte) (session.HookEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return session.HookEvent{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedEvent)
	}
	var p hookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return session.HookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	name := firstNonEmpty(p.HookEventType, p.HookEventName)
	if name == "" {
		return session.HookEvent{}, fmt.Errorf("%w: missing hookEventType", ErrMalformedEvent)
	}
	evType := session.EventType(name)
	alias, aliased := eventAliases[name]
	if aliased {
		evType = alias
	}
	if !evType.Valid() {
		return session.HookEvent{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, name)
	}

	rawPath := firstNonEmpty(p.ProjectPath, p.Cwd)
	path := session.NormalizePath(rawPath)
	if path == "" {
		return session.HookEvent{}, fmt.Errorf("%w: project path %q is not absolute", ErrMalformedEvent, rawPath)
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return session.HookEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
	}

	ev := session.HookEvent{
		Type:        evType,
		ProjectPath: path,
		Timestamp:   ts,
		SessionID:   firstNonEmpty(p.SessionID, p.SessionIDSnake),
		ToolName:    firstNonEmpty(p.ToolName, p.ToolNameSnake),
		Message:     p.Message,
		Payload:     append(json.RawMessage(nil), data...),
	}
	if evType == session.EventNotification {
		if aliased {
			ev.Subtype = session.SubtypePermissionRequest
		} else {
			ev.Subtype = notificationSubtype(firstNonEmpty(p.NotificationType, p.NotificationTypeSnake, p.Subtype), p.Message)
		}
	}
	return ev, nil
}

// notificationSubtype folds the agent's notification kinds into the two
// subtypes the state machine distinguishes. Unknown kinds stay as-is and
// match no transition.
func notificationSubtype(kind, message string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "permission_request", "permission_prompt", "elicitation_dialog":
		return session.SubtypePermissionRequest
	case "idle", "idle_prompt":
		return session.SubtypeIdle
	case "":
	default:
		return kind
	}
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "permission"):
		return session.SubtypePermissionRequest
	case strings.Contains(msg, "waiting for your input"):
		return session.SubtypeIdle
	}
	return ""
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds,
// as numbers or numeric strings. Absent, null and zero mean "no timestamp".
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized time %q", s)
		}
		return unixTime(f)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, err
	}
	return unixTime(f)
}

// msThreshold separates unix seconds from unix milliseconds: 1e11 seconds
// is in the year 5138.
const msThreshold = 1e11

func unixTime(f float64) (time.Time, error) {
	switch {
	case f == 0:
		return time.Time{}, nil
	case f < 0 || math.IsNaN(f) || math.IsInf(f, 0):
		return time.Time{}, fmt.Errorf("invalid unix time %v", f)
	case f >= msThreshold:
		return time.UnixMilli(int64(f)).UTC(), nil
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
