package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/session"
)

// ErrMalformedTelemetry marks a shell heartbeat that was rejected.
var ErrMalformedTelemetry = errors.New("malformed shell telemetry")

// ShellRecord is the last heartbeat seen from one terminal process.
type ShellRecord struct {
	TTY             string    `json:"tty"`
	PID             int       `json:"pid"`
	ParentAppName   string    `json:"parentAppName"`
	TmuxSessionName string    `json:"tmuxSessionName,omitempty"`
	ProjectPath     string    `json:"projectPath,omitempty"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

type telemetryPayload struct {
	TTY             string          `json:"tty"`
	PID             int             `json:"pid"`
	ParentAppName   string          `json:"parentAppName"`
	TmuxSessionName string          `json:"tmuxSessionName"`
	ProjectPath     string          `json:"projectPath"`
	Cwd             string          `json:"cwd"`
	LastSeenAt      json.RawMessage `json:"lastSeenAt"`
}

// DecodeTelemetry validates one heartbeat. A missing lastSeenAt is filled
// with receivedAt. Every failure wraps ErrMalformedTelemetry.
func DecodeTelemetry(data []byte, receivedAt time.Time) (ShellRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return ShellRecord{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedTelemetry)
	}
	var p telemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ShellRecord{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}

	rec := ShellRecord{
		TTY:             strings.TrimSpace(p.TTY),
		PID:             p.PID,
		ParentAppName:   strings.TrimSpace(p.ParentAppName),
		TmuxSessionName: strings.TrimSpace(p.TmuxSessionName),
	}
	if rec.TTY == "" {
		return ShellRecord{}, fmt.Errorf("%w: missing tty", ErrMalformedTelemetry)
	}
	if rec.PID <= 0 {
		return ShellRecord{}, fmt.Errorf("%w: invalid pid %d", ErrMalformedTelemetry, p.PID)
	}
	// projectPath is best effort; a relative one is dropped, not rejected.
	rec.ProjectPath = session.NormalizePath(firstNonEmpty(p.ProjectPath, p.Cwd))

	ts, err := parseTimestamp(p.LastSeenAt)
	if err != nil {
		return ShellRecord{}, fmt.Errorf("%w: lastSeenAt: %v", ErrMalformedTelemetry, err)
	}
	if ts.IsZero() {
		ts = receivedAt.UTC()
	}
	rec.LastSeenAt = ts
	return rec, nil
}
