// Package staleness classifies stored state and telemetry as fresh or stale
// at read time. Nothing here mutates the records it looks at.
package staleness

import "time"

// Defaults used when a Policy field is zero.
const (
	DefaultReadyStaleAfter      = 24 * time.Hour
	DefaultTelemetryFreshWithin = 90 * time.Second
)

// Policy holds the thresholds. The zero value uses the defaults.
type Policy struct {
	ReadyStaleAfter      time.Duration
	TelemetryFreshWithin time.Duration
}

// ReadyThreshold returns the effective Ready staleness threshold.
func (p Policy) ReadyThreshold() time.Duration {
	if p.ReadyStaleAfter <= 0 {
		return DefaultReadyStaleAfter
	}
	return p.ReadyStaleAfter
}

// TelemetryThreshold returns the effective telemetry freshness window.
func (p Policy) TelemetryThreshold() time.Duration {
	if p.TelemetryFreshWithin <= 0 {
		return DefaultTelemetryFreshWithin
	}
	return p.TelemetryFreshWithin
}

// RecordStale reports whether a session record should be flagged stale.
// Only "ready" records age out: a finished turn nobody looked at for a day
// is no longer news. A zero changedAt is never stale.
func (p Policy) RecordStale(state string, changedAt, now time.Time) bool {
	if state != "ready" || changedAt.IsZero() {
		return false
	}
	return now.Sub(changedAt) > p.ReadyThreshold()
}

// TelemetryFresh reports whether a heartbeat seen at lastSeen is still
// trusted at now. Heartbeats from the future (clock skew) count as fresh.
func (p Policy) TelemetryFresh(lastSeen, now time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) <= p.TelemetryThreshold()
}

// Age returns how long ago t was, never negative.
func Age(t, now time.Time) time.Duration {
	if t.IsZero() || t.After(now) {
		return 0
	}
	return now.Sub(t)
}
