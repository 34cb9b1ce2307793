package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/session"
)

// maxIngestBytes bounds one POSTed hook event or heartbeat.
const maxIngestBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// SessionView is a stored record plus its read-time staleness flag.
type SessionView struct {
	session.Record
	Stale bool `json:"stale"`
}

type sessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
	Time     time.Time     `json:"time"`
}

type routingResponse struct {
	Snapshots []routing.Snapshot `json:"snapshots"`
	Time      time.Time          `json:"time"`
}

func (s *Server) sessionViews() []SessionView {
	now := s.cfg.Now()
	records := s.backend.Records()
	out := make([]SessionView, 0, len(records))
	for _, rec := range records {
		out = append(out, SessionView{
			Record: rec,
			Stale:  s.cfg.Policy.RecordStale(string(rec.State), rec.StateChangedAt, now),
		})
	}
	return out
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.allowRead(w, r) {
		return
	}

	views := s.sessionViews()
	if path := strings.TrimSpace(r.URL.Query().Get("path")); path != "" {
		path = session.NormalizePath(path)
		for _, v := range views {
			if v.ProjectPath == path {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "project not found")
		return
	}

	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: views, Time: s.cfg.Now().UTC()})
}

// handleRouting lists published snapshots, or resolves ?path= on demand.
func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if !s.allowRead(w, r) {
		return
	}

	if path := strings.TrimSpace(r.URL.Query().Get("path")); path != "" {
		snap, err := s.backend.Route(r.Context(), path)
		switch {
		case errors.Is(err, routing.ErrInvalidProject):
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case err != nil:
			writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "routing computation abandoned")
		default:
			writeJSON(w, http.StatusOK, snap)
		}
		return
	}

	writeJSON(w, http.StatusOK, routingResponse{Snapshots: s.backend.RoutingSnapshots(), Time: s.cfg.Now().UTC()})
}

// ShellView is a shell heartbeat plus whether it still counts as live
// evidence.
type ShellView struct {
	evidence.ShellRecord
	Fresh bool `json:"fresh"`
}

type shellsResponse struct {
	Shells []ShellView `json:"shells"`
	Time   time.Time   `json:"time"`
}

func (s *Server) handleShells(w http.ResponseWriter, r *http.Request) {
	if !s.allowRead(w, r) {
		return
	}

	records, err := s.backend.Shells()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read shell heartbeats")
		return
	}
	now := s.cfg.Now()
	views := make([]ShellView, 0, len(records))
	for _, rec := range records {
		views = append(views, ShellView{
			ShellRecord: rec,
			Fresh:       s.cfg.Policy.TelemetryFresh(rec.LastSeenAt, now),
		})
	}
	writeJSON(w, http.StatusOK, shellsResponse{Shells: views, Time: now.UTC()})
}

type ingestFunc func(b Backend, data []byte) error

func ingestHook(b Backend, data []byte) error      { return b.IngestHook("", data) }
func ingestTelemetry(b Backend, data []byte) error { return b.IngestTelemetry(data) }

func (s *Server) handleIngest(ingest ingestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if !s.authorizeRequest(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if !s.limiter.Allow() {
			writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
		if err != nil {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "request body too large")
			return
		}

		err = ingest(s.backend, data)
		switch {
		case errors.Is(err, evidence.ErrMalformedEvent), errors.Is(err, evidence.ErrMalformedTelemetry):
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case err != nil:
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "ingestion failed")
		default:
			writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
		}
	}
}

func (s *Server) allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
