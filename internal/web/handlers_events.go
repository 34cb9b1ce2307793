package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/routing"
)

var (
	feedPollInterval      = 2 * time.Second
	feedHeartbeatInterval = 15 * time.Second
)

// Feed is the combined payload pushed to SSE and WebSocket clients.
type Feed struct {
	Sessions []SessionView      `json:"sessions"`
	Routing  []routing.Snapshot `json:"routing"`
	Time     time.Time          `json:"time"`
}

func (s *Server) loadFeed() *Feed {
	return &Feed{
		Sessions: s.sessionViews(),
		Routing:  s.backend.RoutingSnapshots(),
		Time:     s.cfg.Now().UTC(),
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allowRead(w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	feed := s.loadFeed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastFingerprint := feedFingerprint(feed)
	if err := writeSSEEvent(w, flusher, "feed", feed); err != nil {
		return
	}

	changes := s.subscribe()
	defer s.unsubscribe(changes)

	pollTicker := time.NewTicker(feedPollInterval)
	defer pollTicker.Stop()

	heartbeatTicker := time.NewTicker(feedHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	emitIfChanged := func() error {
		next := s.loadFeed()
		nextFingerprint := feedFingerprint(next)
		if nextFingerprint == lastFingerprint {
			return nil
		}
		if err := writeSSEEvent(w, flusher, "feed", next); err != nil {
			return err
		}
		lastFingerprint = nextFingerprint
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-changes:
			if err := emitIfChanged(); err != nil {
				return
			}
		case <-pollTicker.C:
			if err := emitIfChanged(); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// feedFingerprint hashes what a client would render. Computation times are
// left out so an unchanged decision recomputed every poll is not re-sent.
func feedFingerprint(feed *Feed) string {
	if feed == nil {
		return "nil"
	}
	routes := make([]routing.Snapshot, len(feed.Routing))
	for i, snap := range feed.Routing {
		snap.ComputedAt = time.Time{}
		routes[i] = snap
	}
	raw, err := json.Marshal(struct {
		Sessions []SessionView      `json:"sessions"`
		Routing  []routing.Snapshot `json:"routing"`
	}{feed.Sessions, routes})
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
