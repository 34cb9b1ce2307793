package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-hud/internal/routing"
)

type wsClientMessage struct {
	Type string `json:"type"` // ping, route
	Path string `json:"path,omitempty"`
}

type wsServerMessage struct {
	Type    string            `json:"type"` // status, feed, route, error
	Event   string            `json:"event,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Feed    *Feed             `json:"feed,omitempty"`
	Route   *routing.Snapshot `json:"route,omitempty"`
	Time    time.Time         `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer.
type wsConnWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allowRead(w, r) {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := &wsConnWriter{conn: conn}
	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "connected", Time: s.cfg.Now().UTC()})

	feed := s.loadFeed()
	lastFingerprint := feedFingerprint(feed)
	if err := writer.WriteJSON(wsServerMessage{Type: "feed", Feed: feed, Time: feed.Time}); err != nil {
		return
	}

	changes := s.subscribe()
	defer s.unsubscribe(changes)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readWSMessages(r, conn, writer)
	}()

	pollTicker := time.NewTicker(feedPollInterval)
	defer pollTicker.Stop()

	emitIfChanged := func() error {
		next := s.loadFeed()
		nextFingerprint := feedFingerprint(next)
		if nextFingerprint == lastFingerprint {
			return nil
		}
		if err := writer.WriteJSON(wsServerMessage{Type: "feed", Feed: next, Time: next.Time}); err != nil {
			return err
		}
		lastFingerprint = nextFingerprint
		return nil
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
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

func (s *Server) readWSMessages(r *http.Request, conn *websocket.Conn, writer *wsConnWriter) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
				Time:    s.cfg.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong", Time: s.cfg.Now().UTC()})
		case "route":
			snap, err := s.backend.Route(r.Context(), msg.Path)
			if err != nil {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "ROUTE_FAILED",
					Message: err.Error(),
					Time:    s.cfg.Now().UTC(),
				})
				continue
			}
			_ = writer.WriteJSON(wsServerMessage{Type: "route", Route: &snap, Time: s.cfg.Now().UTC()})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "supported message types: ping,route",
				Time:    s.cfg.Now().UTC(),
			})
		}
	}
}
