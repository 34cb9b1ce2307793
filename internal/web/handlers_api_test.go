package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/session"
)

func TestSessionsEndpointFlagsStaleReady(t *testing.T) {
	backend := &fakeBackend{}
	backend.setRecords(
		session.Record{ProjectPath: "/src/old", State: session.StateReady, StateChangedAt: testNow.Add(-25 * time.Hour)},
		session.Record{ProjectPath: "/src/new", State: session.StateReady, StateChangedAt: testNow.Add(-time.Hour)},
	)
	srv := newTestServer(backend, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp sessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	if !resp.Sessions[0].Stale || resp.Sessions[0].State != session.StateReady {
		t.Fatalf("old ready record should be flagged stale and stay ready: %+v", resp.Sessions[0])
	}
	if resp.Sessions[1].Stale {
		t.Fatalf("recent ready record should not be stale: %+v", resp.Sessions[1])
	}
	if backend.records[0].State != session.StateReady {
		t.Fatal("stale flag must not touch the stored record")
	}
}

func TestSessionsEndpointSingleProject(t *testing.T) {
	backend := &fakeBackend{}
	backend.setRecords(session.Record{ProjectPath: "/src/app", State: session.StateWorking})
	srv := newTestServer(backend, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions?path=/src/app/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"working"`) {
		t.Fatalf("unexpected response %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions?path=/src/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestRoutingEndpoint(t *testing.T) {
	backend := &fakeBackend{snapshots: []routing.Snapshot{{
		ProjectPath: "/src/app",
		Target:      routing.Target{Kind: routing.KindTmuxSession, Value: "app"},
		Status:      routing.StatusAttached,
		ReasonCode:  routing.ReasonTmuxAttached,
		ComputedAt:  testNow,
	}}}
	srv := newTestServer(backend, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/routing", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	want := `"target":{"kind":"tmux_session","value":"app"},"status":"attached","reasonCode":"TMUX_CLIENT_ATTACHED"`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("expected %s in %s", want, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/routing?path=/src/other", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"reasonCode":"NO_TRUSTED_EVIDENCE"`) {
		t.Fatalf("unexpected on-demand response %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/routing?path=relative", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestIngestEndpoints(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend, "")

	body := `{"hook_event_name":"Stop","cwd":"/src/app"}`
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/hooks", strings.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"tty":"/dev/ttys001","pid":1}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rr.Code)
	}

	if len(backend.hooks) != 1 || backend.hooks[0] != body {
		t.Fatalf("hook not forwarded: %v", backend.hooks)
	}
	if len(backend.telemetry) != 1 {
		t.Fatalf("telemetry not forwarded: %v", backend.telemetry)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/hooks", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	backend := &fakeBackend{ingestErr: fmt.Errorf("%w: missing projectPath", evidence.ErrMalformedEvent)}
	srv := newTestServer(backend, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/hooks", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INVALID_REQUEST"`) {
		t.Fatalf("expected INVALID_REQUEST body, got: %s", rr.Body.String())
	}

	backend.ingestErr = fmt.Errorf("disk full")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/hooks", strings.NewReader(`{}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestIngestRateLimited(t *testing.T) {
	srv := NewServer(Config{Backend: &fakeBackend{}, IngestRate: 0.5, Now: func() time.Time { return testNow }})

	codes := map[int]int{}
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{}`)))
		codes[rr.Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Fatalf("expected at least one 429, got %v", codes)
	}
}

func TestShellsEndpointFlagsFreshness(t *testing.T) {
	backend := &fakeBackend{shells: []evidence.ShellRecord{
		{TTY: "/dev/ttys001", PID: 10, ParentAppName: "iTerm.app", ProjectPath: "/src/app", LastSeenAt: testNow.Add(-10 * time.Second)},
		{TTY: "/dev/ttys002", PID: 11, ParentAppName: "Terminal.app", ProjectPath: "/src/lib", LastSeenAt: testNow.Add(-time.Hour)},
	}}
	srv := newTestServer(backend, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/shells", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp shellsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Shells) != 2 {
		t.Fatalf("expected 2 shells, got %d", len(resp.Shells))
	}
	if !resp.Shells[0].Fresh || resp.Shells[0].ParentAppName != "iTerm.app" {
		t.Fatalf("recent heartbeat should be fresh: %+v", resp.Shells[0])
	}
	if resp.Shells[1].Fresh {
		t.Fatalf("hour-old heartbeat should not be fresh: %+v", resp.Shells[1])
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/shells", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}
