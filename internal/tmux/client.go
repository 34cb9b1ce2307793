package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-hud/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// inventoryTTL lets one poll pass share a single set of tmux queries.
const inventoryTTL = 500 * time.Millisecond

// SessionInfo is one tmux session as seen by the resolver.
type SessionInfo struct {
	SessionName string `json:"sessionName"`
	// Socket identifies the tmux server; "" is the default server.
	Socket             string    `json:"socket,omitempty"`
	MatchedProjectPath string    `json:"matchedProjectPath"`
	AttachedClientTTY  string    `json:"attachedClientTty,omitempty"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
}

// Attached reports whether a real (non control mode) client views the session.
func (s SessionInfo) Attached() bool { return s.AttachedClientTTY != "" }

// Session is a tmux session with every directory its panes sit in.
type Session struct {
	Name         string
	Socket       string
	Paths        []string
	LastActivity time.Time
	ClientTTY    string
	clientSeen   time.Time
}

// Inventory is every session across the configured servers at one moment.
type Inventory struct {
	Sessions []Session
	TakenAt  time.Time
}

// Config configures a Client.
type Config struct {
	Binary  string
	Timeout time.Duration
	// Sockets are extra servers queried alongside the default one.
	Sockets []string
}

// Client queries tmux servers. Concurrent callers share one in-flight query.
type Client struct {
	binary  string
	timeout time.Duration
	sockets []string
	runner  Runner
	now     func() time.Time

	sf    singleflight.Group
	mu    sync.Mutex
	inv   *Inventory
	invAt time.Time
}

// New returns a Client. A nil runner runs the real tmux binary.
func New(cfg Config, runner Runner) *Client {
	if cfg.Binary == "" {
		cfg.Binary = "tmux"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	sockets := append([]string{""}, cfg.Sockets...)
	return &Client{
		binary:  cfg.Binary,
		timeout: cfg.Timeout,
		sockets: dedupe(sockets),
		runner:  runner,
		now:     time.Now,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Inventory returns the sessions of every configured server. Any server
// failing other than "not running" fails the whole inventory, so callers
// never resolve against a partial view.
func (c *Client) Inventory(ctx context.Context) (*Inventory, error) {
	c.mu.Lock()
	if c.inv != nil && c.now().Sub(c.invAt) < inventoryTTL {
		inv := c.inv
		c.mu.Unlock()
		return inv, nil
	}
	c.mu.Unlock()

	// The shared query outlives any one caller: each run is still bounded by
	// the query timeout, and a caller that goes away only stops waiting.
	ch := c.sf.DoChan("inventory", func() (any, error) {
		inv, err := c.queryAll(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.inv, c.invAt = inv, c.now()
		c.mu.Unlock()
		return inv, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			logging.Aggregate(logging.CompTmux, "tmux_query_failed", slog.String("error", res.Err.Error()))
			return nil, res.Err
		}
		return res.Val.(*Inventory), nil
	}
}

// Invalidate drops the cached inventory.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.inv = nil
	c.mu.Unlock()
}

func (c *Client) queryAll(ctx context.Context) (*Inventory, error) {
	inv := &Inventory{TakenAt: c.now()}
	for _, socket := range c.sockets {
		sessions, err := c.queryServer(ctx, socket)
		if errors.Is(err, errNoServer) {
			continue
		}
		if err != nil {
			return nil, err
		}
		inv.Sessions = append(inv.Sessions, sessions...)
	}
	return inv, nil
}

const (
	sessionFormat = "#{session_name}\t#{session_activity}\t#{session_path}"
	paneFormat    = "#{session_name}\t#{pane_current_path}"
	clientFormat  = "#{session_name}\t#{client_tty}\t#{client_control_mode}\t#{client_activity}"
)

func (c *Client) queryServer(ctx context.Context, socket string) ([]Session, error) {
	out, err := c.run(ctx, socket, "list-sessions", "-F", sessionFormat)
	if err != nil {
		return nil, err
	}
	sessions := parseSessions(string(out), socket)
	if len(sessions) == 0 {
		return nil, nil
	}

	out, err = c.run(ctx, socket, "list-panes", "-a", "-F", paneFormat)
	if err != nil && !errors.Is(err, errNoServer) {
		return nil, err
	}
	addPanePaths(sessions, string(out))

	out, err = c.run(ctx, socket, "list-clients", "-F", clientFormat)
	if err != nil && !errors.Is(err, errNoServer) {
		return nil, err
	}
	addClients(sessions, string(out))

	result := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// parseSessions reads list-sessions output, skipping malformed lines.
func parseSessions(output, socket string) map[string]*Session {
	sessions := make(map[string]*Session)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		s := &Session{Name: fields[0], Socket: socket, LastActivity: unixSeconds(fields[1])}
		if len(fields) >= 3 {
			s.addPath(fields[2])
		}
		sessions[s.Name] = s
	}
	return sessions
}

func addPanePaths(sessions map[string]*Session, output string) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.SplitN(strings.TrimRight(line, "\r"), "\t", 2)
		if len(fields) != 2 {
			continue
		}
		if s, ok := sessions[fields[0]]; ok {
			s.addPath(fields[1])
		}
	}
}

// addClients records, per session, the tty of the most recently active
// client. Control mode clients are not a human looking at the session.
func addClients(sessions map[string]*Session, output string) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 3 || fields[1] == "" {
			continue
		}
		if fields[2] == "1" {
			continue
		}
		s, ok := sessions[fields[0]]
		if !ok {
			continue
		}
		var seen time.Time
		if len(fields) >= 4 {
			seen = unixSeconds(fields[3])
		}
		if s.ClientTTY == "" || seen.After(s.clientSeen) ||
			(seen.Equal(s.clientSeen) && fields[1] < s.ClientTTY) {
			s.ClientTTY, s.clientSeen = fields[1], seen
		}
	}
}

func (s *Session) addPath(p string) {
	p = strings.TrimSpace(p)
	if p == "" || !filepath.IsAbs(p) {
		return
	}
	p = filepath.Clean(p)
	for _, existing := range s.Paths {
		if existing == p {
			return
		}
	}
	s.Paths = append(s.Paths, p)
}

func unixSeconds(field string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// Within reports whether path is root or below it.
func Within(path, root string) bool {
	if path == root {
		return true
	}
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, root+"/")
}

// owner returns the deepest project containing path, or "".
func owner(path string, projects []string) string {
	best := ""
	for _, p := range projects {
		if Within(path, p) && len(p) > len(best) {
			best = p
		}
	}
	return best
}

// Match returns the sessions with a pane inside projectPath. A pane that
// belongs to a more deeply nested known project counts for that project
// only. Results are sorted by socket then session name.
func (inv *Inventory) Match(projectPath string, knownProjects []string) []SessionInfo {
	if inv == nil {
		return nil
	}
	projects := append([]string{projectPath}, knownProjects...)
	var out []SessionInfo
	for _, s := range inv.Sessions {
		for _, p := range s.Paths {
			if owner(p, projects) != projectPath {
				continue
			}
			out = append(out, SessionInfo{
				SessionName:        s.Name,
				Socket:             s.Socket,
				MatchedProjectPath: projectPath,
				AttachedClientTTY:  s.ClientTTY,
				LastActivityAt:     s.LastActivity,
			})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Socket != out[j].Socket {
			return out[i].Socket < out[j].Socket
		}
		return out[i].SessionName < out[j].SessionName
	})
	return out
}

// SessionsFor queries tmux and returns the sessions matching projectPath.
func (c *Client) SessionsFor(ctx context.Context, projectPath string, knownProjects []string) ([]SessionInfo, error) {
	inv, err := c.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	return inv.Match(projectPath, knownProjects), nil
}

// String renders a session for logs, including its server when not default.
func (s SessionInfo) String() string {
	if s.Socket == "" {
		return s.SessionName
	}
	return fmt.Sprintf("%s@%s", s.SessionName, s.Socket)
}
