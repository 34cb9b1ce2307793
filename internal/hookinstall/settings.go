// Package hookinstall registers the agent-hud hook command in the coding
// agent's settings.json so every lifecycle event reaches the daemon.
// Unrelated settings and user hooks are preserved.
package hookinstall

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/session"
)

var hookLog = logging.ForComponent(logging.CompHook)

// Command is the marker used to recognize our entries in settings.json.
const Command = "agent-hud hook"

// SettingsFile is the settings file inside the agent config directory.
const SettingsFile = "settings.json"

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// toolMatcher subscribes tool events for every tool.
const toolMatcher = "*"

// matcherFor returns the matcher pattern registered for ev.
func matcherFor(ev session.EventType) string {
	switch ev {
	case session.EventPreToolUse, session.EventPostToolUse:
		return toolMatcher
	}
	return ""
}

// DefaultConfigDir returns ~/.claude, or $CLAUDE_CONFIG_DIR when set.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("CLAUDE_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".claude"), nil
}

// settings is a settings.json document split into its hooks section and
// everything else.
type settings struct {
	path  string
	raw   map[string]json.RawMessage
	hooks map[string]json.RawMessage
}

func readSettings(configDir string, mustExist bool) (*settings, error) {
	s := &settings{
		path:  filepath.Join(configDir, SettingsFile),
		raw:   make(map[string]json.RawMessage),
		hooks: make(map[string]json.RawMessage),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", SettingsFile, err)
	}
	if err := json.Unmarshal(data, &s.raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SettingsFile, err)
	}
	if s.raw == nil {
		s.raw = make(map[string]json.RawMessage)
	}
	if hooksRaw, ok := s.raw["hooks"]; ok {
		// A hooks key that is not an object is replaced.
		if err := json.Unmarshal(hooksRaw, &s.hooks); err != nil || s.hooks == nil {
			s.hooks = make(map[string]json.RawMessage)
		}
	}
	return s, nil
}

func (s *settings) write() error {
	if len(s.hooks) == 0 {
		delete(s.raw, "hooks")
	} else {
		hooksRaw, err := json.Marshal(s.hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		s.raw["hooks"] = hooksRaw
	}
	data, err := json.MarshalIndent(s.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s.tmp: %w", SettingsFile, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", SettingsFile, err)
	}
	return nil
}

func (s *settings) complete() bool {
	for _, ev := range session.AllEventTypes {
		if !containsOurs(s.hooks[string(ev)]) {
			return false
		}
	}
	return true
}

// Install adds the hook command for every event type. It reports false when
// everything was already registered.
func Install(configDir string) (bool, error) {
	s, err := readSettings(configDir, false)
	if err != nil {
		return false, err
	}
	if s.complete() {
		return false, nil
	}
	for _, ev := range session.AllEventTypes {
		s.hooks[string(ev)] = addOurs(s.hooks[string(ev)], matcherFor(ev))
	}
	if err := s.write(); err != nil {
		return false, err
	}
	hookLog.Info("hooks_installed", slog.String("config_dir", configDir))
	return true, nil
}

// Remove deletes our hook entries. It reports false when none were found.
func Remove(configDir string) (bool, error) {
	s, err := readSettings(configDir, true)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	removed := false
	for _, ev := range session.AllEventTypes {
		raw, ok := s.hooks[string(ev)]
		if !ok {
			continue
		}
		cleaned, didRemove := dropOurs(raw)
		if !didRemove {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(s.hooks, string(ev))
		} else {
			s.hooks[string(ev)] = cleaned
		}
	}
	if !removed {
		return false, nil
	}
	if err := s.write(); err != nil {
		return false, err
	}
	hookLog.Info("hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// Installed reports whether every event type carries our hook.
func Installed(configDir string) bool {
	s, err := readSettings(configDir, true)
	if err != nil {
		return false
	}
	return s.complete()
}

func decodeMatchers(raw json.RawMessage) []hookMatcher {
	var matchers []hookMatcher
	if raw != nil {
		if err := json.Unmarshal(raw, &matchers); err != nil {
			return nil
		}
	}
	return matchers
}

func isOurs(h hookEntry) bool { return strings.Contains(h.Command, Command) }

func containsOurs(raw json.RawMessage) bool {
	for _, m := range decodeMatchers(raw) {
		for _, h := range m.Hooks {
			if isOurs(h) {
				return true
			}
		}
	}
	return false
}

// addOurs appends our entry to the block with the same matcher, or adds a
// new block.
func addOurs(raw json.RawMessage, matcher string) json.RawMessage {
	matchers := decodeMatchers(raw)
	ours := hookEntry{Type: "command", Command: Command, Async: true}

	idx := -1
	for i, m := range matchers {
		if m.Matcher != matcher {
			continue
		}
		for _, h := range m.Hooks {
			if isOurs(h) {
				out, _ := json.Marshal(matchers)
				return out
			}
		}
		idx = i
		break
	}
	if idx >= 0 {
		matchers[idx].Hooks = append(matchers[idx].Hooks, ours)
	} else {
		matchers = append(matchers, hookMatcher{Matcher: matcher, Hooks: []hookEntry{ours}})
	}
	out, _ := json.Marshal(matchers)
	return out
}

// dropOurs removes our entries. Blocks left empty are dropped; nil means
// the event has nothing left.
func dropOurs(raw json.RawMessage) (json.RawMessage, bool) {
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return raw, false
	}
	removed := false
	kept := matchers[:0]
	for _, m := range matchers {
		hooks := m.Hooks[:0]
		for _, h := range m.Hooks {
			if isOurs(h) {
				removed = true
				continue
			}
			hooks = append(hooks, h)
		}
		if len(hooks) > 0 {
			m.Hooks = hooks
			kept = append(kept, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(kept) == 0 {
		return nil, true
	}
	out, _ := json.Marshal(kept)
	return out, true
}
