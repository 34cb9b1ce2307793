// Package config loads agent-hud settings from ~/.agent-hud/config.toml and
// the environment. A Config is built once at startup and passed explicitly
// to every component; there is no package-level cache.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the data directory.
const FileName = "config.toml"

// Environment overrides, applied after the config file.
const (
	EnvHome                 = "AGENTHUD_HOME"
	EnvReadyStaleAfter      = "AGENTHUD_READY_STALE_AFTER"
	EnvTelemetryFreshWithin = "AGENTHUD_TELEMETRY_FRESH_WITHIN"
	EnvTmuxBinary           = "AGENTHUD_TMUX"
	EnvTmuxTimeout          = "AGENTHUD_TMUX_TIMEOUT"
	EnvPollInterval         = "AGENTHUD_POLL_INTERVAL"
	EnvListenAddr           = "AGENTHUD_LISTEN_ADDR"
	EnvToken                = "AGENTHUD_TOKEN"
	EnvLogLevel             = "AGENTHUD_LOG_LEVEL"
)

// Duration is a time.Duration that reads and writes TOML strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete daemon configuration.
type Config struct {
	// Home is the data directory. Not read from the file.
	Home string `toml:"-"`

	Staleness StalenessSettings `toml:"staleness"`
	Tmux      TmuxSettings      `toml:"tmux"`
	Daemon    DaemonSettings    `toml:"daemon"`
	Logs      LogSettings       `toml:"logs"`
}

// StalenessSettings holds read-time freshness thresholds.
type StalenessSettings struct {
	// ReadyStaleAfter flags a Ready record as stale after this age (default: 24h)
	ReadyStaleAfter Duration `toml:"ready_stale_after"`

	// TelemetryFreshWithin is how recent a shell heartbeat must be to be trusted (default: 90s)
	TelemetryFreshWithin Duration `toml:"telemetry_fresh_within"`

	// TelemetryGCAfter deletes shell telemetry not seen for this long (default: 15m)
	TelemetryGCAfter Duration `toml:"telemetry_gc_after"`
}

// TmuxSettings controls tmux server queries.
type TmuxSettings struct {
	// Binary is the tmux executable (default: "tmux")
	Binary string `toml:"binary"`

	// QueryTimeout bounds every tmux invocation (default: 2s)
	QueryTimeout Duration `toml:"query_timeout"`

	// Sockets lists extra tmux server sockets (-L names or -S paths).
	// The default server is always queried.
	Sockets []string `toml:"sockets"`
}

// DaemonSettings controls the daemon's scheduled tasks and feeds.
type DaemonSettings struct {
	// PollInterval is the routing recompute period (default: 3s)
	PollInterval Duration `toml:"poll_interval"`

	// MaintenanceInterval is the telemetry GC / journal prune period (default: 1m)
	MaintenanceInterval Duration `toml:"maintenance_interval"`

	// ListenAddr is the HTTP feed address; empty disables it (default: 127.0.0.1:8421)
	ListenAddr string `toml:"listen_addr"`

	// Token, when set, is required by every HTTP request.
	Token string `toml:"token"`

	// Projects are always resolved, even before any hook event arrives.
	Projects []string `toml:"projects"`

	// JournalKeep is the number of hook events kept in the journal (default: 5000)
	JournalKeep int `toml:"journal_keep"`

	// IngestRate limits HTTP ingestion requests per second (default: 50)
	IngestRate float64 `toml:"ingest_rate"`

	// Concurrency bounds parallel snapshot computations per pass (default: 4)
	Concurrency int `toml:"concurrency"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) Config {
	return Config{
		Home: home,
		Staleness: StalenessSettings{
			ReadyStaleAfter:      Duration{24 * time.Hour},
			TelemetryFreshWithin: Duration{90 * time.Second},
			TelemetryGCAfter:     Duration{15 * time.Minute},
		},
		Tmux: TmuxSettings{
			Binary:       "tmux",
			QueryTimeout: Duration{2 * time.Second},
		},
		Daemon: DaemonSettings{
			PollInterval:        Duration{3 * time.Second},
			MaintenanceInterval: Duration{time.Minute},
			ListenAddr:          "127.0.0.1:8421",
			JournalKeep:         5000,
			IngestRate:          50,
			Concurrency:         4,
		},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
			Compress:   true,
		},
	}
}

// HomeDir returns the data directory: $AGENTHUD_HOME or ~/.agent-hud.
func HomeDir() (string, error) {
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(userHome, ".agent-hud"), nil
}

// Load builds the configuration: defaults, then config.toml in home (if
// present), then environment overrides. A missing file is not an error.
func Load(home string) (Config, error) {
	cfg := Default(home)

	path := filepath.Join(home, FileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Default(home), fmt.Errorf("%s parse error: %w", FileName, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	durations := []struct {
		key string
		dst *Duration
	}{
		{EnvReadyStaleAfter, &c.Staleness.ReadyStaleAfter},
		{EnvTelemetryFreshWithin, &c.Staleness.TelemetryFreshWithin},
		{EnvTmuxTimeout, &c.Tmux.QueryTimeout},
		{EnvPollInterval, &c.Daemon.PollInterval},
	}
	for _, d := range durations {
		raw, _ := lookupEnv(d.key)
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if v, _ := lookupEnv(EnvTmuxBinary); strings.TrimSpace(v) != "" {
		c.Tmux.Binary = strings.TrimSpace(v)
	}
	// A set but empty listen address disables the HTTP feed.
	if v, ok := lookupEnv(EnvListenAddr); ok {
		c.Daemon.ListenAddr = strings.TrimSpace(v)
	}
	if v, _ := lookupEnv(EnvToken); strings.TrimSpace(v) != "" {
		c.Daemon.Token = strings.TrimSpace(v)
	}
	if v, _ := lookupEnv(EnvLogLevel); strings.TrimSpace(v) != "" {
		c.Logs.Level = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// normalize replaces zero and negative values with defaults.
func (c *Config) normalize() {
	def := Default(c.Home)
	fixDuration := func(d *Duration, fallback Duration) {
		if d.Duration <= 0 {
			*d = fallback
		}
	}
	fixDuration(&c.Staleness.ReadyStaleAfter, def.Staleness.ReadyStaleAfter)
	fixDuration(&c.Staleness.TelemetryFreshWithin, def.Staleness.TelemetryFreshWithin)
	fixDuration(&c.Staleness.TelemetryGCAfter, def.Staleness.TelemetryGCAfter)
	fixDuration(&c.Tmux.QueryTimeout, def.Tmux.QueryTimeout)
	fixDuration(&c.Daemon.PollInterval, def.Daemon.PollInterval)
	fixDuration(&c.Daemon.MaintenanceInterval, def.Daemon.MaintenanceInterval)

	if strings.TrimSpace(c.Tmux.Binary) == "" {
		c.Tmux.Binary = def.Tmux.Binary
	}
	if c.Daemon.JournalKeep <= 0 {
		c.Daemon.JournalKeep = def.Daemon.JournalKeep
	}
	if c.Daemon.IngestRate <= 0 {
		c.Daemon.IngestRate = def.Daemon.IngestRate
	}
	if c.Daemon.Concurrency <= 0 {
		c.Daemon.Concurrency = def.Daemon.Concurrency
	}
	// The GC window never undercuts the freshness window.
	if c.Staleness.TelemetryGCAfter.Duration < c.Staleness.TelemetryFreshWithin.Duration {
		c.Staleness.TelemetryGCAfter = c.Staleness.TelemetryFreshWithin
	}
	for i, p := range c.Daemon.Projects {
		c.Daemon.Projects[i] = filepath.Clean(expandHome(p))
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// StatePath is the persisted session-state store.
func (c Config) StatePath() string { return filepath.Join(c.Home, "state.json") }

// DBPath is the sqlite evidence database.
func (c Config) DBPath() string { return filepath.Join(c.Home, "hud.db") }

// InboxDir receives hook and telemetry files from the CLI.
func (c Config) InboxDir() string { return filepath.Join(c.Home, "inbox") }

// CrashDumpPath receives the log ring buffer when the daemon panics.
func (c Config) CrashDumpPath() string { return filepath.Join(c.Home, "crash.log") }

// Save writes cfg to home/config.toml atomically.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-hud configuration\n")
	buf.WriteString("# Durations use Go syntax: \"90s\", \"24h\".\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	path := filepath.Join(cfg.Home, FileName)
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}

// String renders a one-line summary for logs.
func (c Config) String() string {
	return "home=" + c.Home +
		" ready_stale_after=" + c.Staleness.ReadyStaleAfter.String() +
		" telemetry_fresh_within=" + c.Staleness.TelemetryFreshWithin.String() +
		" tmux_timeout=" + c.Tmux.QueryTimeout.String() +
		" poll=" + c.Daemon.PollInterval.String() +
		" listen=" + strconv.Quote(c.Daemon.ListenAddr)
}
