package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
)

// normalizeArgs moves flags ahead of positional arguments. The flag package
// stops at the first positional, so "route ~/src/app --json" would otherwise
// drop --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if !boolFlags[name] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}

// loadConfig reads the configuration from the data directory.
func loadConfig() (config.Config, error) {
	home, err := config.HomeDir()
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(home)
}

// mustLoadConfig is loadConfig for commands that cannot continue without it.
func mustLoadConfig() config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func policyFor(cfg config.Config) staleness.Policy {
	return staleness.Policy{
		ReadyStaleAfter:      cfg.Staleness.ReadyStaleAfter.Duration,
		TelemetryFreshWithin: cfg.Staleness.TelemetryFreshWithin.Duration,
	}
}

// jsonOutput reports whether to print JSON: when asked to, or when stdout is
// piped into another program.
func jsonOutput(requested bool) bool {
	return requested || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// formatAge renders how long ago t was, e.g. "42s", "7m", "3h", "2d".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := staleness.Age(t, now)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
