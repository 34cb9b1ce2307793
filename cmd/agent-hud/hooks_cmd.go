package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/asheshgoplani/agent-hud/internal/hookinstall"
)

// handleHooks manages the agent-hud entries in the agent's settings.json.
func handleHooks(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: agent-hud hooks <install|remove|status> [--config-dir dir]")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("hooks "+sub, flag.ExitOnError)
	configDir := fs.String("config-dir", "", "Agent config directory (default: $CLAUDE_CONFIG_DIR or ~/.claude)")
	if err := fs.Parse(normalizeArgs(fs, args[1:])); err != nil {
		os.Exit(1)
	}
	dir := *configDir
	if dir == "" {
		var err error
		if dir, err = hookinstall.DefaultConfigDir(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	settings := filepath.Join(dir, hookinstall.SettingsFile)

	switch sub {
	case "install":
		installed, err := hookinstall.Install(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error installing hooks: %v\n", err)
			os.Exit(1)
		}
		if installed {
			fmt.Println("agent-hud hooks installed.")
			fmt.Printf("Config: %s\n", settings)
		} else {
			fmt.Println("agent-hud hooks are already installed.")
		}
	case "remove", "uninstall":
		removed, err := hookinstall.Remove(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error removing hooks: %v\n", err)
			os.Exit(1)
		}
		if removed {
			fmt.Println("agent-hud hooks removed.")
		} else {
			fmt.Println("No agent-hud hooks found to remove.")
		}
	case "status":
		if hookinstall.Installed(dir) {
			fmt.Println("Status: INSTALLED")
			fmt.Printf("Config: %s\n", settings)
		} else {
			fmt.Println("Status: NOT INSTALLED")
			fmt.Println("Run 'agent-hud hooks install' to install.")
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown hooks subcommand: %s\n", sub)
		fmt.Fprintln(os.Stderr, "Usage: agent-hud hooks <install|remove|status>")
		os.Exit(1)
	}
}
