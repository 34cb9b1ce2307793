package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-hud/internal/config"
)

var errConfigExists = errors.New("config file already exists (use --force to overwrite)")

func handleConfig(args []string) {
	sub := "show"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "show":
		cfg := mustLoadConfig()
		if err := showConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		force := fs.Bool("force", false, "Overwrite an existing config.toml")
		if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
			os.Exit(1)
		}
		home, err := config.HomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, err := initConfig(home, *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
	case "path":
		home, err := config.HomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(filepath.Join(home, config.FileName))
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", sub)
		fmt.Fprintln(os.Stderr, "Usage: agent-hud config <show|init|path>")
		os.Exit(1)
	}
}

// showConfig prints the effective configuration (defaults, file and
// environment merged) as TOML.
func showConfig(w io.Writer, cfg config.Config) error {
	fmt.Fprintf(w, "# effective configuration, home = %s\n", cfg.Home)
	return toml.NewEncoder(w).Encode(cfg)
}

// initConfig writes the default configuration into home.
func initConfig(home string, force bool) (string, error) {
	path := filepath.Join(home, config.FileName)
	if _, err := os.Stat(path); err == nil && !force {
		return path, errConfigExists
	}
	if err := config.Save(config.Default(home)); err != nil {
		return path, err
	}
	return path, nil
}
