package main

import (
	"fmt"
	"os"
)

// Version is the agent-hud release.
const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agent-hud v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "daemon":
		handleDaemon(args[1:])
	case "hook":
		handleHook(args[1:])
	case "heartbeat":
		handleHeartbeat(args[1:])
	case "status":
		handleStatus(args[1:])
	case "route":
		handleRoute(args[1:])
	case "config":
		handleConfig(args[1:])
	case "hooks":
		handleHooks(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'agent-hud help' for usage.")
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("agent-hud v%s\n", Version)
	fmt.Println("Heads-up display for AI coding agent sessions")
	fmt.Println()
	fmt.Println("Usage: agent-hud <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon           Run the state and routing daemon")
	fmt.Println("  status           Show the state of every project")
	fmt.Println("  route <path>     Show where a project's session can be found")
	fmt.Println("  config           Show or initialize config.toml")
	fmt.Println("  hooks            Manage the agent's hook registration")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Called by integrations:")
	fmt.Println("  hook             Forward a hook payload on stdin to the daemon")
	fmt.Println("  heartbeat        Report the calling shell to the daemon")
	fmt.Println()
	fmt.Println("Hooks Commands:")
	fmt.Println("  hooks install             Register agent-hud in settings.json")
	fmt.Println("  hooks remove              Remove agent-hud from settings.json")
	fmt.Println("  hooks status              Show whether agent-hud is registered")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  AGENTHUD_HOME             Data directory (default: ~/.agent-hud)")
	fmt.Println("  AGENTHUD_TOKEN            Token required by the HTTP feed")
	fmt.Println("  AGENTHUD_LOG_LEVEL        debug, info, warn or error")
}
