package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
)

// maxHookBytes caps what is read from hook stdin.
const maxHookBytes = 1 << 20

// handleHook forwards the hook payload the agent writes to stdin into the
// daemon inbox. It always exits 0 so the agent is never blocked on us.
func handleHook(args []string) {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_ = fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-hud hook: %v\n", err)
		return
	}
	if err := forwardHook(cfg.InboxDir(), os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "agent-hud hook: %v\n", err)
	}
}

// forwardHook copies one payload from r into the inbox. Empty input is
// ignored; validation happens in the daemon.
func forwardHook(inboxDir string, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, maxHookBytes))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	_, err = evidence.WriteInbox(inboxDir, evidence.KindHook, data)
	return err
}

// heartbeat is the telemetry payload a shell reports about itself.
type heartbeat struct {
	TTY             string `json:"tty"`
	PID             int    `json:"pid"`
	ParentAppName   string `json:"parentAppName"`
	TmuxSessionName string `json:"tmuxSessionName,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	LastSeenAt      string `json:"lastSeenAt"`
}

var errNoTTY = errors.New("--tty is required")

// handleHeartbeat reports the calling shell to the daemon. Intended for a
// shell prompt hook, so like handleHook it never fails the caller.
func handleHeartbeat(args []string) {
	fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	tty := fs.String("tty", "", "Terminal device of the shell (e.g. /dev/ttys001)")
	pid := fs.Int("pid", 0, "Shell process id (default: parent process)")
	app := fs.String("app", "", "Terminal application (default: $TERM_PROGRAM)")
	tmuxSession := fs.String("tmux-session", "", "tmux session name when running inside tmux")
	cwd := fs.String("cwd", "", "Working directory (default: current directory)")

	fs.Usage = func() {
		fmt.Println("Usage: agent-hud heartbeat --tty <dev> [--pid N] [--app name] [--tmux-session name] [--cwd dir]")
		fmt.Println()
		fmt.Println("Report a shell's terminal and directory to the daemon.")
		fmt.Println("Typically called from a prompt hook:")
		fmt.Println("  agent-hud heartbeat --tty \"$(tty)\" --pid $$ >/dev/null 2>&1 &")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return
	}

	if *pid == 0 {
		*pid = os.Getppid()
	}
	if *app == "" {
		*app = os.Getenv("TERM_PROGRAM")
	}
	if *cwd == "" {
		*cwd, _ = os.Getwd()
	}

	data, err := buildHeartbeat(*tty, *pid, *app, *tmuxSession, *cwd, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-hud heartbeat: %v\n", err)
		return
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-hud heartbeat: %v\n", err)
		return
	}
	if _, err := evidence.WriteInbox(cfg.InboxDir(), evidence.KindTelemetry, data); err != nil {
		fmt.Fprintf(os.Stderr, "agent-hud heartbeat: %v\n", err)
	}
}

func buildHeartbeat(tty string, pid int, app, tmuxSession, cwd string, now time.Time) ([]byte, error) {
	tty = strings.TrimSpace(tty)
	if tty == "" || tty == "not a tty" {
		return nil, errNoTTY
	}
	return json.Marshal(heartbeat{
		TTY:             tty,
		PID:             pid,
		ParentAppName:   strings.TrimSpace(app),
		TmuxSessionName: strings.TrimSpace(tmuxSession),
		Cwd:             cwd,
		LastSeenAt:      now.UTC().Format(time.RFC3339Nano),
	})
}
