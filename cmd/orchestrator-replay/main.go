// Package main is the entry point for the session-replay CLI: a forensic
// viewer over one orchestrator run's archived event log, grounded on the
// teacher's cmd/replay/main.go (manual flag parsing for a small, stable
// surface) and src/internal/replay/pager.go (bubbletea viewport pager),
// generalized from the teacher's XML tool-call log to this engine's
// events.Event stream.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/replay"
	"github.com/orchestrator/coderunner/internal/state"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	args := os.Args[1:]

	archivePath := ""
	sessionID := ""
	noPager := false

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--state-dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: --state-dir requires a value")
				os.Exit(1)
			}
			i++
			archivePath = args[i]
		case args[i] == "--no-pager":
			noPager = true
		case args[i] == "-h" || args[i] == "--help":
			printUsage()
			os.Exit(0)
		case args[i] == "--version":
			fmt.Printf("orchestrator-replay version %s (commit: %s, built: %s)\n", version, commit, buildTime)
			os.Exit(0)
		case !strings.HasPrefix(args[i], "-"):
			sessionID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	if sessionID == "" {
		printUsage()
		os.Exit(1)
	}
	if archivePath == "" {
		archivePath = ".claude-runner"
	}

	if err := replayOne(archivePath, sessionID, noPager); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func replayOne(stateDir, sessionID string, noPager bool) error {
	cfg := config.StateConfig{Dir: stateDir}
	store, err := state.Open(cfg)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer store.Close()

	sess, err := store.Archive.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	evs, err := store.Archive.LoadEvents(sessionID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	r := replay.New(sess, evs)
	if noPager {
		fmt.Print(r.Render())
		return nil
	}
	return r.RunPager()
}

func printUsage() {
	fmt.Println(`Usage: orchestrator-replay <session-id> [options]

Options:
  --state-dir <path>   State directory to read from (default .claude-runner)
  --no-pager           Print the rendered transcript to stdout and exit
  --version            Show version
  -h, --help           Show this help`)
}
