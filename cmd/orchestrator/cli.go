// Package main is the entry point for the orchestrator CLI.
package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface, following the teacher's
// declarative-struct kong style (cmd/agent/cli.go) generalized from a
// sub-command dispatcher to this engine's single-purpose "run a goal"
// surface plus a couple of session-management flags (spec.md §6).
type CLI struct {
	Goal         string        `arg:"" optional:"" help:"Goal to pursue (alternative to --goal)"`
	GoalFlag     string        `name:"goal" help:"Goal to pursue, if not given positionally"`
	SubGoal      []string      `help:"Sub-goal, repeatable"`
	TimeLimit    time.Duration `default:"2h" help:"Wall-clock budget for this run (e.g. 30m, 2h, 24h)"`
	Directory    string        `short:"d" default:"." help:"Working directory the agent operates in"`
	Context      string        `help:"Extra free-form context handed to the planner"`
	Verbose      bool          `short:"v" help:"Verbose logging"`
	Quiet        bool          `short:"q" help:"Suppress non-essential output"`
	JSON         bool          `help:"Emit newline-delimited JSON events to stdout instead of human-readable logs"`
	Retry        bool          `help:"Retry the run once more on a failed/aborted outcome"`
	MaxRetries   int           `default:"1" help:"Maximum retries when --retry is set"`
	Resume       string        `optional:"" help:"Accepted for compatibility; a run always resumes the most recent resumable session for the same goal and directory, and a session id given here is not looked up"`
	ListSessions bool          `help:"List resumable sessions and exit"`
	StateDir     string        `default:".claude-runner" help:"State directory for sessions, checkpoints and cache"`
	Config       string        `help:"Path to orchestrator.toml (defaults to ./orchestrator.toml if present)"`
	UI           bool          `help:"Reserved for the out-of-core dashboard; this core never opens a listener itself"`
	UIPort       int           `default:"8787" help:"Port the out-of-core dashboard would bind, if --ui is handled by an outer collaborator"`
}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
