package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/orchestrator"
	"github.com/orchestrator/coderunner/internal/orchlog"
	"github.com/orchestrator/coderunner/internal/plan"
	"github.com/orchestrator/coderunner/internal/state"
)

// Build-time variables (set via ldflags), matching the teacher's cmd/agent.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Best-effort: the AgentDriver subprocess picks up its own credentials
	// from the environment, same convention as cmd/agent/main.go's init().
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli, kongVars(), kong.Description("Drives an external coding agent toward a goal under a wall-clock budget."))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(run(cli))
}

func run(cli CLI) int {
	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	cfg.State.Dir = cli.StateDir

	logger := orchlog.New().WithComponent("cmd")

	store, err := state.Open(cfg.State)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open state: %v\n", err)
		return 1
	}
	defer store.Close()

	if cli.ListSessions {
		return listSessions(store)
	}

	goal := resolveGoal(cli)
	if goal == "" {
		fmt.Fprintln(os.Stderr, "a goal is required: pass it positionally or with --goal")
		return 1
	}

	bus := events.New(2000)
	unsubscribe := attachReporter(bus, cli)
	defer unsubscribe()

	driverCfg := agentdriver.Config{
		Command: cfg.Agent.Command,
		Workdir: cli.Directory,
		Timeout: 5 * time.Minute,
		Models: map[agentdriver.Role]agentdriver.ModelSpec{
			agentdriver.RoleWorker:     {Primary: cfg.Agent.WorkerModel, Fallback: cfg.Agent.FallbackModel},
			agentdriver.RolePlanner:    {Primary: cfg.Agent.PlannerModel, Fallback: cfg.Agent.FallbackModel},
			agentdriver.RoleSupervisor: {Primary: cfg.Agent.SupervisorModel, Fallback: cfg.Agent.FallbackModel},
		},
	}

	orch := orchestrator.New(cfg, bus, store, driverCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, cli.TimeLimit)
	defer timeoutCancel()

	g := plan.Goal{
		Primary:  goal,
		SubGoals: cli.SubGoal,
		Workdir:  cli.Directory,
		Context:  cli.Context,
		Deadline: time.Now().Add(cli.TimeLimit),
	}

	attempts := 1
	if cli.Retry && cli.MaxRetries > 0 {
		attempts = 1 + cli.MaxRetries
	}

	var outcome orchestrator.Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		outcome, err = orch.Run(ctx, g)
		if err == nil && outcome.Status == state.RunStatusCompleted {
			break
		}
		if attempt < attempts {
			logger.Warn("retrying run", map[string]interface{}{"attempt": attempt, "status": string(outcome.Status)})
		}
	}

	if !cli.Quiet {
		fmt.Printf("session %s: %s\n", outcome.SessionID, outcome.Status)
		if outcome.Error != "" {
			fmt.Fprintf(os.Stderr, "error: %s\n", outcome.Error)
		}
	}

	if outcome.Status == state.RunStatusCompleted {
		return 0
	}
	return 1
}

func loadConfig(cli CLI) (*config.Config, error) {
	if cli.Config != "" {
		return config.LoadFile(cli.Config)
	}
	return config.LoadDefault()
}

func resolveGoal(cli CLI) string {
	if cli.Goal != "" {
		return cli.Goal
	}
	return cli.GoalFlag
}

func listSessions(store *state.Store) int {
	sessions, err := store.Archive.ListSessions(50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
		return 1
	}
	for _, s := range sessions {
		fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Goal.Primary, s.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

// attachReporter subscribes a human-readable or JSON-lines reporter to the
// bus depending on cli flags, matching the teacher's "dashboard consumes
// the event log" separation (spec.md §6): this core only ever emits, never
// renders its own UI.
func attachReporter(bus *events.Bus, cli CLI) func() {
	if cli.Quiet {
		return func() {}
	}
	ch, unsubscribe := bus.Subscribe(256)
	go func() {
		for ev := range ch {
			if cli.JSON {
				b, _ := json.Marshal(ev)
				fmt.Println(string(b))
				continue
			}
			if cli.Verbose {
				fmt.Printf("[%s] %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, string(ev.Payload))
			}
		}
	}()
	return unsubscribe
}
