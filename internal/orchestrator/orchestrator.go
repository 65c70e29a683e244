// Package orchestrator implements the Executor control loop (spec.md §4.2):
// the outer resume-or-plan / plan-review / inner-loop / cycle-verification /
// final-verification cycle that drives an external coding agent toward a
// goal under a wall-clock budget. Grounded on the teacher's
// internal/executor/executor.go Run/executeGoalWithTracking phase
// structure (COMMIT/EXECUTE/RECONCILE/SUPERVISE), generalized from the
// teacher's four fixed phases over a static Agentfile workflow to this
// engine's dynamic, supervisor-scored step loop over a Planner-produced
// Plan.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/llmcontext"
	"github.com/orchestrator/coderunner/internal/orchlog"
	"github.com/orchestrator/coderunner/internal/planner"
	"github.com/orchestrator/coderunner/internal/plan"
	"github.com/orchestrator/coderunner/internal/recovery"
	"github.com/orchestrator/coderunner/internal/state"
	"github.com/orchestrator/coderunner/internal/supervision"
	"github.com/orchestrator/coderunner/internal/verifier"
)

// Orchestrator wires every core component together and runs the control
// loop for one goal.
type Orchestrator struct {
	cfg   *config.Config
	bus   *events.Bus
	store *state.Store

	driverFactory *agentdriver.Factory
	planner       *planner.Planner
	supervisor    *supervision.Supervisor
	verifier      *verifier.Verifier
	recovery      *recovery.Recovery

	dupDetector *llmcontext.DuplicateDetector
	tokens      *llmcontext.TokenTracker

	archiveMu        sync.Mutex
	archiveSessionID string

	logger *orchlog.Logger
}

// New wires an Orchestrator from configuration. store and bus are owned by
// the caller (typically cmd/orchestrator) and shared across runs so that
// ListSessions/resume works across process invocations.
func New(cfg *config.Config, bus *events.Bus, store *state.Store, driverCfg agentdriver.Config) *Orchestrator {
	factory := agentdriver.NewFactory(driverCfg)
	o := &Orchestrator{
		cfg:           cfg,
		bus:           bus,
		store:         store,
		driverFactory: factory,
		planner:       planner.New(factory.Planner()),
		supervisor:    supervision.New(factory.Supervisor(), cfg.Supervisor),
		verifier:      verifier.New(cfg.Verifier),
		recovery:      recovery.New(cfg.Recovery),
		dupDetector:   llmcontext.NewDuplicateDetector(5),
		tokens:        llmcontext.NewTokenTracker(500),
		logger:        orchlog.New().WithComponent("orchestrator"),
	}
	o.attachArchiver()
	return o
}

// attachArchiver subscribes a standing bus listener that persists every
// event to the StatePersistence archive under the run's current session,
// so internal/replay has a populated transcript to render (spec.md §4.8).
// It runs for the lifetime of the Orchestrator, matching the bus's own
// lifetime, rather than being resubscribed per Run.
func (o *Orchestrator) attachArchiver() {
	ch, _ := o.bus.Subscribe(256)
	go func() {
		for ev := range ch {
			o.archiveMu.Lock()
			sessionID := o.archiveSessionID
			o.archiveMu.Unlock()
			if sessionID == "" {
				continue
			}
			o.store.RecordEvent(sessionID, ev)
		}
	}()
}

func (o *Orchestrator) setArchiveSession(sessionID string) {
	o.archiveMu.Lock()
	o.archiveSessionID = sessionID
	o.archiveMu.Unlock()
}

// Outcome is the terminal result of a Run call.
type Outcome struct {
	SessionID string
	Status    state.RunStatus
	Plan      *plan.Plan
	Error     string
}

// Run drives goal to completion, timeout, or operator cancellation
// (ctx.Done), per spec.md §4.2. ctx should carry a deadline derived from
// goal.Deadline; Run itself never imposes one.
func (o *Orchestrator) Run(ctx context.Context, goal plan.Goal) (Outcome, error) {
	ctx, span := startRunSpan(ctx, goal.Primary)
	defer span.End()

	now := time.Now()
	run := &runState{
		goal:   goal,
		worker: o.driverFactory.Worker(),
		cycle:  0,
	}

	if resumed, cp, found, err := o.store.Resume(goal); err == nil && found {
		run.session = resumed
		o.setArchiveSession(resumed.ID)
		o.bus.Emit(events.TypeResuming, map[string]string{"session": resumed.ID})
		run.plan = cp.Plan
		o.bus.Emit(events.TypePlanRestored, map[string]string{"current_step": cp.CurrentStep})
	} else {
		sess, err := o.store.CreateSession(goal, now)
		if err != nil {
			return Outcome{}, fmt.Errorf("orchestrator: create session: %w", err)
		}
		run.session = sess
		o.setArchiveSession(sess.ID)
		o.bus.Emit(events.TypeStarted, map[string]string{"session": sess.ID, "goal": goal.Primary})

		o.bus.Emit(events.TypePlanning, nil)
		p, err := o.planner.CreatePlan(ctx, goal)
		// A planning error never ends the run on its own: planning is
		// retried after a pause until it succeeds or ctx is done.
		for err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(config.Duration(o.cfg.Executor.MinDelay, 2*time.Second)):
			}
			p, err = o.planner.CreatePlan(ctx, goal)
		}
		if err != nil {
			run.plan = &plan.Plan{}
			o.finish(run, state.RunStatusAborted, "", err.Error())
			return Outcome{SessionID: sess.ID, Status: state.RunStatusAborted, Plan: run.plan, Error: err.Error()}, nil
		}
		run.plan = p
		o.bus.Emit(events.TypePlanCreated, map[string]int{"steps": len(p.Steps)})

		o.reviewPlan(ctx, run)
	}

	go o.store.AutoSave(ctx, config.Duration(o.cfg.State.AutoSaveInterval, 15*time.Second), func() state.Checkpoint {
		return o.snapshot(run)
	})

	status, resultText, runErr := o.runOuterLoop(ctx, run)
	o.finish(run, status, resultText, errString(runErr))

	if runErr != nil {
		o.bus.Emit(events.TypeFatalError, map[string]string{"error": runErr.Error()})
	} else {
		o.bus.Emit(events.TypeComplete, map[string]string{"status": string(status)})
	}

	return Outcome{SessionID: run.session.ID, Status: status, Plan: run.plan, Error: errString(runErr)}, runErr
}

// runState carries everything the outer/inner loops mutate for one Run.
type runState struct {
	goal    plan.Goal
	session state.Session
	plan    *plan.Plan
	worker  *agentdriver.Driver

	cycle             int
	recentActions     []string
	recentDecisions   []string
	consecutiveFalseClaims int
}

func (o *Orchestrator) reviewPlan(ctx context.Context, run *runState) {
	o.bus.Emit(events.TypePlanReviewStarted, nil)
	review, err := o.supervisor.ReviewPlan(ctx, run.plan, run.goal.Primary)
	if err != nil {
		o.bus.Emit(events.TypePlanReviewWarning, map[string]string{"error": err.Error()})
		return
	}
	if review.Approved {
		o.bus.Emit(events.TypePlanReviewComplete, map[string]interface{}{"approved": true})
		return
	}
	o.bus.Emit(events.TypePlanReviewWarning, map[string]interface{}{
		"issues": review.Issues, "missing": review.MissingSteps, "suggestions": review.Suggestions,
	})
	// Warnings never block execution (spec.md §4.2 phase 2).
}

func (o *Orchestrator) snapshot(run *runState) state.Checkpoint {
	current := run.plan.CurrentStep()
	stepNum := ""
	if current != nil {
		stepNum = current.Number
	}
	return state.Checkpoint{
		SessionID:         run.session.ID,
		Plan:              run.plan,
		CurrentStep:       stepNum,
		ConsecutiveIssues: o.supervisor.ConsecutiveIssues(),
		TokensUsed:        totalTokens(o.tokens),
		CreatedAt:         time.Now(),
	}
}

func totalTokens(t *llmcontext.TokenTracker) int {
	in, out := t.Total()
	return in + out
}

func (o *Orchestrator) finish(run *runState, status state.RunStatus, result, errMsg string) {
	if err := o.store.Finish(run.session, status, result, errMsg, time.Now()); err != nil {
		o.logger.Warn("failed to finalize session", map[string]interface{}{"error": err.Error()})
	}
	if cp := o.snapshot(run); cp.SessionID != "" {
		if err := o.store.Checkpoints.Save(cp); err != nil {
			o.logger.Warn("failed to save final checkpoint", map[string]interface{}{"error": err.Error()})
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
