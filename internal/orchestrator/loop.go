package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/plan"
	"github.com/orchestrator/coderunner/internal/state"
)

// runOuterLoop drives run.plan to completion under ctx's deadline. It is
// bulletproof per spec.md §4.2: no classified error, including ABORT from
// ErrorRecovery or CRITICAL from the Supervisor, ever exits this loop on
// its own. The run ends on ctx.Done() (deadline or operator cancel), on a
// confirmed goal-completion signal, when cycle verification confirms the
// goal, when the plan is fully terminal, or when the MaxOuterCycles safety
// counter is reached; everything else folds into the next cycle.
func (o *Orchestrator) runOuterLoop(ctx context.Context, run *runState) (state.RunStatus, string, error) {
	maxCycles := o.cfg.Executor.MaxOuterCycles
	if maxCycles <= 0 {
		maxCycles = 10
	}
	minDelay := config.Duration(o.cfg.Executor.MinDelay, 2*time.Second)
	maxDelay := config.Duration(o.cfg.Executor.MaxDelay, 30*time.Second)

	for {
		select {
		case <-ctx.Done():
			o.bus.Emit(events.TypeTimeExhausted, map[string]string{"reason": ctx.Err().Error()})
			return o.finalVerification(context.Background(), run, state.RunStatusAborted)
		default:
		}

		run.cycle++
		cycleCtx, span := startCycleSpan(ctx, run.cycle)
		goalSignaled := o.runInnerLoop(cycleCtx, run, minDelay, maxDelay)
		endSpan(span, nil)

		run.plan.ReconcileDecomposed()

		if goalSignaled {
			return o.finalVerification(ctx, run, state.RunStatusCompleted)
		}

		if allStepsTerminal(run.plan) {
			return o.finalVerification(ctx, run, state.RunStatusCompleted)
		}

		if o.cycleVerification(ctx, run) {
			return o.finalVerification(ctx, run, state.RunStatusCompleted)
		}

		if run.cycle >= maxCycles {
			o.bus.Emit(events.TypeTimeExhausted, map[string]string{"reason": "max outer cycles reached"})
			return o.finalVerification(ctx, run, state.RunStatusFailed)
		}

		// A cycle that made no progress and left nothing ready is stuck on
		// unmet dependencies rather than actively failing; back off briefly
		// before trying again instead of busy-looping.
		if len(run.plan.ReadySteps()) == 0 && run.plan.CurrentStep() == nil {
			select {
			case <-ctx.Done():
				continue // re-enter the loop; the Done() check above handles exit.
			case <-time.After(minDelay):
			}
		}
	}
}

// runInnerLoop executes ready steps until the plan has nothing left to run
// this cycle, dispatching parallel-safe batches through runBatch and
// everything else one step at a time via the shared worker session
// (spec.md §4.2 inner-loop sub-phases a-i).
func (o *Orchestrator) runInnerLoop(ctx context.Context, run *runState, minDelay, maxDelay time.Duration) (goalComplete bool) {
	turn := 0
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		var batch []*plan.Step
		if o.cfg.Executor.ParallelEnabled {
			batch = run.plan.NextExecutableBatch(maxWorkersOr(o.cfg.Executor.MaxWorkers))
		}
		if len(batch) == 0 {
			if current := run.plan.CurrentStep(); current != nil {
				batch = []*plan.Step{current}
			}
		}
		if len(batch) == 0 {
			return false
		}

		outcomes := o.runBatch(ctx, run, batch)
		turn++

		if o.cfg.Executor.GoalReminderEvery > 0 && turn%o.cfg.Executor.GoalReminderEvery == 0 {
			run.recentDecisions = append(run.recentDecisions, "reminder: stay focused on "+run.goal.Primary)
		}

		anyReplanned := false
		for _, out := range outcomes {
			if out.GoalComplete {
				return true
			}
			if out.NeedsReplan {
				anyReplanned = true
			}
		}
		if anyReplanned {
			continue
		}

		delay := adaptiveDelay(turn, minDelay, maxDelay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func maxWorkersOr(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

// adaptiveDelay grows gently with turn count, bounded by [minDelay,
// maxDelay], so long-running goals don't hammer the agent CLI at a fixed
// cadence (spec.md §4.2's adaptive pacing).
func adaptiveDelay(turn int, minDelay, maxDelay time.Duration) time.Duration {
	d := minDelay * time.Duration(1+turn/10)
	if d > maxDelay {
		d = maxDelay
	}
	if d < minDelay {
		d = minDelay
	}
	return d
}

func allStepsTerminal(p *plan.Plan) bool {
	for _, s := range p.Steps {
		if !s.IsLeaf() {
			continue // parent steps derive their status from children.
		}
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// cycleVerification is spec.md §4.2 phase 4: a mid-run check, run every
// ProgressCheckEvery outer cycles, on whether the goal is already achieved
// even though the plan has steps left to run. Anything short of HIGH
// confidence folds the Supervisor's reported gaps (plus any failed steps)
// into a gap plan appended to run.plan, and resets the worker's
// conversation so the next cycle re-enters phase 3 fresh. Returns true only
// when the outer loop should stop and go straight to final verification.
func (o *Orchestrator) cycleVerification(ctx context.Context, run *runState) bool {
	every := o.cfg.Executor.ProgressCheckEvery
	if every <= 0 {
		every = 5
	}
	if run.cycle%every != 0 {
		return false
	}

	o.bus.Emit(events.TypeVerificationStarted, map[string]string{"phase": "cycle", "cycle": fmt.Sprintf("%d", run.cycle)})

	gv, err := o.supervisor.VerifyGoalAchieved(ctx, run.goal, run.plan.Steps)
	if err != nil {
		return false
	}
	o.bus.Emit(events.TypeGoalVerificationComplete, map[string]interface{}{
		"phase": "cycle", "achieved": string(gv.Achieved), "confidence": string(gv.Confidence),
	})

	if plan.IsTruthy(gv.Achieved) && gv.Confidence == plan.ConfidenceHigh {
		return true
	}

	failed := failedSteps(run.plan)
	if len(gv.Gaps) == 0 && len(failed) == 0 {
		return false
	}

	gapPlan, err := o.planner.CreateGapPlan(ctx, run.goal, gv.Gaps, failed, run.cycle)
	if err != nil || gapPlan == nil || len(gapPlan.Steps) == 0 {
		return false
	}

	run.plan.Steps = append(run.plan.Steps, gapPlan.Steps...)
	run.worker.Reset()
	o.bus.Emit(events.TypeSubplanCreated, map[string]interface{}{"phase": "cycle_gap", "cycle": run.cycle, "steps": len(gapPlan.Steps)})
	return false
}

func failedSteps(p *plan.Plan) []*plan.Step {
	var out []*plan.Step
	for _, s := range p.Steps {
		if s.Status == plan.StatusFailed || s.Status == plan.StatusBlocked {
			out = append(out, s)
		}
	}
	return out
}

// finalVerification runs the goal-level and smoke-test checks spec.md
// §4.2's final phase requires, regardless of how the outer loop ended
// (natural completion, cycle cap, or deadline), then folds the result into
// a terminal RunStatus.
func (o *Orchestrator) finalVerification(ctx context.Context, run *runState, fallback state.RunStatus) (state.RunStatus, string, error) {
	o.bus.Emit(events.TypeFinalVerificationStarted, nil)

	gv, err := o.supervisor.VerifyGoalAchieved(ctx, run.goal, run.plan.Steps)
	if err != nil {
		o.bus.Emit(events.TypeFinalVerificationFailed, map[string]string{"error": err.Error()})
		return fallback, "", nil
	}
	o.bus.Emit(events.TypeGoalVerificationComplete, map[string]interface{}{
		"achieved": string(gv.Achieved), "confidence": string(gv.Confidence),
	})

	smoke := o.verifier.RunSmokeTests(ctx, run.goal.Workdir, run.goal.Primary)
	o.bus.Emit(events.TypeSmokeTestsComplete, map[string]interface{}{"passed": smoke.Passed, "summary": smoke.Summary})

	if plan.IsTruthy(gv.Achieved) && smoke.Passed {
		o.bus.Emit(events.TypeFinalVerificationPassed, nil)
		return state.RunStatusCompleted, gv.Recommendation, nil
	}

	o.bus.Emit(events.TypeFinalVerificationFailed, map[string]string{"reason": gv.Reason})
	if fallback == state.RunStatusAborted {
		return state.RunStatusAborted, gv.Reason, nil
	}
	return state.RunStatusFailed, gv.Reason, nil
}
