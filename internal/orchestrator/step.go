package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/llmcontext"
	"github.com/orchestrator/coderunner/internal/plan"
	"github.com/orchestrator/coderunner/internal/recovery"
	"github.com/orchestrator/coderunner/internal/state"
	"github.com/orchestrator/coderunner/internal/verifier"
)

// stepOutcome is what one pass of executeStep decided, consumed by the
// inner loop to pick the next action.
type stepOutcome struct {
	Blocked      bool
	NeedsReplan  bool
	Done         bool
	GoalComplete bool
}

// executeStep drives one sub-phase cycle of a single step: decomposition
// check, iteration prompt assembly, one agent turn (wrapped in
// ErrorRecovery), sentinel scanning, and step verification on a claimed
// completion — spec.md §4.2's inner-loop sub-phases a-i, using a dedicated
// driver per concurrent worker so sessions never cross (spec.md §5).
func (o *Orchestrator) executeStep(ctx context.Context, run *runState, driver *agentdriver.Driver, step *plan.Step) stepOutcome {
	ctx, span := startStepSpan(ctx, step.Number)
	defer span.End()

	if step.CorrelationID == "" {
		step.CorrelationID = state.NewCorrelationID()
	}

	// a. decomposition check for complex or slow, not-yet-decomposed steps.
	slow := step.StartTime != nil && time.Since(*step.StartTime) > config.Duration(o.cfg.Executor.SlowStepThreshold, 10*time.Minute)
	if (step.Complexity == plan.ComplexityComplex || slow) && step.IsLeaf() && len(step.DecomposedInto) == 0 {
		o.bus.EmitCorrelated(events.TypeStepDecomposing, step.CorrelationID, map[string]string{"step": step.Number})
		children, err := o.planner.DecomposeStep(ctx, step, run.goal.Workdir)
		if err == nil && len(children) > 0 {
			run.plan.Steps = append(run.plan.Steps, children...)
			o.bus.EmitCorrelated(events.TypeStepDecomposed, step.CorrelationID, map[string]interface{}{"step": step.Number, "children": len(children)})
			return stepOutcome{}
		}
	}

	now := time.Now()
	step.Status = plan.StatusInProgress
	if step.StartTime == nil {
		step.StartTime = &now
	}

	prompt := o.buildIterationPrompt(run, step)

	attempt := 0
	result, outcome, turnErr := o.driveTurn(ctx, run, driver, step, prompt, &attempt)
	if turnErr != nil {
		step.Status = plan.StatusFailed
		step.FailReason = turnErr.Error()
		o.bus.EmitCorrelated(events.TypeStepFailed, step.CorrelationID, map[string]string{"step": step.Number, "reason": turnErr.Error()})
		return stepOutcome{Blocked: true}
	}
	if outcome.Blocked || outcome.NeedsReplan || outcome.Done {
		return outcome
	}

	o.tokens.Record(result.TokensIn, result.TokensOut)
	if o.dupDetector.Observe(result.Response) {
		o.bus.EmitCorrelated(events.TypeDuplicateResponse, step.CorrelationID, map[string]string{"step": step.Number})
		o.supervisor.ForceWarnThreshold()
	}

	sig := scanResponse(result.Response)
	run.recentActions = append(run.recentActions, firstLine(result.Response))
	if len(run.recentActions) > 10 {
		run.recentActions = run.recentActions[len(run.recentActions)-10:]
	}

	assessment, err := o.supervisor.Check(ctx, result.Response, run.recentActions, step.Description, run.goal.Primary, step.CorrelationID)
	if err == nil {
		o.bus.EmitCorrelated(events.TypeIterationComplete, step.CorrelationID, map[string]interface{}{"step": step.Number, "score": assessment.Score, "action": string(assessment.Action)})
		if assessment.Action == plan.ActionAbort || assessment.Action == plan.ActionCritical {
			o.bus.EmitCorrelated(events.TypeEscalation, step.CorrelationID, map[string]string{"step": step.Number, "action": string(assessment.Action), "reason": assessment.Reason})
		}
	}

	// spec.md §4.2.h: any goal-completion signal, not just a per-step STEP
	// COMPLETE claim, routes the response to the Verifier.
	if sig.GoalComplete {
		if out := o.handleGoalCompleteSignal(ctx, run, result.Response); out.GoalComplete {
			return out
		}
	}

	switch {
	case sig.StepBlocked:
		return o.handleBlocked(ctx, run, step, sig.BlockedReason)
	case sig.StepComplete:
		return o.handleClaimedComplete(ctx, run, driver, step, result.Response)
	default:
		return stepOutcome{}
	}
}

// handleGoalCompleteSignal verifies a goal-completion phrase the worker
// emitted mid-step against the three-layer Verifier and the Supervisor's
// goal check, independent of whether this step itself claimed STEP
// COMPLETE. Only a confirmed signal stops the outer loop early.
func (o *Orchestrator) handleGoalCompleteSignal(ctx context.Context, run *runState, response string) stepOutcome {
	o.bus.Emit(events.TypeVerificationStarted, map[string]string{"phase": "goal_signal"})

	result := o.verifier.VerifyCompletion(ctx, run.goal.Workdir, run.goal.Primary, response)
	if !result.Passed {
		return stepOutcome{}
	}

	gv, err := o.supervisor.VerifyGoalAchieved(ctx, run.goal, run.plan.Steps)
	if err != nil || !plan.IsTruthy(gv.Achieved) {
		return stepOutcome{}
	}
	o.bus.Emit(events.TypeGoalVerificationComplete, map[string]interface{}{
		"phase": "goal_signal", "achieved": string(gv.Achieved), "confidence": string(gv.Confidence),
	})
	return stepOutcome{GoalComplete: true}
}

func (o *Orchestrator) buildIterationPrompt(run *runState, step *plan.Step) string {
	completed := 0
	for _, s := range run.plan.Steps {
		if s.Status == plan.StatusCompleted {
			completed++
		}
	}
	history := make([]llmcontext.Message, 0, len(run.recentActions))
	for _, a := range run.recentActions {
		history = append(history, llmcontext.Message{Role: "assistant", Content: a})
	}
	return llmcontext.AssembleContext(llmcontext.Assembly{
		Goal:            run.goal.Primary,
		CurrentStep:     step.Number,
		CurrentStepDesc: step.Description,
		CompletedCount:  completed,
		RecentDecisions: run.recentDecisions,
		History:         history,
		MaxTokens:       8000,
	})
}

// driveTurn wraps a single agent invocation in ErrorRecovery, translating
// its Outcome into context-trim and abort behavior per spec.md §4.7.
func (o *Orchestrator) driveTurn(ctx context.Context, run *runState, driver *agentdriver.Driver, step *plan.Step, prompt string, attempt *int) (agentdriver.Result, stepOutcome, error) {
	var result agentdriver.Result
	opID := "worker:" + step.Number

	out := o.recovery.ExecuteWithRetry(ctx, recovery.Options{
		OperationID: opID,
		OnError: func(cat recovery.Category, n int, err error) {
			*attempt = n
		},
		OnContextAction: func(ctx context.Context) error {
			driver.Reset()
			return nil
		},
	}, func(ctx context.Context) error {
		turnCtx, span := startTurnSpan(ctx, step.Number, *attempt+1)
		defer span.End()

		var err error
		if driver.HasActiveSession() {
			result, err = driver.Continue(turnCtx, prompt)
		} else {
			result, err = driver.StartSession(turnCtx, workerSystemPrompt(run.goal), prompt)
		}
		if err != nil {
			endSpan(span, err)
		}
		return err
	})

	if out.Err == nil {
		return result, stepOutcome{}, nil
	}

	switch out.Strategy {
	case recovery.StrategySkipStep:
		step.Status = plan.StatusSkipped
		o.bus.EmitCorrelated(events.TypeStepSkipped, step.CorrelationID, map[string]string{"step": step.Number, "reason": out.Err.Error()})
		return result, stepOutcome{Done: true}, nil
	case recovery.StrategyEscalate, recovery.StrategyAbort:
		// Bulletproofing (spec.md §4.2): ABORT never exits the outer loop.
		// It only marks this step blocked so the outer loop can try a
		// sub-plan or move to the next ready step.
		return result, o.handleBlocked(ctx, run, step, out.Err.Error()), nil
	default:
		return result, stepOutcome{}, fmt.Errorf("step %s: %w", step.Number, out.Err)
	}
}

func (o *Orchestrator) handleBlocked(ctx context.Context, run *runState, step *plan.Step, reason string) stepOutcome {
	if step.CorrelationID == "" {
		step.CorrelationID = state.NewCorrelationID()
	}
	step.Status = plan.StatusBlocked
	step.FailReason = reason
	o.bus.EmitCorrelated(events.TypeStepBlocked, step.CorrelationID, map[string]string{"step": step.Number, "reason": reason})

	if step.SubPlanAttempted {
		return stepOutcome{Blocked: true}
	}
	step.SubPlanAttempted = true

	o.bus.EmitCorrelated(events.TypeStepBlockedReplanning, step.CorrelationID, map[string]string{"step": step.Number})
	o.bus.EmitCorrelated(events.TypeSubplanCreating, step.CorrelationID, map[string]string{"step": step.Number})
	sub, err := o.planner.CreateSubPlan(ctx, step, reason, run.goal.Workdir)
	if err != nil || sub == nil {
		o.bus.EmitCorrelated(events.TypeSubplanFailed, step.CorrelationID, map[string]string{"step": step.Number})
		return stepOutcome{Blocked: true}
	}
	run.plan.Steps = append(run.plan.Steps, sub.Steps...)
	step.DecomposedInto = append(step.DecomposedInto, subPlanStepNumbers(sub)...)
	step.Status = plan.StatusDecomposed
	o.bus.EmitCorrelated(events.TypeSubplanCreated, step.CorrelationID, map[string]interface{}{"step": step.Number, "children": len(sub.Steps)})
	return stepOutcome{NeedsReplan: true}
}

func subPlanStepNumbers(sub *plan.SubPlan) []string {
	nums := make([]string, 0, len(sub.Steps))
	for _, s := range sub.Steps {
		nums = append(nums, s.Number)
	}
	return nums
}

func (o *Orchestrator) handleClaimedComplete(ctx context.Context, run *runState, driver *agentdriver.Driver, step *plan.Step, response string) stepOutcome {
	o.bus.EmitCorrelated(events.TypeStepVerificationPending, step.CorrelationID, map[string]string{"step": step.Number})
	o.bus.EmitCorrelated(events.TypeStepVerificationStarted, step.CorrelationID, map[string]string{"step": step.Number})

	result := o.verifier.VerifyCompletion(ctx, run.goal.Workdir, step.Description, response)
	if !result.Passed {
		run.consecutiveFalseClaims++
		o.bus.EmitCorrelated(events.TypeStepRejected, step.CorrelationID, map[string]string{"step": step.Number, "reason": result.RejectReason})
		run.recentDecisions = append(run.recentDecisions, verifier.RejectionPrompt(result))
		maxFalse := o.cfg.Executor.MaxFalseClaims
		if maxFalse <= 0 {
			maxFalse = 3
		}
		if run.consecutiveFalseClaims >= maxFalse {
			o.bus.EmitCorrelated(events.TypeEscalation, step.CorrelationID, map[string]string{"step": step.Number, "reason": "repeated unverifiable completion claims"})
			return o.handleBlocked(ctx, run, step, "repeated unverifiable completion claims: "+result.RejectReason)
		}
		return stepOutcome{}
	}

	verification, err := o.supervisor.VerifyStepCompletion(ctx, step, response)
	if err == nil && !verification.Verified {
		run.consecutiveFalseClaims++
		o.bus.EmitCorrelated(events.TypeStepRejected, step.CorrelationID, map[string]string{"step": step.Number, "reason": verification.Reason})
		return stepOutcome{}
	}

	run.consecutiveFalseClaims = 0
	now := time.Now()
	step.EndTime = &now
	step.Status = plan.StatusCompleted
	driver.Reset()
	o.bus.EmitCorrelated(events.TypeStepComplete, step.CorrelationID, map[string]string{"step": step.Number})
	return stepOutcome{}
}

func workerSystemPrompt(goal plan.Goal) string {
	return fmt.Sprintf(`You are the worker agent executing one step at a time toward this goal:
%s

Working directory: %s

When you finish the current step, end your response with the line "STEP COMPLETE".
If you cannot proceed, end your response with "STEP BLOCKED: <reason>".
Do not claim completion without concrete evidence: name the files you changed and a command that verifies your work.`, goal.Primary, goal.Workdir)
}

