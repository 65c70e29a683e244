package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/plan"
	"github.com/orchestrator/coderunner/internal/state"
)

// TestMain checks for goroutine leaks from the outer/inner loop and the
// AutoSave timer, the one place in this module with genuine background
// goroutines (spec.md §5).
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("time.Sleep"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fixtureScript is a stand-in for the external coding-agent CLI. It
// inspects the prompt it receives on stdin and returns the canned response
// the matching role/phase expects, trailer included, the same way a real
// test double for the teacher's agentkit llm.Provider would — except this
// engine's AgentDriver only ever talks to a subprocess, so the double has
// to be an actual executable. Worker completion evidence uses a plain verb
// + path phrase ("modified the file app.go") rather than backticks, so the
// script body needs no embedded backtick characters.
const fixtureScript = `#!/bin/sh
input="$(cat)"
case "$input" in
  *"Produce between 3 and 10 actionable steps"*)
    printf 'ANALYSIS:\nStraightforward task.\n\nPLAN:\n1. Write the feature | simple\n\nTOTAL_STEPS: 1\n###SESSION id=plan1 in=10 out=10\n'
    ;;
  *"Identify: missing steps"*)
    printf '###SESSION id=rev1 in=4 out=1\n'
    ;;
  *"Score this turn 0-100"*)
    printf 'SCORE: 90\nREASON: on track\n###SESSION id=chk1 in=4 out=1\n'
    ;;
  *"Does the response credibly demonstrate"*)
    printf 'VERIFIED: yes\nREASON: evidence present\n###SESSION id=ver1 in=4 out=1\n'
    ;;
  *"ACHIEVED: YES/NO/PARTIAL"*)
    printf 'ACHIEVED: YES\nCONFIDENCE: HIGH\nGAPS: none\nRECOMMENDATION: ship it\nREASON: all steps complete\n###SESSION id=goal1 in=4 out=1\n'
    ;;
  *"STEP BLOCKED: <reason>"*)
    printf 'Modified the file app.go to add the feature.\nFENCE_STARTgo\nfunc Feature() {}\nFENCE_END\nSTEP COMPLETE\n###SESSION id=work1 in=8 out=8\n'
    ;;
  *)
    printf 'STEP COMPLETE\n###SESSION id=fallback in=1 out=1\n'
    ;;
esac
`

func newTestOrchestrator(t *testing.T) (*Orchestrator, *events.Bus, string) {
	t.Helper()
	return newTestOrchestratorWithScript(t, fixtureScript)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	body = strings.ReplaceAll(body, "FENCE_START", "```")
	body = strings.ReplaceAll(body, "FENCE_END", "```")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestOrchestratorWithScript(t *testing.T, script string) (*Orchestrator, *events.Bus, string) {
	t.Helper()
	path := writeScript(t, script)
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "app.go"), []byte("package main\n"), 0o644))

	cfg := config.New()
	cfg.Executor.ParallelEnabled = false
	cfg.Executor.MaxOuterCycles = 3
	cfg.Executor.MinDelay = "1ms"
	cfg.Executor.MaxDelay = "2ms"
	cfg.State.Dir = t.TempDir()

	bus := events.New(256)
	store, err := state.Open(cfg.State)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	driverCfg := agentdriver.Config{
		Command: path,
		Workdir: workdir,
		Timeout: 5 * time.Second,
	}

	return New(cfg, bus, store, driverCfg), bus, workdir
}

func TestRun_HappyPathCompletesGoal(t *testing.T) {
	o, _, workdir := newTestOrchestrator(t)
	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := o.Run(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, outcome.Status)
	require.NotNil(t, outcome.Plan)
	require.Len(t, outcome.Plan.Steps, 1)
	assert.Equal(t, plan.StatusCompleted, outcome.Plan.Steps[0].Status)
}

// TestRun_BulletproofAgainstAbort exercises spec.md §4.2's guarantee that a
// classified ABORT from ErrorRecovery never exits the outer loop on its
// own: an agent command that always fails drives every step to ABORT, yet
// Run still returns only once ctx is done, not early.
func TestRun_BulletproofAgainstAbort(t *testing.T) {
	workdir := t.TempDir()
	cfg := config.New()
	cfg.Executor.ParallelEnabled = false
	cfg.Executor.MaxOuterCycles = 1000
	cfg.Executor.MinDelay = "1ms"
	cfg.Executor.MaxDelay = "2ms"
	cfg.Recovery.MaxRetries = 1
	cfg.Recovery.BaseBackoff = "1ms"
	cfg.Recovery.MaxBackoff = "2ms"
	cfg.Recovery.CircuitThreshold = 2
	cfg.Recovery.CircuitCooldown = "1ms"
	cfg.State.Dir = t.TempDir()

	bus := events.New(256)
	store, err := state.Open(cfg.State)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	driverCfg := agentdriver.Config{
		Command: "/nonexistent/agent-binary-that-does-not-exist",
		Workdir: workdir,
		Timeout: 500 * time.Millisecond,
	}
	o := New(cfg, bus, store, driverCfg)

	goal := plan.Goal{Primary: "do something impossible", Workdir: workdir}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := o.Run(ctx, goal)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Contains(t, []state.RunStatus{state.RunStatusAborted, state.RunStatusFailed}, outcome.Status)
	// Run must not return materially before ctx's deadline just because
	// every agent turn failed.
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestRun_ResumesPersistedSession(t *testing.T) {
	o, _, workdir := newTestOrchestrator(t)
	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}

	now := time.Now()
	sess, err := o.store.CreateSession(goal, now)
	require.NoError(t, err)

	p := &plan.Plan{Steps: []*plan.Step{{Number: "1", Description: "write the feature", Complexity: plan.ComplexitySimple, Status: plan.StatusPending}}}
	require.NoError(t, o.store.Checkpoints.Save(state.Checkpoint{SessionID: sess.ID, Plan: p, CurrentStep: "1", CreatedAt: now}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := o.Run(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, outcome.SessionID)
	assert.Equal(t, state.RunStatusCompleted, outcome.Status)
}

// s2RejectThenAcceptScript claims a file that was never created on the
// first worker turn, tripping verifier Layer 2 (artifact check). The
// retry only ever reaches the agent driver via Continue, which sends no
// system-prompt text, so it falls to the catch-all below and claims the
// real app.go fixture instead — exercising S2's reject-then-retry path
// without any script-side state.
const s2RejectThenAcceptScript = `#!/bin/sh
input="$(cat)"
case "$input" in
  *"Produce between 3 and 10 actionable steps"*)
    printf 'ANALYSIS:\nStraightforward task.\n\nPLAN:\n1. Write the feature | simple\n\nTOTAL_STEPS: 1\n###SESSION id=plan1 in=10 out=10\n'
    ;;
  *"Identify: missing steps"*)
    printf '###SESSION id=rev1 in=4 out=1\n'
    ;;
  *"Score this turn 0-100"*)
    printf 'SCORE: 90\nREASON: on track\n###SESSION id=chk1 in=4 out=1\n'
    ;;
  *"Does the response credibly demonstrate"*)
    printf 'VERIFIED: yes\nREASON: evidence present\n###SESSION id=ver1 in=4 out=1\n'
    ;;
  *"ACHIEVED: YES/NO/PARTIAL"*)
    printf 'ACHIEVED: YES\nCONFIDENCE: HIGH\nGAPS: none\nRECOMMENDATION: ship it\nREASON: all steps complete\n###SESSION id=goal1 in=4 out=1\n'
    ;;
  *"STEP BLOCKED: <reason>"*)
    printf 'Modified the file ghost.go to add the feature.\nFENCE_STARTgo\nfunc Feature() {}\nFENCE_END\nSTEP COMPLETE\n###SESSION id=work1 in=8 out=8\n'
    ;;
  *)
    printf 'Modified the file app.go to add the feature.\nFENCE_STARTgo\nfunc Feature() {}\nFENCE_END\nSTEP COMPLETE\n###SESSION id=fallback in=8 out=8\n'
    ;;
esac
`

// TestRun_RejectedClaimThenVerifiedCompletion is seed scenario S2: a false
// completion claim (evidence that fails verifier Layer 2) is rejected and
// fed back as a coaching prompt, then a subsequent turn with real evidence
// passes all three layers and completes the step.
func TestRun_RejectedClaimThenVerifiedCompletion(t *testing.T) {
	o, bus, workdir := newTestOrchestratorWithScript(t, s2RejectThenAcceptScript)
	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}

	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := o.Run(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, outcome.Status)
	require.Len(t, outcome.Plan.Steps, 1)
	assert.Equal(t, plan.StatusCompleted, outcome.Plan.Steps[0].Status)

	var sawRejection bool
	draining := true
	for draining {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeStepRejected {
				sawRejection = true
			}
		default:
			draining = false
		}
	}
	assert.True(t, sawRejection, "expected a step_rejected event from the first, unverifiable claim")
}

// s3BlockedSalvageScript blocks the only top-level step on its first turn,
// forcing the planner to salvage it with a sub-plan; the sub-step's turn
// only ever reaches the driver via Continue (no "STEP BLOCKED" system text
// resent) so it falls to the catch-all and completes cleanly.
const s3BlockedSalvageScript = `#!/bin/sh
input="$(cat)"
case "$input" in
  *"Produce between 3 and 10 actionable steps"*)
    printf 'ANALYSIS:\nStraightforward task.\n\nPLAN:\n1. Write the feature | simple\n\nTOTAL_STEPS: 1\n###SESSION id=plan1 in=10 out=10\n'
    ;;
  *"Identify: missing steps"*)
    printf '###SESSION id=rev1 in=4 out=1\n'
    ;;
  *"Score this turn 0-100"*)
    printf 'SCORE: 90\nREASON: on track\n###SESSION id=chk1 in=4 out=1\n'
    ;;
  *"Does the response credibly demonstrate"*)
    printf 'VERIFIED: yes\nREASON: evidence present\n###SESSION id=ver1 in=4 out=1\n'
    ;;
  *"ACHIEVED: YES/NO/PARTIAL"*)
    printf 'ACHIEVED: YES\nCONFIDENCE: HIGH\nGAPS: none\nRECOMMENDATION: ship it\nREASON: all steps complete\n###SESSION id=goal1 in=4 out=1\n'
    ;;
  *"salvaging a blocked step"*)
    printf 'PLAN:\n1. Retry from a different angle | simple\n\nTOTAL_STEPS: 1\n###SESSION id=sub1 in=4 out=1\n'
    ;;
  *"STEP BLOCKED: <reason>"*)
    printf 'Cannot locate the dependency.\nSTEP BLOCKED: missing dependency\n###SESSION id=work1 in=4 out=4\n'
    ;;
  *)
    printf 'Modified the file app.go to add the feature.\nFENCE_STARTgo\nfunc Feature() {}\nFENCE_END\nSTEP COMPLETE\n###SESSION id=fallback in=8 out=8\n'
    ;;
esac
`

// TestRun_BlockedStepSalvagedBySubPlan is seed scenario S3: a step the
// worker reports blocked is salvaged by a one-off sub-plan, whose child
// completes and causes the parent to be marked completed via its
// sub-tasks (spec.md §4.1's ReconcileDecomposed).
func TestRun_BlockedStepSalvagedBySubPlan(t *testing.T) {
	o, _, workdir := newTestOrchestratorWithScript(t, s3BlockedSalvageScript)
	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := o.Run(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, outcome.Status)

	parent := outcome.Plan.ByNumber("1")
	require.NotNil(t, parent)
	assert.Equal(t, plan.StatusCompleted, parent.Status)
	assert.True(t, parent.CompletedViaSubtasks)
	require.Len(t, parent.DecomposedInto, 1)

	child := outcome.Plan.ByNumber(parent.DecomposedInto[0])
	require.NotNil(t, child)
	assert.Equal(t, plan.StatusCompleted, child.Status)
}

// dupResponseScript always answers a worker turn with the exact same
// non-terminal response, so the second turn is a byte-for-byte duplicate
// of the first, and always scores the turn low enough that the forced
// supervisor counter (not the score) decides escalation.
const dupResponseScript = `#!/bin/sh
input="$(cat)"
case "$input" in
  *"Score this turn 0-100"*)
    printf 'SCORE: 20\nREASON: drifting from the task\n###SESSION id=chk1 in=4 out=1\n'
    ;;
  *)
    printf 'Still investigating the right approach.\n###SESSION id=work1 in=2 out=2\n'
    ;;
esac
`

// TestExecuteStep_DuplicateResponseForcesSupervisorCounter is seed
// scenario S4: an identical worker response observed twice forces the
// Supervisor's consecutive-issue counter past its CORRECT threshold
// (internal/llmcontext.DuplicateDetector plus Supervisor.ForceWarnThreshold).
func TestExecuteStep_DuplicateResponseForcesSupervisorCounter(t *testing.T) {
	o, bus, workdir := newTestOrchestratorWithScript(t, dupResponseScript)
	ch, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}
	step := &plan.Step{Number: "1", Description: "write the feature", Complexity: plan.ComplexitySimple, Status: plan.StatusPending}
	run := &runState{goal: goal, plan: &plan.Plan{Steps: []*plan.Step{step}}, worker: o.driverFactory.Worker()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o.executeStep(ctx, run, run.worker, step)
	assert.Equal(t, 1, o.supervisor.ConsecutiveIssues())

	o.executeStep(ctx, run, run.worker, step)
	assert.GreaterOrEqual(t, o.supervisor.ConsecutiveIssues(), 2)

	var sawDuplicate bool
	draining := true
	for draining {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeDuplicateResponse {
				sawDuplicate = true
			}
		default:
			draining = false
		}
	}
	assert.True(t, sawDuplicate, "expected a duplicate_response_detected event on the second identical turn")
}

// s5NeverCompleteScript never lets a step finish: the worker keeps
// reporting progress with no STEP COMPLETE/STEP BLOCKED sentinel, so the
// run can only end when its deadline is exhausted.
const s5NeverCompleteScript = `#!/bin/sh
input="$(cat)"
case "$input" in
  *"Produce between 3 and 10 actionable steps"*)
    printf 'ANALYSIS:\nStraightforward task.\n\nPLAN:\n1. Write the feature | simple\n\nTOTAL_STEPS: 1\n###SESSION id=plan1 in=10 out=10\n'
    ;;
  *"Identify: missing steps"*)
    printf '###SESSION id=rev1 in=4 out=1\n'
    ;;
  *"Score this turn 0-100"*)
    printf 'SCORE: 80\nREASON: on track\n###SESSION id=chk1 in=4 out=1\n'
    ;;
  *)
    printf 'Still working on it, no sentinel yet.\n###SESSION id=work1 in=2 out=2\n'
    ;;
esac
`

// TestRun_DeadlineExhaustionPersistsCheckpoint is seed scenario S5: the
// goal's wall-clock budget runs out before any step completes, and the run
// still returns cleanly with a checkpoint persisted for a future resume
// rather than hanging or erroring.
func TestRun_DeadlineExhaustionPersistsCheckpoint(t *testing.T) {
	o, _, workdir := newTestOrchestratorWithScript(t, s5NeverCompleteScript)
	o.cfg.Executor.MaxOuterCycles = 1000
	goal := plan.Goal{Primary: "add a small feature", Workdir: workdir}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := o.Run(ctx, goal)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Contains(t, []state.RunStatus{state.RunStatusAborted, state.RunStatusFailed}, outcome.Status)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)

	_, found, err := o.store.Checkpoints.Latest(outcome.SessionID)
	require.NoError(t, err)
	assert.True(t, found, "expected a checkpoint to have been persisted before the deadline")
}

func TestAllStepsTerminal(t *testing.T) {
	p := &plan.Plan{Steps: []*plan.Step{
		{Number: "1", Status: plan.StatusCompleted},
		{Number: "2", Status: plan.StatusFailed},
	}}
	assert.True(t, allStepsTerminal(p))

	p.Steps = append(p.Steps, &plan.Step{Number: "3", Status: plan.StatusInProgress})
	assert.False(t, allStepsTerminal(p))
}

func TestAdaptiveDelay_BoundedByMinAndMax(t *testing.T) {
	min := 2 * time.Second
	max := 10 * time.Second
	assert.Equal(t, min, adaptiveDelay(0, min, max))
	assert.LessOrEqual(t, adaptiveDelay(100, min, max), max)
	assert.GreaterOrEqual(t, adaptiveDelay(100, min, max), min)
}
