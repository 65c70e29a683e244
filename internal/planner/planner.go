package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/orchlog"
	"github.com/orchestrator/coderunner/internal/plan"
)

// Planner turns a goal + context + working directory into a Plan, creates
// salvage SubPlans for blocked steps, and decomposes complex steps into
// leaf sub-steps (spec.md §4.1).
type Planner struct {
	driver *agentdriver.Driver
	logger *orchlog.Logger
}

// New creates a Planner driving the given agent conversation.
func New(driver *agentdriver.Driver) *Planner {
	return &Planner{driver: driver, logger: orchlog.New().WithComponent("planner")}
}

const planSystemPrompt = `You are the planning agent for an autonomous coding run.
Given a goal, emit a strict plan using exactly this template:

ANALYSIS:
<one paragraph of rationale>

PLAN:
1. <step description> | <simple|medium|complex>
2. <step description> | <simple|medium|complex>
...

TOTAL_STEPS: <N>

Produce between 3 and 10 actionable steps. Do not include any other text.`

// CreatePlan asks the planner agent for a plan and parses + enriches it.
// Fails only if the agent cannot be reached; a malformed response still
// yields a best-effort plan (spec.md §4.1).
func (pl *Planner) CreatePlan(ctx context.Context, goal plan.Goal) (*plan.Plan, error) {
	prompt := fmt.Sprintf("GOAL: %s\nSUB-GOALS: %s\nWORKING DIRECTORY: %s\nCONTEXT: %s\n",
		goal.Primary, strings.Join(goal.SubGoals, "; "), goal.Workdir, goal.Context)

	var result agentdriver.Result
	var err error
	if pl.driver.HasActiveSession() {
		result, err = pl.driver.Continue(ctx, prompt)
	} else {
		result, err = pl.driver.StartSession(ctx, planSystemPrompt, prompt)
	}
	if err != nil {
		return nil, fmt.Errorf("planner: agent unreachable: %w", err)
	}

	parsed := ParseStrictTemplate(result.Response)
	if len(parsed.Steps) == 0 {
		pl.logger.Warn("planner response did not match strict template, falling back", nil)
		parsed = BestEffortExtract(result.Response)
	}

	p := &plan.Plan{Analysis: parsed.Analysis, Steps: parsed.Steps, TotalSteps: parsed.TotalSteps}
	if p.TotalSteps == 0 {
		p.TotalSteps = len(p.Steps)
	}
	AnalyzeDependencies(p)
	return p, nil
}

const subPlanSystemPrompt = `You are salvaging a blocked step in an autonomous coding run.
The step below could not be completed. Propose a small ordered sequence (2-4)
of concrete sub-steps that retry the same objective from a different angle.
Use exactly this template:

PLAN:
1. <sub-step description> | <simple|medium|complex>
2. <sub-step description> | <simple|medium|complex>

TOTAL_STEPS: <N>`

// CreateSubPlan requests a salvage plan for a blocked step. Returns nil if
// the agent declines or returns no usable steps — at most one attempt is
// made per enclosing step (enforced by the caller via Step.SubPlanAttempted).
func (pl *Planner) CreateSubPlan(ctx context.Context, blocked *plan.Step, reason, workdir string) (*plan.SubPlan, error) {
	prompt := fmt.Sprintf("BLOCKED STEP %s: %s\nREASON: %s\nWORKING DIRECTORY: %s\n", blocked.Number, blocked.Description, reason, workdir)

	result, err := pl.driver.StartSession(ctx, subPlanSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner: subplan agent unreachable: %w", err)
	}
	pl.driver.Reset()

	parsed := ParseStrictTemplate(result.Response)
	if len(parsed.Steps) == 0 {
		return nil, nil
	}
	for i, s := range parsed.Steps {
		s.Number = fmt.Sprintf("%s.sub%d", blocked.Number, i+1)
		s.ParentNumber = blocked.Number
	}
	return &plan.SubPlan{TargetStep: blocked.Number, Reason: reason, Steps: parsed.Steps}, nil
}

const decomposeSystemPrompt = `You are decomposing a complex step in an autonomous coding run
into smaller leaf sub-steps. Use exactly this template:

PLAN:
1. <sub-step description> | <simple|medium|complex>
2. <sub-step description> | <simple|medium|complex>

TOTAL_STEPS: <N>

Produce between 2 and 5 sub-steps.`

const gapPlanSystemPrompt = `You are closing the gap between a goal and its current progress in an
autonomous coding run. The goal is not yet fully achieved. Propose a small
ordered sequence (1-5) of concrete steps that address the reported gaps and
any failed steps. Use exactly this template:

PLAN:
1. <step description> | <simple|medium|complex>
2. <step description> | <simple|medium|complex>

TOTAL_STEPS: <N>`

// CreateGapPlan asks the planner agent for steps that close the gaps a
// mid-run goal verification reported, folding in any failed steps so the
// next cycle targets them too (spec.md §4.2 phase 4, cycle verification).
func (pl *Planner) CreateGapPlan(ctx context.Context, goal plan.Goal, gaps []string, failed []*plan.Step, cycle int) (*plan.Plan, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\nWORKING DIRECTORY: %s\n", goal.Primary, goal.Workdir))
	if len(gaps) > 0 {
		sb.WriteString("REPORTED GAPS:\n")
		for _, g := range gaps {
			sb.WriteString("- " + g + "\n")
		}
	}
	if len(failed) > 0 {
		sb.WriteString("FAILED STEPS:\n")
		for _, s := range failed {
			sb.WriteString(fmt.Sprintf("- %s: %s (%s)\n", s.Number, s.Description, s.FailReason))
		}
	}

	result, err := pl.driver.StartSession(ctx, gapPlanSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("planner: gap plan agent unreachable: %w", err)
	}
	pl.driver.Reset()

	parsed := ParseStrictTemplate(result.Response)
	if len(parsed.Steps) == 0 {
		return nil, nil
	}
	for i, s := range parsed.Steps {
		s.Number = fmt.Sprintf("gap%d.%d", cycle, i+1)
	}
	p := &plan.Plan{Analysis: parsed.Analysis, Steps: parsed.Steps, TotalSteps: len(parsed.Steps)}
	AnalyzeDependencies(p)
	return p, nil
}

// DecomposeStep asks the planner agent to split step into 2-5 leaf
// sub-steps. On success it records the children's numbers in
// step.DecomposedInto and marks step StatusDecomposed; the caller adds the
// returned children to the plan (spec.md §4.1).
func (pl *Planner) DecomposeStep(ctx context.Context, step *plan.Step, workdir string) ([]*plan.Step, error) {
	prompt := fmt.Sprintf("COMPLEX STEP %s: %s\nWORKING DIRECTORY: %s\n", step.Number, step.Description, workdir)

	result, err := pl.driver.StartSession(ctx, decomposeSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner: decompose agent unreachable: %w", err)
	}
	pl.driver.Reset()

	parsed := ParseStrictTemplate(result.Response)
	if len(parsed.Steps) == 0 {
		return nil, nil
	}
	if len(parsed.Steps) > 5 {
		parsed.Steps = parsed.Steps[:5]
	}
	children := make([]string, 0, len(parsed.Steps))
	for i, s := range parsed.Steps {
		s.Number = fmt.Sprintf("%s.%d", step.Number, i+1)
		s.ParentNumber = step.Number
		children = append(children, s.Number)
	}
	step.DecomposedInto = children
	step.Status = plan.StatusDecomposed
	return parsed.Steps, nil
}
