// Package supervision drives a second, independent "fast, read-only" agent
// conversation to score each worker turn and to verify plan/step/goal
// completion (spec.md §4.3). Adapted from the teacher's Supervisor, which
// drove the same kind of second opinion over PreCheckpoint/PostCheckpoint
// pairs: the prompt-building and line-oriented response parsing idiom is
// kept, generalized from the teacher's three-verdict CONTINUE/REORIENT/
// PAUSE scheme to spec.md's six-action scored escalation ladder.
package supervision

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orchestrator/coderunner/internal/agentdriver"
	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/llmcontext"
	"github.com/orchestrator/coderunner/internal/orchlog"
	"github.com/orchestrator/coderunner/internal/plan"
)

// Supervisor evaluates agent execution for drift and verifies claims.
type Supervisor struct {
	driver *agentdriver.Driver
	logger *orchlog.Logger
	cfg    config.SupervisorConfig
	cache  *llmcontext.AssessmentCache

	consecutiveIssues int
}

// New creates a Supervisor driving its own agent conversation.
func New(driver *agentdriver.Driver, cfg config.SupervisorConfig) *Supervisor {
	ttl := config.Duration(cfg.CacheTTL, 10*time.Minute)
	return &Supervisor{
		driver: driver,
		logger: orchlog.New().WithComponent("supervisor"),
		cfg:    cfg,
		cache:  llmcontext.NewAssessmentCache(cfg.CacheSize, ttl),
	}
}

// ConsecutiveIssues returns the current streak of non-CONTINUE checks.
func (s *Supervisor) ConsecutiveIssues() int { return s.consecutiveIssues }

// ForceWarnThreshold raises consecutiveIssues to the CORRECT threshold
// (spec.md §4.2.e: duplicate-response detection forces the counter up).
func (s *Supervisor) ForceWarnThreshold() {
	if s.consecutiveIssues < 2 {
		s.consecutiveIssues = 2
	}
}

// escalate maps a raw score to an Action using the consecutiveIssues
// counter, per spec.md §4.3's escalation ladder table.
func (s *Supervisor) escalate(score int) plan.Action {
	continueAt := orDefault(s.cfg.ContinueThreshold, 70)
	remindAt := orDefault(s.cfg.RemindThreshold, 50)
	correctAt := orDefault(s.cfg.CorrectThreshold, 30)
	criticalAt := orDefault(s.cfg.CriticalAt, 4)
	abortAt := orDefault(s.cfg.AbortAt, 5)

	if s.consecutiveIssues >= abortAt {
		return plan.ActionAbort
	}
	if s.consecutiveIssues >= criticalAt {
		return plan.ActionCritical
	}
	if score >= continueAt {
		return plan.ActionContinue
	}
	if score >= remindAt {
		return plan.ActionRemind
	}
	if score >= correctAt || s.consecutiveIssues >= 2 {
		return plan.ActionCorrect
	}
	return plan.ActionRefocus
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Check consults the assessment cache, then scores lastResponse via the
// supervisor agent if needed, updating consecutiveIssues per spec.md §4.3.
func (s *Supervisor) Check(ctx context.Context, lastResponse string, recentActions []string, currentStepCtx string, goal string, correlationID string) (plan.Assessment, error) {
	key := llmcontext.AssessmentKey{
		ResponsePrefixHash: llmcontext.HashResponsePrefix(lastResponse),
		Goal:               goal,
		ConsecutiveIssues:  s.consecutiveIssues,
	}
	if cached, ok := s.cache.Get(key); ok && cached.Action == plan.ActionContinue {
		return cached, nil
	}

	prompt := buildCheckPrompt(lastResponse, recentActions, currentStepCtx)
	result, err := s.call(ctx, checkSystemPrompt, prompt)
	if err != nil {
		return plan.Assessment{}, fmt.Errorf("supervisor: %w", err)
	}

	score, reason := parseScoreReason(result.Response)
	action := s.escalate(score)
	if action == plan.ActionContinue {
		s.consecutiveIssues = 0
	} else {
		s.consecutiveIssues++
	}

	assessment := plan.Assessment{Score: score, Action: action, Reason: reason, CorrelationID: correlationID}
	if action != plan.ActionContinue {
		assessment.Prompt = coachingPrompt(action, reason)
	}
	s.cache.Put(key, assessment)
	return assessment, nil
}

func coachingPrompt(action plan.Action, reason string) string {
	switch action {
	case plan.ActionRemind:
		return "Reminder: stay focused on the current step. " + reason
	case plan.ActionCorrect:
		return "Course correction needed: " + reason + ". Re-read the current step and address this directly."
	case plan.ActionRefocus:
		return "You have drifted from the goal: " + reason + ". Stop, re-read the goal and the current step, and redo the last action correctly."
	default:
		return reason
	}
}

// PlanReview is the outcome of ReviewPlan.
type PlanReview struct {
	Approved      bool
	Issues        []string
	MissingSteps  []string
	Suggestions   []string
}

// ReviewPlan asks the supervisor agent to critique a freshly created plan.
// Warnings are logged by the caller but never block execution (spec.md
// §4.2 phase 2).
func (s *Supervisor) ReviewPlan(ctx context.Context, p *plan.Plan, goal string) (PlanReview, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\n\nPLAN:\n", goal))
	for _, step := range p.Steps {
		sb.WriteString(fmt.Sprintf("%s. %s [%s]\n", step.Number, step.Description, step.Complexity))
	}
	sb.WriteString("\nIdentify: missing steps, risky assumptions, ordering problems. Respond with lines: ISSUE: ..., MISSING: ..., SUGGEST: ...")

	result, err := s.call(ctx, planReviewSystemPrompt, sb.String())
	if err != nil {
		return PlanReview{}, fmt.Errorf("supervisor: plan review: %w", err)
	}

	review := PlanReview{Approved: true}
	for _, line := range strings.Split(result.Response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "ISSUE:"):
			review.Issues = append(review.Issues, strings.TrimSpace(line[len("ISSUE:"):]))
			review.Approved = false
		case strings.HasPrefix(strings.ToUpper(line), "MISSING:"):
			review.MissingSteps = append(review.MissingSteps, strings.TrimSpace(line[len("MISSING:"):]))
		case strings.HasPrefix(strings.ToUpper(line), "SUGGEST:"):
			review.Suggestions = append(review.Suggestions, strings.TrimSpace(line[len("SUGGEST:"):]))
		}
	}
	return review, nil
}

// StepVerification is the outcome of VerifyStepCompletion.
type StepVerification struct {
	Verified bool
	Reason   string
}

// VerifyStepCompletion asks the supervisor agent whether a STEP COMPLETE
// claim is credible given the step's description and the agent's response.
func (s *Supervisor) VerifyStepCompletion(ctx context.Context, step *plan.Step, response string) (StepVerification, error) {
	prompt := fmt.Sprintf("STEP: %s\nAGENT RESPONSE:\n%s\n\nDoes the response credibly demonstrate this step is done? Respond with VERIFIED: yes/no and REASON: ...", step.Description, response)
	result, err := s.call(ctx, stepVerifySystemPrompt, prompt)
	if err != nil {
		return StepVerification{}, fmt.Errorf("supervisor: step verification: %w", err)
	}
	verified, reason := parseVerifiedReason(result.Response)
	return StepVerification{Verified: verified, Reason: reason}, nil
}

// VerifyGoalAchieved asks whether the overall goal has been met, returning
// a tri-valued achieved signal and confidence (spec.md §4.3).
func (s *Supervisor) VerifyGoalAchieved(ctx context.Context, goal plan.Goal, steps []*plan.Step) (plan.GoalVerification, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\nSUB-GOALS: %s\nWORKING DIRECTORY: %s\n\nSTEP STATUS:\n", goal.Primary, strings.Join(goal.SubGoals, "; "), goal.Workdir))
	for _, st := range steps {
		sb.WriteString(fmt.Sprintf("%s [%s]: %s\n", st.Number, st.Status, st.Description))
	}
	sb.WriteString("\nRespond with: ACHIEVED: YES/NO/PARTIAL, CONFIDENCE: HIGH/MEDIUM/LOW, GAPS: comma list, RECOMMENDATION: ..., REASON: ...")

	result, err := s.call(ctx, goalVerifySystemPrompt, sb.String())
	if err != nil {
		return plan.GoalVerification{}, fmt.Errorf("supervisor: goal verification: %w", err)
	}
	return parseGoalVerification(result.Response), nil
}

func (s *Supervisor) call(ctx context.Context, system, prompt string) (agentdriver.Result, error) {
	if s.driver.HasActiveSession() {
		return s.driver.Continue(ctx, prompt)
	}
	return s.driver.StartSession(ctx, system, prompt)
}

func buildCheckPrompt(lastResponse string, recentActions []string, currentStepCtx string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CURRENT STEP: %s\n\n", currentStepCtx))
	if len(recentActions) > 0 {
		sb.WriteString("RECENT ACTIONS:\n")
		for _, a := range recentActions {
			sb.WriteString("- " + a + "\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("LATEST AGENT RESPONSE:\n" + lastResponse + "\n\n")
	sb.WriteString("Score this turn 0-100 for focus and progress toward the current step. Respond with SCORE: <n> and REASON: <short reason>.")
	return sb.String()
}

var scoreRE = regexp.MustCompile(`(?i)SCORE:\s*(\d+)`)
var reasonRE = regexp.MustCompile(`(?i)REASON:\s*(.+)`)

func parseScoreReason(content string) (int, string) {
	score := 70
	if m := scoreRE.FindStringSubmatch(content); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			score = n
		}
	}
	reason := ""
	if m := reasonRE.FindStringSubmatch(content); m != nil {
		reason = strings.TrimSpace(m[1])
	}
	return score, reason
}

var verifiedRE = regexp.MustCompile(`(?i)VERIFIED:\s*(yes|no)`)

func parseVerifiedReason(content string) (bool, string) {
	verified := false
	if m := verifiedRE.FindStringSubmatch(content); m != nil {
		verified = strings.EqualFold(m[1], "yes")
	}
	_, reason := parseScoreReason(content) // REASON: shares the same shape
	return verified, reason
}

var achievedRE = regexp.MustCompile(`(?i)ACHIEVED:\s*(YES|NO|PARTIAL)`)
var confidenceRE = regexp.MustCompile(`(?i)CONFIDENCE:\s*(HIGH|MEDIUM|LOW)`)
var gapsRE = regexp.MustCompile(`(?i)GAPS:\s*(.+)`)
var recommendationRE = regexp.MustCompile(`(?i)RECOMMENDATION:\s*(.+)`)

func parseGoalVerification(content string) plan.GoalVerification {
	out := plan.GoalVerification{Achieved: plan.TriPartial, Confidence: plan.ConfidenceLow}
	if m := achievedRE.FindStringSubmatch(content); m != nil {
		out.Achieved = plan.ParseTri(m[1])
	}
	if m := confidenceRE.FindStringSubmatch(content); m != nil {
		switch strings.ToUpper(m[1]) {
		case "HIGH":
			out.Confidence = plan.ConfidenceHigh
		case "MEDIUM":
			out.Confidence = plan.ConfidenceMedium
		default:
			out.Confidence = plan.ConfidenceLow
		}
	}
	if m := gapsRE.FindStringSubmatch(content); m != nil {
		for _, g := range strings.Split(m[1], ",") {
			g = strings.TrimSpace(g)
			if g != "" {
				out.Gaps = append(out.Gaps, g)
			}
		}
	}
	if m := recommendationRE.FindStringSubmatch(content); m != nil {
		out.Recommendation = strings.TrimSpace(m[1])
	}
	_, reason := parseScoreReason(content)
	out.Reason = reason
	return out
}

const checkSystemPrompt = `You are a fast, read-only supervision agent. You never edit files or run
commands; you only read the worker agent's latest response and score how
well it stays focused on the current step and the original goal.`

const planReviewSystemPrompt = `You are a fast, read-only supervision agent reviewing a proposed plan for
completeness and ordering before execution begins.`

const stepVerifySystemPrompt = `You are a fast, read-only supervision agent checking whether a claimed
step completion is credible given the step description and the agent's own
response. Be skeptical of claims unsupported by concrete evidence.`

const goalVerifySystemPrompt = `You are a fast, read-only supervision agent judging whether an overall goal
has been achieved based on step statuses. Use PARTIAL and MEDIUM/LOW
confidence whenever evidence is incomplete rather than guessing YES/HIGH.`
