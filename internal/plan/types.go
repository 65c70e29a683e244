// Package plan holds the shared data model for goals, plans, steps and
// verification results. Planner, orchestrator, supervision and verifier all
// depend on this package rather than on each other, the way the teacher's
// executor, supervision and checkpoint packages all depend on session and
// checkpoint instead of importing one another directly.
package plan

import "time"

// Complexity classifies how much work a step is expected to take.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Status is the lifecycle state of a Step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusSkipped    Status = "skipped"
	StatusDecomposed Status = "decomposed"
)

// Terminal reports whether s is a final status for a non-decomposed step.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// ResourceBucket classifies the kind of artifact or requirement a step
// touches, used by the dependency analyser and the parallel-safety check.
type ResourceBucket string

const (
	BucketFiles    ResourceBucket = "files"
	BucketTests    ResourceBucket = "tests"
	BucketDatabase ResourceBucket = "database"
	BucketAPI      ResourceBucket = "api"
	BucketUI       ResourceBucket = "ui"
	BucketDocs     ResourceBucket = "docs"
	BucketConfig   ResourceBucket = "config"
)

// exclusiveBuckets may not be touched by two steps in the same parallel batch.
var exclusiveBuckets = map[ResourceBucket]bool{
	BucketDatabase: true,
	BucketConfig:   true,
}

// Label is a content word (or quoted entity) that a step plausibly produces
// or consumes, tagged with the resource bucket it was classified into.
type Label struct {
	Word   string         `json:"word"`
	Bucket ResourceBucket `json:"bucket"`
}

// Step is one unit of work in a Plan. Identity fields never change after
// creation; the rest mutate as execution proceeds.
type Step struct {
	// Identity
	Number      string     `json:"number"` // "1", "1.1", "1.11" for decomposed children
	Description string     `json:"description"`
	Complexity  Complexity `json:"complexity"`

	// Mutable execution state
	Status     Status     `json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`

	// Dependency graph
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`

	// Dependency-analysis output
	Artifacts    []Label `json:"artifacts,omitempty"`
	Requirements []Label `json:"requirements,omitempty"`

	CanParallelize bool   `json:"can_parallelize"`
	ParallelGroup  string `json:"parallel_group,omitempty"`

	// Decomposition
	DecomposedInto []string `json:"decomposed_into,omitempty"`
	ParentNumber   string   `json:"parent_number,omitempty"`

	CompletedViaSubtasks bool `json:"completed_via_subtasks"`

	// SubPlan bookkeeping: at most one salvage attempt per step.
	SubPlanAttempted bool `json:"subplan_attempted"`

	// CorrelationID links every event this step emits across its full
	// decompose/execute/verify lifecycle, in the style of the teacher's
	// session.Event.CorrelationID. Assigned once, lazily, on first
	// execution.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// IsLeaf reports whether the step has no decomposed children.
func (s *Step) IsLeaf() bool { return len(s.DecomposedInto) == 0 }

// Plan is the ordered sequence of steps produced for a single Goal.
type Plan struct {
	Analysis   string  `json:"analysis"`
	Steps      []*Step `json:"steps"`
	TotalSteps int     `json:"total_steps"`

	nextNumber int // monotonic counter for decomposition-assigned numbers
}

// ByNumber returns the step with the given number, or nil.
func (p *Plan) ByNumber(number string) *Step {
	for _, s := range p.Steps {
		if s.Number == number {
			return s
		}
	}
	return nil
}

// Append adds a step to the plan and keeps TotalSteps in sync.
func (p *Plan) Append(s *Step) {
	p.Steps = append(p.Steps, s)
	p.TotalSteps = len(p.Steps)
}

// SubPlan is a small salvage plan targeting a single blocked top-level step.
type SubPlan struct {
	TargetStep string  `json:"target_step"`
	Reason     string  `json:"reason"`
	Steps      []*Step `json:"steps"`
}

// Action is a Supervisor escalation decision.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionRemind   Action = "REMIND"
	ActionCorrect  Action = "CORRECT"
	ActionRefocus  Action = "REFOCUS"
	ActionCritical Action = "CRITICAL"
	ActionAbort    Action = "ABORT"
)

// Assessment is the Supervisor's scored judgement of one agent turn.
type Assessment struct {
	Score         int    `json:"score"` // 0-100
	Action        Action `json:"action"`
	Reason        string `json:"reason,omitempty"`
	Prompt        string `json:"prompt,omitempty"` // coaching follow-up for the agent
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Tri is a tri-valued boolean for verification signals that are legitimately
// ternary (yes/no/partial), per spec.md §9's explicit instruction to use a
// sum type rather than a nullable boolean.
type Tri string

const (
	TriYes     Tri = "YES"
	TriNo      Tri = "NO"
	TriPartial Tri = "PARTIAL"
)

// ParseTri normalizes a free-form string (possibly nil-like, i.e. empty)
// into a Tri value. Unrecognized or empty input is inconclusive.
func ParseTri(s string) Tri {
	switch trimUpper(s) {
	case "YES", "TRUE", "ACHIEVED":
		return TriYes
	case "NO", "FALSE", "NOT ACHIEVED":
		return TriNo
	default:
		return TriPartial
	}
}

func trimUpper(s string) string {
	out := make([]byte, 0, len(s))
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	for i := start; i < end; i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// IsTruthy, IsFalsy and IsInconclusive collapse a Tri (or its absence) to a
// bool for call sites that must commit to one, per spec.md's testable
// property 9: isInconclusive(nil) = true, whitespace is ignored by ParseTri.
func IsTruthy(t Tri) bool       { return t == TriYes }
func IsFalsy(t Tri) bool        { return t == TriNo }
func IsInconclusive(t Tri) bool { return t != TriYes && t != TriNo }

// Confidence is the Supervisor's confidence in a goal-verification result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// GoalVerification is the result of VerifyGoalAchieved.
type GoalVerification struct {
	Achieved       Tri        `json:"achieved"`
	Confidence     Confidence `json:"confidence"`
	Gaps           []string   `json:"gaps,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// ArtifactStatus classifies a single claimed file.
type ArtifactStatus string

const (
	ArtifactVerified ArtifactStatus = "verified"
	ArtifactMissing  ArtifactStatus = "missing"
	ArtifactEmpty    ArtifactStatus = "empty"
)

// Challenge is the parsed evidence the agent supplied for a completion claim.
type Challenge struct {
	Files                []string `json:"files,omitempty"`
	TestCommands         []string `json:"test_commands,omitempty"`
	BuildCommands        []string `json:"build_commands,omitempty"`
	CodeSnippets         []string `json:"code_snippets,omitempty"`
	SubGoalConfirmations int      `json:"sub_goal_confirmations"`
	IsReadOnlyTask       bool     `json:"is_read_only_task"`
}

// ArtifactReport is one claimed file's verification outcome.
type ArtifactReport struct {
	Path   string         `json:"path"`
	Status ArtifactStatus `json:"status"`
}

// ValidationReport is one executed command's outcome.
type ValidationReport struct {
	Command string `json:"command"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	ExitCode int   `json:"exit_code"`
	Passed  bool   `json:"passed"`
}

// VerificationResult is the three-layer outcome of a completion claim check.
type VerificationResult struct {
	Challenge   Challenge          `json:"challenge"`
	Artifacts   []ArtifactReport   `json:"artifacts"`
	Validations []ValidationReport `json:"validations"`
	Passed      bool               `json:"passed"`
	Skipped     bool               `json:"skipped"` // layer 3 had nothing to run
	RejectReason string            `json:"reject_reason,omitempty"`
}

// Goal is the top-level user request driving one run.
type Goal struct {
	Primary   string    `json:"primary"`
	SubGoals  []string  `json:"sub_goals,omitempty"`
	Workdir   string    `json:"workdir"`
	Context   string    `json:"context,omitempty"`
	Deadline  time.Time `json:"deadline"`
}
