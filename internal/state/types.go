// Package state implements StatePersistence (spec.md §4.8): durable session
// and checkpoint storage so a run can resume after a crash or an operator
// interruption. Grounded on the teacher's internal/session (JSONL session
// log, deterministic ids) and internal/checkpoint (one file per step,
// flush-on-write) but backed by real embedded stores instead of bare
// directory scans: github.com/mattn/go-sqlite3 for the session/event
// archive (so ListSessions/GetResumableSession run indexed queries) and
// go.etcd.io/bbolt for the prompt→result cache, matching the "embedded
// single-file store" idiom the teacher uses for its own memory package.
package state

import (
	"time"

	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/plan"
)

// RunStatus mirrors the teacher's session.Status constants, generalized to
// this engine's outer-loop outcomes.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Session is the durable metadata row for one orchestration run.
type Session struct {
	ID        string    `json:"id"`
	Goal      plan.Goal `json:"goal"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Checkpoint is a point-in-time snapshot of a run's plan and progress,
// sufficient to resume, per spec.md §4.8.
type Checkpoint struct {
	SessionID     string     `json:"session_id"`
	Plan          *plan.Plan `json:"plan"`
	CurrentStep   string     `json:"current_step,omitempty"`
	ConsecutiveIssues int    `json:"consecutive_issues"`
	TokensUsed    int        `json:"tokens_used"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EventRecord pairs a bus event with the session it belongs to, for
// archival in the session/event store.
type EventRecord struct {
	SessionID string
	Event     events.Event
}
