package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orchestrator/coderunner/internal/events"
)

// Archive is the sqlite-backed session/event store. One file, indexed
// queries for ListSessions and GetResumableSession — the query surface
// bare directory scans (the teacher's FileStore) cannot offer cheaply.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if absent) the sqlite archive at path and
// ensures its schema exists.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("state: open archive: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	goal       TEXT NOT NULL,
	workdir    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	result     TEXT,
	error      TEXT,
	goal_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_workdir ON sessions(workdir);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type       TEXT NOT NULL,
	timestamp  DATETIME NOT NULL,
	payload    TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`)
	return err
}

// Close releases the underlying database handle.
func (a *Archive) Close() error { return a.db.Close() }

// PutSession inserts or updates a session row.
func (a *Archive) PutSession(s Session) error {
	goalJSON, err := json.Marshal(s.Goal)
	if err != nil {
		return fmt.Errorf("state: marshal goal: %w", err)
	}
	_, err = a.db.Exec(`
INSERT INTO sessions (id, goal, workdir, status, created_at, updated_at, result, error, goal_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status, updated_at = excluded.updated_at,
	result = excluded.result, error = excluded.error, goal_json = excluded.goal_json`,
		s.ID, s.Goal.Primary, s.Goal.Workdir, string(s.Status), s.CreatedAt, s.UpdatedAt, s.Result, s.Error, string(goalJSON))
	if err != nil {
		return fmt.Errorf("state: put session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...interface{}) error }) (Session, error) {
	var s Session
	var status, goalJSON string
	var result, errStr sql.NullString
	if err := row.Scan(&s.ID, &status, &s.CreatedAt, &s.UpdatedAt, &result, &errStr, &goalJSON); err != nil {
		return Session{}, err
	}
	s.Status = RunStatus(status)
	s.Result = result.String
	s.Error = errStr.String
	_ = json.Unmarshal([]byte(goalJSON), &s.Goal)
	return s, nil
}

// GetSession loads one session by id.
func (a *Archive) GetSession(id string) (Session, error) {
	row := a.db.QueryRow(`SELECT id, status, created_at, updated_at, result, error, goal_json FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered most-recent-first.
func (a *Archive) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`SELECT id, status, created_at, updated_at, result, error, goal_json FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetResumableSession returns the most recent non-terminal session for
// goal+workdir updated within window, or ok=false if none qualifies, per
// spec.md §4.8's 24-hour resumability window.
func (a *Archive) GetResumableSession(goal, workdir string, window time.Duration) (sess Session, ok bool, err error) {
	cutoff := time.Now().Add(-window)
	row := a.db.QueryRow(`
SELECT id, status, created_at, updated_at, result, error, goal_json
FROM sessions
WHERE workdir = ? AND goal = ? AND status = ? AND updated_at >= ?
ORDER BY updated_at DESC LIMIT 1`,
		workdir, goal, string(RunStatusActive), cutoff)

	s, scanErr := scanSession(row)
	if scanErr == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if scanErr != nil {
		return Session{}, false, fmt.Errorf("state: get resumable session: %w", scanErr)
	}
	return s, true, nil
}

// AppendEvent archives one bus event under a session.
func (a *Archive) AppendEvent(sessionID string, ev events.Event) error {
	_, err := a.db.Exec(`INSERT INTO events (session_id, type, timestamp, payload) VALUES (?, ?, ?, ?)`,
		sessionID, string(ev.Type), ev.Timestamp, string(ev.Payload))
	if err != nil {
		return fmt.Errorf("state: append event: %w", err)
	}
	return nil
}

// LoadEvents returns a session's archived events in emission order, for
// the replay tool.
func (a *Archive) LoadEvents(sessionID string) ([]events.Event, error) {
	rows, err := a.db.Query(`SELECT type, timestamp, payload FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("state: load events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var typ string
		var ev events.Event
		var payload sql.NullString
		if err := rows.Scan(&typ, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		ev.Type = events.Type(typ)
		ev.Payload = []byte(payload.String)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneTerminal deletes terminal sessions (and their events) older than
// before, bounding archive growth across long-lived installations.
func (a *Archive) PruneTerminal(before time.Time) error {
	_, err := a.db.Exec(`DELETE FROM events WHERE session_id IN (
		SELECT id FROM sessions WHERE status != ? AND updated_at < ?
	)`, string(RunStatusActive), before)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(`DELETE FROM sessions WHERE status != ? AND updated_at < ?`, string(RunStatusActive), before)
	return err
}
