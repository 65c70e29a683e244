package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/orchlog"
	"github.com/orchestrator/coderunner/internal/plan"
)

// Store is StatePersistence's single entry point: it owns the session
// archive, checkpoint store, result cache and resume watcher, and runs the
// auto-save timer (spec.md §4.8).
type Store struct {
	Archive     *Archive
	Checkpoints *CheckpointStore
	Cache       *ResultCache
	Watcher     *ResumeWatcher

	logger *orchlog.Logger
	window time.Duration
}

// Open wires up every storage layer under cfg.Dir, following the teacher's
// convention of one state directory holding everything a run needs to
// resume (internal/session + internal/checkpoint's directories, combined).
func Open(cfg config.StateConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	archive, err := OpenArchive(filepath.Join(cfg.Dir, "sessions.db"))
	if err != nil {
		return nil, err
	}

	checkpoints, err := NewCheckpointStore(filepath.Join(cfg.Dir, "checkpoints"), cfg.CheckpointRetention)
	if err != nil {
		archive.Close()
		return nil, err
	}

	cache, err := OpenResultCache(filepath.Join(cfg.Dir, "cache.bbolt"), config.Duration(cfg.CacheTTL, time.Hour))
	if err != nil {
		archive.Close()
		return nil, err
	}

	watcher, err := NewResumeWatcher(cfg.Dir)
	if err != nil {
		// Non-fatal: operator-triggered early resume is a convenience, not a
		// requirement. Continue without it rather than fail the whole store.
		watcher = nil
	}

	return &Store{
		Archive:     archive,
		Checkpoints: checkpoints,
		Cache:       cache,
		Watcher:     watcher,
		logger:      orchlog.New().WithComponent("state"),
		window:      config.Duration(cfg.ResumableWindow, 24*time.Hour),
	}, nil
}

// Close releases every owned resource.
func (s *Store) Close() {
	if s.Watcher != nil {
		s.Watcher.Close()
	}
	s.Cache.Close()
	s.Archive.Close()
}

// CreateSession registers a new run and returns its deterministic id.
func (s *Store) CreateSession(goal plan.Goal, now time.Time) (Session, error) {
	sess := Session{
		ID:        NewSessionID(goal.Primary, goal.Workdir, now),
		Goal:      goal,
		Status:    RunStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Archive.PutSession(sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Resume looks for a resumable session matching goal+workdir within the
// configured window, per spec.md §4.8. found is true only when that
// session also has a saved checkpoint.
func (s *Store) Resume(goal plan.Goal) (sess Session, cp Checkpoint, found bool, err error) {
	sess, found, err = s.Archive.GetResumableSession(goal.Primary, goal.Workdir, s.window)
	if err != nil || !found {
		return Session{}, Checkpoint{}, false, err
	}
	cp, found, err = s.Checkpoints.Latest(sess.ID)
	return sess, cp, found, err
}

// RecordEvent archives a bus event under sessionID, logging rather than
// failing the caller if the archive write itself errors (the event is
// still live on the in-memory bus for subscribers).
func (s *Store) RecordEvent(sessionID string, ev events.Event) {
	if err := s.Archive.AppendEvent(sessionID, ev); err != nil {
		s.logger.Warn("failed to archive event", map[string]interface{}{"session": sessionID, "error": err.Error()})
	}
}

// Finish marks a session terminal.
func (s *Store) Finish(sess Session, status RunStatus, result, errMsg string, now time.Time) error {
	sess.Status = status
	sess.Result = result
	sess.Error = errMsg
	sess.UpdatedAt = now
	return s.Archive.PutSession(sess)
}

// AutoSave runs Save(sessionID, snapshot) on the given interval until ctx
// is cancelled, also purging expired cache entries each tick. Mirrors the
// teacher's periodic flush-on-write checkpoint convention but on a timer
// instead of every single call site.
func (s *Store) AutoSave(ctx context.Context, interval time.Duration, snapshot func() Checkpoint) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp := snapshot()
			if cp.SessionID == "" {
				continue
			}
			if err := s.Checkpoints.Save(cp); err != nil {
				s.logger.Warn("auto-save checkpoint failed", map[string]interface{}{"error": err.Error()})
			}
			if _, err := s.Cache.Purge(); err != nil {
				s.logger.Warn("cache purge failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
