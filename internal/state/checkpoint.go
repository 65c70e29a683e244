package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// CheckpointStore persists plan snapshots in one directory per session,
// one timestamp-named JSON file per save, following the teacher's
// checkpoint.Store.flush convention (write the whole current snapshot on
// every save rather than appending), plus a human-diffable YAML sibling
// for operators inspecting a run by hand.
type CheckpointStore struct {
	dir       string
	retention int
}

// NewCheckpointStore creates (if absent) dir and returns a store that
// keeps at most retention checkpoints per session.
func NewCheckpointStore(dir string, retention int) (*CheckpointStore, error) {
	if retention <= 0 {
		retention = 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir, retention: retention}, nil
}

func (c *CheckpointStore) sessionDir(sessionID string) string {
	return filepath.Join(c.dir, sessionID)
}

// Save writes cp as the latest checkpoint for its session, pruning older
// ones beyond the configured retention.
func (c *CheckpointStore) Save(cp Checkpoint) error {
	dir := c.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create session checkpoint dir: %w", err)
	}

	stamp := cp.CreatedAt.UTC().Format("20060102T150405.000000000")
	base := filepath.Join(dir, stamp)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return fmt.Errorf("state: write checkpoint: %w", err)
	}

	yamlData, err := yaml.Marshal(cp)
	if err == nil {
		_ = os.WriteFile(base+".yaml", yamlData, 0o644)
	}

	return c.prune(dir)
}

// prune keeps only the retention most recent checkpoint pairs in dir.
func (c *CheckpointStore) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var stamps []string
	seen := make(map[string]bool)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext != ".json" && ext != ".yaml" {
			continue
		}
		stamp := e.Name()[:len(e.Name())-len(ext)]
		if !seen[stamp] {
			seen[stamp] = true
			stamps = append(stamps, stamp)
		}
	}
	sort.Strings(stamps)
	if len(stamps) <= c.retention {
		return nil
	}
	for _, stamp := range stamps[:len(stamps)-c.retention] {
		os.Remove(filepath.Join(dir, stamp+".json"))
		os.Remove(filepath.Join(dir, stamp+".yaml"))
	}
	return nil
}

// Latest returns the most recently saved checkpoint for a session, or
// ok=false if the session has none.
func (c *CheckpointStore) Latest(sessionID string) (cp Checkpoint, ok bool, err error) {
	dir := c.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var newest string
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if e.Name() > newest {
			newest = e.Name()
		}
	}
	if newest == "" {
		return Checkpoint{}, false, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("state: read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("state: parse checkpoint: %w", err)
	}
	return cp, true, nil
}
