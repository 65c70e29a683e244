package state

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/orchestrator/coderunner/internal/orchlog"
)

// resumeMarkerName is the file an operator drops into the state directory
// to request an early resume check outside the normal auto-save cadence.
const resumeMarkerName = "RESUME"

// ResumeWatcher watches a state directory for an operator-dropped RESUME
// marker file, the way the teacher's skills/config loaders watch their
// source directories with fsnotify for hot-reload.
type ResumeWatcher struct {
	watcher *fsnotify.Watcher
	logger  *orchlog.Logger
	signal  chan struct{}
}

// NewResumeWatcher starts watching dir. Call Close when done.
func NewResumeWatcher(dir string) (*ResumeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	rw := &ResumeWatcher{watcher: w, logger: orchlog.New().WithComponent("state.watch"), signal: make(chan struct{}, 1)}
	go rw.loop(dir)
	return rw, nil
}

func (rw *ResumeWatcher) loop(dir string) {
	marker := filepath.Join(dir, resumeMarkerName)
	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == marker && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				select {
				case rw.signal <- struct{}{}:
				default:
				}
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("resume watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Signal returns the channel that receives a notification each time the
// RESUME marker is created or rewritten.
func (rw *ResumeWatcher) Signal() <-chan struct{} { return rw.signal }

// Close stops the watcher.
func (rw *ResumeWatcher) Close() error { return rw.watcher.Close() }
