package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID derives a deterministic, resumable session id from the goal
// text and working directory plus the creation timestamp, per spec.md
// §4.8 ("deterministic resumable session IDs"). Two runs of the same goal
// in the same directory started at different times get different ids; the
// hash component lets an operator recognize which run a listed session
// belongs to without reading its metadata.
func NewSessionID(goal, workdir string, createdAt time.Time) string {
	h := sha256.Sum256([]byte(goal + "\x00" + workdir))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h[:8]), createdAt.Unix())
}

// NewCorrelationID returns a fresh id for linking related events, in the
// style of the teacher's session.Session.StartCorrelation but using
// google/uuid instead of hand-rolled crypto/rand+hex. This is the only
// use of google/uuid in this engine.
func NewCorrelationID() string {
	return uuid.NewString()
}
