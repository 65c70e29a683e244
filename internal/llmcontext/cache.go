package llmcontext

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrator/coderunner/internal/plan"
)

// AssessmentKey identifies one cached Supervisor assessment: a hash of the
// response prefix, the goal, and the current consecutive-issue count
// (spec.md §4.3 Check).
type AssessmentKey struct {
	ResponsePrefixHash string
	Goal               string
	ConsecutiveIssues  int
}

// HashResponsePrefix hashes the first 500 characters of a response for use
// as a cache key component.
func HashResponsePrefix(response string) string {
	if len(response) > 500 {
		response = response[:500]
	}
	sum := sha256.Sum256([]byte(response))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key        AssessmentKey
	assessment plan.Assessment
	expiresAt  time.Time
}

// AssessmentCache is a bounded LRU with TTL storing only CONTINUE
// assessments, per spec.md §4.3/§4.6.
type AssessmentCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	order    *list.List
	elements map[string]*list.Element
}

// NewAssessmentCache creates a cache bounded to maxSize entries with the
// given TTL.
func NewAssessmentCache(maxSize int, ttl time.Duration) *AssessmentCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AssessmentCache{
		ttl:      ttl,
		maxSize:  maxSize,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

func keyString(k AssessmentKey) string {
	return fmt.Sprintf("%s|%s|%d", k.ResponsePrefixHash, k.Goal, k.ConsecutiveIssues)
}

// Get returns the cached assessment for key, if present and unexpired.
func (c *AssessmentCache) Get(key AssessmentKey) (plan.Assessment, bool) {
	ks := keyString(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[ks]
	if !ok {
		return plan.Assessment{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.elements, ks)
		return plan.Assessment{}, false
	}
	c.order.MoveToFront(el)
	return entry.assessment, true
}

// Put stores a, but only if it is a CONTINUE assessment (spec.md §4.3: the
// cache "caches only CONTINUE outcomes").
func (c *AssessmentCache) Put(key AssessmentKey, a plan.Assessment) {
	if a.Action != plan.ActionContinue {
		return
	}
	ks := keyString(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[ks]; ok {
		el.Value.(*cacheEntry).assessment = a
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: key, assessment: a, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(entry)
	c.elements[ks] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.elements, keyString(oldest.Value.(*cacheEntry).key))
	}
}
