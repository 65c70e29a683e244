// Package llmcontext implements spec.md §4.6 ContextManager: bounded prompt
// token usage, a stable compact view of recent history, and agent-loop
// detection. The smart-context priority-ordered assembly is grounded on the
// teacher's internal/executor/xmlcontext.go XMLContextBuilder, generalized
// from workflow-goal XML blocks to a plain budget-bounded text block; token
// accounting uses github.com/pkoukk/tiktoken-go, the exact encoder several
// pack repos (e.g. kadirpekel-hector) use instead of a length heuristic.
package llmcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Message is one turn of agent conversation history.
type Message struct {
	Role    string
	Content string
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the token count of s using the engine's shared
// encoder, falling back to a length/4 heuristic if the encoder failed to
// load (e.g. no network access to fetch its vocabulary file).
func CountTokens(s string) int {
	if e := encoder(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// vagueFillers are phrases that reduce a message's importance score.
var vagueFillers = []string{"ok", "sounds good", "got it", "sure", "noted", "i see"}

var actionVerbs = []string{"create", "write", "implement", "add", "build", "fix", "update", "run", "execute", "install"}
var decisionKeywords = []string{"decided", "decision", "will use", "chose", "going with", "instead of"}
var errorKeywords = []string{"error", "failed", "exception", "panic", "traceback"}

// ImportanceScore weights a message by recency, role and content cues, per
// spec.md §4.6. index/total is 0 for the first message; weights sum to the
// figures spec.md's prose names, clamped to [0,100].
func ImportanceScore(msg Message, index, total int) int {
	score := 0.0
	if total > 1 {
		score += 30.0 * float64(index) / float64(total-1)
	}
	switch msg.Role {
	case "system":
		score += 20
	case "user":
		score += 10
	}

	lower := strings.ToLower(msg.Content)
	if strings.Contains(lower, "step complete") {
		score += 25
	}
	if strings.Contains(lower, "step blocked") {
		score += 20
	}
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			score += 15
			break
		}
	}
	for _, kw := range actionVerbs {
		if strings.Contains(lower, kw) {
			score += 10
			break
		}
	}
	for _, kw := range decisionKeywords {
		if strings.Contains(lower, kw) {
			score += 15
			break
		}
	}
	for _, f := range vagueFillers {
		if strings.TrimSpace(lower) == f {
			score -= 20
			break
		}
	}
	if len(msg.Content) > 4000 {
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// FilterByImportance always keeps message index 0 and the last three
// indices (testable property 7), then greedily admits the highest-scoring
// remaining messages whose token cost fits budget, preserving original
// order in the output.
func FilterByImportance(history []Message, budget int) []Message {
	n := len(history)
	if n == 0 {
		return nil
	}
	anchors := make(map[int]bool)
	anchors[0] = true
	for i := n - 3; i < n; i++ {
		if i >= 0 {
			anchors[i] = true
		}
	}

	used := 0
	kept := make(map[int]bool)
	for i := range anchors {
		kept[i] = true
		used += CountTokens(history[i].Content)
	}

	type scored struct {
		idx   int
		score int
		cost  int
	}
	var candidates []scored
	for i, m := range history {
		if anchors[i] {
			continue
		}
		candidates = append(candidates, scored{idx: i, score: ImportanceScore(m, i, n), cost: CountTokens(m.Content)})
	}
	// stable sort by score descending
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	for _, c := range candidates {
		if used+c.cost > budget {
			continue
		}
		kept[c.idx] = true
		used += c.cost
	}

	out := make([]Message, 0, len(kept))
	for i, m := range history {
		if kept[i] {
			out = append(out, m)
		}
	}
	return out
}

// ExtractKeyPoints pulls short, durable facts out of compressed-away
// history: completed step numbers, file operations, the first error per
// batch, and decisions — the items Compress folds into its synthetic
// summary message.
func ExtractKeyPoints(history []Message) []string {
	var points []string
	sawError := false
	for _, m := range history {
		lower := strings.ToLower(m.Content)
		switch {
		case strings.Contains(lower, "step complete") || strings.Contains(lower, "step") && strings.Contains(lower, "complete"):
			points = append(points, firstLine(m.Content))
		case containsAny(lower, errorKeywords) && !sawError:
			points = append(points, "error: "+firstLine(m.Content))
			sawError = true
		case containsAny(lower, decisionKeywords):
			points = append(points, "decision: "+firstLine(m.Content))
		case containsAny(lower, []string{"created file", "wrote file", "modified file"}):
			points = append(points, firstLine(m.Content))
		}
	}
	return points
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return s
}

// Compress folds all but the most recent keepRecent messages into one
// synthetic system message of semicolon-separated key points, per
// spec.md §4.6.
func Compress(history []Message, keepRecent int) []Message {
	if len(history) <= keepRecent {
		return history
	}
	cut := len(history) - keepRecent
	points := ExtractKeyPoints(history[:cut])
	summary := Message{Role: "system", Content: "prior history summary: " + strings.Join(points, "; ")}
	out := make([]Message, 0, keepRecent+1)
	out = append(out, summary)
	out = append(out, history[cut:]...)
	return out
}

// Assembly is the per-call input to AssembleContext's priority order.
type Assembly struct {
	Goal             string
	CurrentStep      string
	CompletedCount   int
	CurrentStepDesc  string
	RecentDecisions  []string // most recent five expected
	History          []Message
	MaxTokens        int
	SummaryThreshold int // history length above which Compress runs
	KeepRecent       int // messages Compress retains verbatim
}

const truncatedMarker = "\n[truncated]"

// AssembleContext concatenates, in spec.md's mandated priority order: goal
// line; current-step line; progress summary; recent decisions (latest
// five); importance-filtered + compressed history — tracking a
// remaining-tokens budget and truncating the whole with an explicit marker
// if MaxTokens is exceeded.
func AssembleContext(a Assembly) string {
	var b strings.Builder
	remaining := a.MaxTokens
	if remaining <= 0 {
		remaining = 8000
	}

	truncated := false
	write := func(s string) {
		cost := CountTokens(s)
		if cost > remaining {
			truncated = true
			return
		}
		b.WriteString(s)
		remaining -= cost
	}

	write(fmt.Sprintf("GOAL: %s\n", a.Goal))
	if a.CurrentStep != "" {
		write(fmt.Sprintf("CURRENT STEP %s: %s\n", a.CurrentStep, a.CurrentStepDesc))
	}
	write(fmt.Sprintf("PROGRESS: %d steps completed so far\n", a.CompletedCount))

	decisions := a.RecentDecisions
	if len(decisions) > 5 {
		decisions = decisions[len(decisions)-5:]
	}
	if len(decisions) > 0 {
		write("RECENT DECISIONS:\n")
		for _, d := range decisions {
			write("- " + d + "\n")
		}
	}

	history := a.History
	threshold := a.SummaryThreshold
	if threshold <= 0 {
		threshold = 30
	}
	keepRecent := a.KeepRecent
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if len(history) > threshold {
		history = Compress(history, keepRecent)
	}
	filtered := FilterByImportance(history, remaining)

	write("HISTORY:\n")
	for _, m := range filtered {
		write(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))
	}

	out := b.String()
	if truncated || (CountTokens(out) >= a.MaxTokens && a.MaxTokens > 0) {
		out += truncatedMarker
	}
	return out
}

// DuplicateDetector maintains a short sliding window of hashes of the first
// 1000 characters of recent agent responses, per spec.md §4.6.
type DuplicateDetector struct {
	mu     sync.Mutex
	window []string
	size   int
}

// NewDuplicateDetector creates a detector retaining the last size hashes.
func NewDuplicateDetector(size int) *DuplicateDetector {
	if size <= 0 {
		size = 5
	}
	return &DuplicateDetector{size: size}
}

func hashPrefix(s string) string {
	if len(s) > 1000 {
		s = s[:1000]
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Observe records response and reports whether it duplicates one already in
// the window.
func (d *DuplicateDetector) Observe(response string) bool {
	h := hashPrefix(response)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.window {
		if existing == h {
			return true
		}
	}
	d.window = append(d.window, h)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	return false
}

// Trend labels the direction of recent token usage.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// TurnUsage is one turn's token accounting.
type TurnUsage struct {
	In  int
	Out int
	At  time.Time
}

// TokenTracker keeps a bounded history of per-turn token counts.
type TokenTracker struct {
	mu      sync.Mutex
	history []TurnUsage
	maxLen  int
}

// NewTokenTracker creates a tracker bounded to maxLen turns.
func NewTokenTracker(maxLen int) *TokenTracker {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &TokenTracker{maxLen: maxLen}
}

// Record appends one turn's usage.
func (t *TokenTracker) Record(in, out int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, TurnUsage{In: in, Out: out, At: time.Now()})
	if len(t.history) > t.maxLen {
		t.history = t.history[len(t.history)-t.maxLen:]
	}
}

// Total returns the cumulative in/out tokens recorded.
func (t *TokenTracker) Total() (in, out int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.history {
		in += u.In
		out += u.Out
	}
	return
}

// RollingAverage returns the average total tokens per turn over the last n
// turns (or all turns if fewer).
func (t *TokenTracker) RollingAverage(n int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return 0
	}
	if n <= 0 || n > len(t.history) {
		n = len(t.history)
	}
	recent := t.history[len(t.history)-n:]
	sum := 0
	for _, u := range recent {
		sum += u.In + u.Out
	}
	return float64(sum) / float64(len(recent))
}

// Trend compares the average of the most recent half of the window against
// the older half to label a direction.
func (t *TokenTracker) Trend() Trend {
	t.mu.Lock()
	history := append([]TurnUsage{}, t.history...)
	t.mu.Unlock()

	if len(history) < 4 {
		return TrendStable
	}
	mid := len(history) / 2
	older := history[:mid]
	recent := history[mid:]

	avg := func(us []TurnUsage) float64 {
		sum := 0
		for _, u := range us {
			sum += u.In + u.Out
		}
		return float64(sum) / float64(len(us))
	}
	oldAvg, newAvg := avg(older), avg(recent)
	if oldAvg == 0 {
		return TrendStable
	}
	ratio := newAvg / oldAvg
	switch {
	case ratio > 1.15:
		return TrendIncreasing
	case ratio < 0.85:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
