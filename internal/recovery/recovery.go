// Package recovery classifies errors from the Executor's wrapped operations
// and returns a recovery directive instead of letting the raw error
// propagate (spec.md §4.7). Grounded on the retry/backoff shape used across
// the pack's planner/executor implementations (e.g. the kart-io-sentinel-x
// planning executor's RetryPolicy.BackoffFactor) generalized into the full
// classification taxonomy spec.md requires, and on the teacher's
// llm.RetryConfig field naming (MaxRetries, MaxBackoff) for this package's
// public config shape.
package recovery

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/orchlog"
)

// Category is a closed enumeration of error classes.
type Category string

const (
	CategoryTransient  Category = "TRANSIENT"
	CategoryRateLimit  Category = "RATE_LIMIT"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryContext    Category = "CONTEXT"
	CategoryPermission Category = "PERMISSION"
	CategoryValidation Category = "VALIDATION"
	CategoryResource   Category = "RESOURCE"
	CategoryInternal   Category = "INTERNAL"
	CategoryPermanent  Category = "PERMANENT"
)

// Strategy is the recovery directive chosen for a classified error.
type Strategy string

const (
	StrategyRetryBackoff Strategy = "RETRY_BACKOFF"
	StrategyRetryExtended Strategy = "RETRY_EXTENDED"
	StrategyTrimContext  Strategy = "TRIM_CONTEXT"
	StrategySkipStep     Strategy = "SKIP_STEP"
	StrategyEscalate     Strategy = "ESCALATE"
	StrategyAbort        Strategy = "ABORT"
)

// Classify inspects err's text and returns its Category. This is a
// best-effort heuristic over the opaque subprocess/agent error text, the
// same way the pack's planner/executor implementations pattern-match
// provider error strings rather than typed provider errors.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransient
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout") || errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case strings.Contains(msg, "context length") || strings.Contains(msg, "token") && strings.Contains(msg, "exceed"):
		return CategoryContext
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return CategoryPermission
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401"):
		return CategoryPermanent
	case strings.Contains(msg, "parse") || strings.Contains(msg, "format") || strings.Contains(msg, "malformed"):
		return CategoryValidation
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "enoent") || strings.Contains(msg, "not found"):
		return CategoryResource
	case strings.Contains(msg, "internal error") || strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return CategoryInternal
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// strategyFor maps a category to its default recovery strategy per
// spec.md §4.7/§7.
func strategyFor(c Category) Strategy {
	switch c {
	case CategoryTransient, CategoryRateLimit, CategoryTimeout, CategoryInternal:
		return StrategyRetryBackoff
	case CategoryContext:
		return StrategyTrimContext
	case CategoryValidation:
		return StrategySkipStep
	case CategoryResource:
		return StrategyEscalate
	case CategoryPermission, CategoryPermanent:
		return StrategyAbort
	default:
		return StrategyRetryBackoff
	}
}

// breakerState is the per-operation circuit breaker state.
type breakerState struct {
	consecutiveFailures int
	lastFailure         time.Time
	openUntil           time.Time
}

// Recovery implements ExecuteWithRetry and the circuit breaker (spec.md
// §4.7).
type Recovery struct {
	cfg    config.RecoveryConfig
	logger *orchlog.Logger

	mu       sync.Mutex
	breakers map[string]*breakerState
}

// New creates a Recovery with the given tuning.
func New(cfg config.RecoveryConfig) *Recovery {
	return &Recovery{
		cfg:      cfg,
		logger:   orchlog.New().WithComponent("recovery"),
		breakers: make(map[string]*breakerState),
	}
}

// Options configures one ExecuteWithRetry call.
type Options struct {
	OperationID     string
	MaxRetries      int // 0 uses the Recovery's configured default
	OnError         func(category Category, attempt int, err error)
	OnContextAction func(ctx context.Context) error // invoked for TRIM_CONTEXT before retry
}

// Outcome describes what ExecuteWithRetry ultimately decided.
type Outcome struct {
	Strategy Strategy
	Category Category
	Attempts int
	Err      error
}

// circuitOpen reports whether id's breaker currently forces ABORT.
func (r *Recovery) circuitOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.breakers[id]
	if !ok {
		return false
	}
	return time.Now().Before(st.openUntil)
}

func (r *Recovery) recordFailure(id string) {
	resetWindow := config.Duration(r.cfg.CircuitResetWindow, 2*time.Minute)
	cooldown := config.Duration(r.cfg.CircuitCooldown, 30*time.Second)
	threshold := r.cfg.CircuitThreshold
	if threshold <= 0 {
		threshold = 5
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.breakers[id]
	if !ok {
		st = &breakerState{}
		r.breakers[id] = st
	}
	if !st.lastFailure.IsZero() && time.Since(st.lastFailure) > resetWindow {
		st.consecutiveFailures = 0
	}
	st.consecutiveFailures++
	st.lastFailure = time.Now()
	if st.consecutiveFailures >= threshold {
		st.openUntil = time.Now().Add(cooldown)
	}
}

func (r *Recovery) recordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.breakers[id]; ok {
		st.consecutiveFailures = 0
	}
}

// backoffDelay computes a jittered exponential backoff for attempt n
// (1-indexed), bounded by max. Successive attempts for the same operation
// id yield non-decreasing base delays up to the ceiling (testable property
// 12): the base is deterministic in n; only the jitter varies.
func backoffDelay(base time.Duration, n int, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	raw := float64(base) * math.Pow(2, float64(n-1))
	if raw > float64(max) {
		raw = float64(max)
	}
	jitter := raw * (0.5 + rand.Float64()*0.5)
	if jitter > float64(max) {
		jitter = float64(max)
	}
	return time.Duration(jitter)
}

// ExecuteWithRetry runs op, classifying and dispatching on failure per
// spec.md §4.7's contract. It returns the terminal Outcome, whose Err is the
// final error (nil on success), for the caller to fold into its own control flow —
// notably an ABORT outcome here does NOT mean the Executor's outer loop
// should exit; the bulletproofing in spec.md §4.2 is the caller's
// responsibility, this layer only classifies and backs off.
func (r *Recovery) ExecuteWithRetry(ctx context.Context, opts Options, op func(ctx context.Context) error) Outcome {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}

	base := config.Duration(r.cfg.BaseBackoff, time.Second)
	maxBackoff := config.Duration(r.cfg.MaxBackoff, 60*time.Second)
	extendedMax := config.Duration(r.cfg.ExtendedMaxBackoff, 5*time.Minute)

	var lastErr error
	var lastCategory Category

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if opts.OperationID != "" && r.circuitOpen(opts.OperationID) {
			return Outcome{Strategy: StrategyAbort, Category: CategoryInternal, Attempts: attempt - 1, Err: lastErr}
		}

		err := op(ctx)
		if err == nil {
			if opts.OperationID != "" {
				r.recordSuccess(opts.OperationID)
			}
			return Outcome{Strategy: "", Category: "", Attempts: attempt, Err: nil}
		}

		lastErr = err
		lastCategory = Classify(err)
		strategy := strategyFor(lastCategory)
		if opts.OperationID != "" {
			r.recordFailure(opts.OperationID)
		}
		if opts.OnError != nil {
			opts.OnError(lastCategory, attempt, err)
		}

		switch strategy {
		case StrategySkipStep, StrategyEscalate, StrategyAbort:
			return Outcome{Strategy: strategy, Category: lastCategory, Attempts: attempt, Err: lastErr}
		case StrategyTrimContext:
			if opts.OnContextAction != nil {
				if cerr := opts.OnContextAction(ctx); cerr != nil {
					r.logger.Warn("context trim action failed", map[string]interface{}{"error": cerr.Error()})
				}
			}
			continue
		case StrategyRetryExtended:
			delay := backoffDelay(base, attempt, extendedMax)
			r.sleep(ctx, delay)
		default: // StrategyRetryBackoff
			delay := backoffDelay(base, attempt, maxBackoff)
			r.sleep(ctx, delay)
		}
	}

	return Outcome{Strategy: strategyFor(lastCategory), Category: lastCategory, Attempts: maxRetries, Err: lastErr}
}

func (r *Recovery) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
