package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/coderunner/internal/config"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("429 too many requests"), CategoryRateLimit},
		{context.DeadlineExceeded, CategoryTimeout},
		{errors.New("context length exceeded"), CategoryContext},
		{errors.New("permission denied"), CategoryPermission},
		{errors.New("401 unauthorized: invalid api key"), CategoryPermanent},
		{errors.New("malformed response, could not parse"), CategoryValidation},
		{errors.New("no such file or directory"), CategoryResource},
		{errors.New("500 internal error"), CategoryInternal},
		{errors.New("connection reset by peer"), CategoryTransient},
		{errors.New("something entirely unclassified"), CategoryPermanent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), c.err.Error())
	}
}

// TestBackoffDelay_BoundedByMax checks that every jittered delay for
// attempts 1 through 10 stays within [0, max]. It exercises backoffDelay
// directly (unexported, but this is an in-package test) across many jitter
// draws to bound the range.
func TestBackoffDelay_BoundedByMax(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond
	for n := 1; n <= 10; n++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, n, max)
			assert.LessOrEqual(t, d, max)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestBackoffDelay_GrowsWithAttemptBeforeCeiling(t *testing.T) {
	base := 10 * time.Millisecond
	max := 10 * time.Second
	// jitter is in [0.5x, 1.0x] of the exponential base, so attempt 5's
	// minimum possible delay still exceeds attempt 1's maximum possible one.
	minAt := func(n int) time.Duration {
		var lo time.Duration = max
		for i := 0; i < 200; i++ {
			if d := backoffDelay(base, n, max); d < lo {
				lo = d
			}
		}
		return lo
	}
	maxAt := func(n int) time.Duration {
		var hi time.Duration
		for i := 0; i < 200; i++ {
			if d := backoffDelay(base, n, max); d > hi {
				hi = d
			}
		}
		return hi
	}
	assert.Greater(t, minAt(5), maxAt(1))
}

func recoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:         3,
		BaseBackoff:        "1ms",
		MaxBackoff:         "2ms",
		ExtendedMaxBackoff: "2ms",
		CircuitThreshold:   2,
		CircuitResetWindow: "1s",
		CircuitCooldown:    "50ms",
	}
}

func TestExecuteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	r := New(recoveryConfig())
	attempts := 0
	outcome := r.ExecuteWithRetry(context.Background(), Options{OperationID: "op1"}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, outcome.Err)
	assert.Equal(t, 2, attempts)
}

func TestExecuteWithRetry_PermanentErrorAborts(t *testing.T) {
	r := New(recoveryConfig())
	attempts := 0
	outcome := r.ExecuteWithRetry(context.Background(), Options{OperationID: "op2"}, func(ctx context.Context) error {
		attempts++
		return errors.New("401 unauthorized")
	})
	assert.Equal(t, StrategyAbort, outcome.Strategy)
	assert.Equal(t, 1, attempts, "a permanent classification should not be retried")
}

func TestExecuteWithRetry_ValidationSkipsStep(t *testing.T) {
	r := New(recoveryConfig())
	outcome := r.ExecuteWithRetry(context.Background(), Options{OperationID: "op3"}, func(ctx context.Context) error {
		return errors.New("malformed json, could not parse")
	})
	assert.Equal(t, StrategySkipStep, outcome.Strategy)
}

// TestExecuteWithRetry_CircuitBreakerOpensAfterThreshold covers the circuit
// breaker half of property 12: once consecutive failures for an operation id
// reach the configured threshold, the breaker trips and subsequent calls
// return ABORT immediately without invoking op again.
func TestExecuteWithRetry_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	r := New(recoveryConfig())
	always := func(ctx context.Context) error { return errors.New("connection reset") }

	r.ExecuteWithRetry(context.Background(), Options{OperationID: "op4", MaxRetries: 1}, always)
	r.ExecuteWithRetry(context.Background(), Options{OperationID: "op4", MaxRetries: 1}, always)

	calls := 0
	outcome := r.ExecuteWithRetry(context.Background(), Options{OperationID: "op4", MaxRetries: 1}, func(ctx context.Context) error {
		calls++
		return always(ctx)
	})
	assert.Equal(t, StrategyAbort, outcome.Strategy)
	assert.Equal(t, 0, calls, "an open circuit must short-circuit before invoking op")
}

func TestExecuteWithRetry_TrimContextInvokedThenRetries(t *testing.T) {
	r := New(recoveryConfig())
	trimCalls := 0
	attempts := 0
	outcome := r.ExecuteWithRetry(context.Background(), Options{
		OperationID: "op5",
		OnContextAction: func(ctx context.Context) error {
			trimCalls++
			return nil
		},
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("context length exceeded")
		}
		return nil
	})
	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, trimCalls)
}
