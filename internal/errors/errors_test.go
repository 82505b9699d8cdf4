package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-tradebars/internal/config"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastClassifier returns a classifier whose waits are recorded instead of slept.
func fastClassifier(cfg config.ErrorHandlingConfig) (*ErrorClassifier, *[]time.Duration) {
	ec := NewErrorClassifier(cfg, createTestLogger())
	var waits []time.Duration
	ec.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return ec, &waits
}

func TestErrorClassification(t *testing.T) {
	classifier := NewErrorClassifier(config.DefaultConfig().ErrorHandling, createTestLogger())

	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{"network connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorTypeNetwork, true, SeverityLow},
		{"deadline exceeded", fmt.Errorf("get klines: %w", context.DeadlineExceeded), ErrorTypeTimeout, true, SeverityLow},
		{"canceled", fmt.Errorf("get klines: %w", context.Canceled), ErrorTypeCanceled, false, SeverityLow},
		{"rate limit message", fmt.Errorf("rate limit exceeded"), ErrorTypeRateLimit, true, SeverityLow},
		{"http 429", &StatusError{StatusCode: 429}, ErrorTypeRateLimit, true, SeverityLow},
		{"http 418", &StatusError{StatusCode: 418}, ErrorTypeRateLimit, true, SeverityLow},
		{"http 503", &StatusError{StatusCode: 503}, ErrorTypeServerError, true, SeverityMedium},
		{"http 404", &StatusError{StatusCode: 404}, ErrorTypeNotFound, false, SeverityMedium},
		{"http 400", &StatusError{StatusCode: 400}, ErrorTypeBadRequest, false, SeverityMedium},
		{"http 403", &StatusError{StatusCode: 403}, ErrorTypeAuthentication, false, SeverityHigh},
		{"wrapped status", fmt.Errorf("download: %w", &StatusError{StatusCode: 502}), ErrorTypeServerError, true, SeverityMedium},
		{"validation error", fmt.Errorf("validation failed: invalid input"), ErrorTypeValidation, false, SeverityMedium},
		{"unexpected eof", fmt.Errorf("read body: unexpected EOF"), ErrorTypeTemporary, true, SeverityMedium},
		{"unknown error", fmt.Errorf("something went wrong"), ErrorTypeUnknown, true, SeverityMedium},
		{"permanent", backoff.Permanent(fmt.Errorf("something went wrong")), ErrorTypeUnknown, false, SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.err, "test_component", "test_operation")

			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "test_component", classified.Component)
			assert.Equal(t, "test_operation", classified.Operation)
		})
	}

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, classifier.Classify(nil, "c", "o"))
	})

	t.Run("already classified", func(t *testing.T) {
		ce := &ClassifiedError{Err: fmt.Errorf("x"), Type: ErrorTypeNetwork}
		assert.Same(t, ce, classifier.Classify(fmt.Errorf("wrap: %w", ce), "c", "o"))
	})

	t.Run("status context", func(t *testing.T) {
		ce := classifier.Classify(&StatusError{StatusCode: 500, URL: "http://x"}, "c", "o")
		assert.Equal(t, 500, ce.Context["status_code"])
		assert.Equal(t, "http://x", ce.Context["url"])
	})
}

func TestStatusError(t *testing.T) {
	err := &StatusError{StatusCode: 404, Status: "404 Not Found", URL: "https://data.binance.vision/x.zip"}
	assert.Equal(t, "unexpected HTTP status 404 Not Found from https://data.binance.vision/x.zip", err.Error())

	withBody := &StatusError{StatusCode: 400, Body: `{"code":-1121}`}
	assert.Equal(t, `unexpected HTTP status 400: {"code":-1121}`, withBody.Error())

	assert.Equal(t, ErrorTypeNotFound, GetErrorType(fmt.Errorf("wrap: %w", err)))
}

func TestRetryMechanism(t *testing.T) {
	cfg := config.DefaultConfig().ErrorHandling
	cfg.GlobalRetryPolicy.MaxAttempts = 3
	cfg.GlobalRetryPolicy.InitialDelay = "10ms"
	cfg.GlobalRetryPolicy.MaxDelay = "50ms"
	cfg.GlobalRetryPolicy.BackoffStrategy = "fixed"
	cfg.GlobalRetryPolicy.Jitter = false

	t.Run("successful retry after failures", func(t *testing.T) {
		classifier, waits := fastClassifier(cfg)
		attempts := 0
		err := classifier.Retry(context.Background(), "test", "operation", func() error {
			attempts++
			if attempts < 3 {
				return &StatusError{StatusCode: 503}
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, *waits)
		assert.Equal(t, int64(2), classifier.GetStats()[ErrorTypeServerError].Retries)
	})

	t.Run("non-retryable error fails immediately", func(t *testing.T) {
		classifier, _ := fastClassifier(cfg)
		attempts := 0
		err := classifier.Retry(context.Background(), "test", "operation", func() error {
			attempts++
			return &StatusError{StatusCode: 404}
		})

		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 404, se.StatusCode)
		assert.False(t, IsRetryable(err))
	})

	t.Run("permanent error fails immediately", func(t *testing.T) {
		classifier, _ := fastClassifier(cfg)
		attempts := 0
		sentinel := fmt.Errorf("bad payload")
		err := classifier.Retry(context.Background(), "test", "operation", func() error {
			attempts++
			return backoff.Permanent(sentinel)
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("max attempts exceeded", func(t *testing.T) {
		classifier, _ := fastClassifier(cfg)
		attempts := 0
		err := classifier.Retry(context.Background(), "test", "operation", func() error {
			attempts++
			return fmt.Errorf("temporary failure")
		})

		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	})

	t.Run("retry-after extends the wait", func(t *testing.T) {
		classifier, waits := fastClassifier(cfg)
		attempts := 0
		_ = classifier.Retry(context.Background(), "test", "operation", func() error {
			attempts++
			if attempts == 1 {
				return &StatusError{StatusCode: 429, RetryAfter: 2 * time.Second}
			}
			return nil
		})
		assert.Equal(t, []time.Duration{2 * time.Second}, *waits)
	})

	t.Run("context cancellation", func(t *testing.T) {
		classifier, _ := fastClassifier(cfg)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := classifier.Retry(ctx, "test", "operation", func() error {
			return fmt.Errorf("temporary failure")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "context canceled")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("real sleep honors cancellation", func(t *testing.T) {
		slow := cfg
		slow.GlobalRetryPolicy.InitialDelay = "1h"
		slow.GlobalRetryPolicy.MaxDelay = "1h"
		classifier := NewErrorClassifier(slow, createTestLogger())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := classifier.Retry(ctx, "test", "operation", func() error {
			return &StatusError{StatusCode: 500}
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context canceled during backoff")
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestBackoffStrategies(t *testing.T) {
	classifier := NewErrorClassifier(config.DefaultConfig().ErrorHandling, createTestLogger())

	t.Run("exponential backoff", func(t *testing.T) {
		policy := config.RetryPolicyConfig{MaxAttempts: 5, InitialDelay: "100ms", MaxDelay: "1s", BackoffStrategy: "exponential"}
		strategy := classifier.createBackoffStrategy(policy)

		first := strategy.NextBackOff()
		second := strategy.NextBackOff()

		assert.Equal(t, 100*time.Millisecond, first)
		assert.Greater(t, second, first, "exponential backoff should increase")
	})

	t.Run("linear backoff", func(t *testing.T) {
		policy := config.RetryPolicyConfig{MaxAttempts: 5, InitialDelay: "100ms", MaxDelay: "1s", BackoffStrategy: "linear"}
		strategy := classifier.createBackoffStrategy(policy)

		assert.Equal(t, 100*time.Millisecond, strategy.NextBackOff())
		assert.Equal(t, 200*time.Millisecond, strategy.NextBackOff())
		assert.Equal(t, 300*time.Millisecond, strategy.NextBackOff())
	})

	t.Run("fixed backoff", func(t *testing.T) {
		policy := config.RetryPolicyConfig{MaxAttempts: 5, InitialDelay: "200ms", MaxDelay: "200ms", BackoffStrategy: "fixed"}
		strategy := classifier.createBackoffStrategy(policy)

		first := strategy.NextBackOff()
		second := strategy.NextBackOff()
		assert.Equal(t, first, second, "fixed backoff should remain constant")
		assert.Equal(t, 200*time.Millisecond, first)
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		policy := config.RetryPolicyConfig{MaxAttempts: 2, InitialDelay: "1ms", MaxDelay: "1ms", BackoffStrategy: "fixed"}
		strategy := classifier.createBackoffStrategy(policy)

		assert.NotEqual(t, backoff.Stop, strategy.NextBackOff())
		assert.Equal(t, backoff.Stop, strategy.NextBackOff())
	})
}

func TestLinearBackoff(t *testing.T) {
	lb := &LinearBackoff{
		interval: 100 * time.Millisecond,
		max:      500 * time.Millisecond,
	}

	assert.Equal(t, 100*time.Millisecond, lb.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, lb.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, lb.NextBackOff())

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, lb.NextBackOff(), 500*time.Millisecond)
	}

	lb.Reset()
	assert.Equal(t, 100*time.Millisecond, lb.NextBackOff())
}

func TestJitteredBackoff(t *testing.T) {
	jb := &JitteredBackoff{BackOff: backoff.NewConstantBackOff(100 * time.Millisecond)}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := jb.NextBackOff()
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jittered backoff should vary")
}

func TestClassifiedErrorInterface(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	classified := &ClassifiedError{
		Err:       originalErr,
		Type:      ErrorTypeNetwork,
		Severity:  SeverityLow,
		Component: "test",
		Operation: "test_op",
		Timestamp: time.Now(),
	}

	errStr := classified.Error()
	assert.Contains(t, errStr, "test/network")
	assert.Contains(t, errStr, "test_op")
	assert.Contains(t, errStr, "original error")

	assert.Equal(t, originalErr, classified.Unwrap())
	assert.True(t, errors.Is(classified, originalErr))

	assert.True(t, classified.Is(&ClassifiedError{Type: ErrorTypeNetwork}))
	assert.False(t, classified.Is(&ClassifiedError{Type: ErrorTypeTimeout}))
}

func TestUtilityFunctions(t *testing.T) {
	t.Run("IsRetryable", func(t *testing.T) {
		assert.True(t, IsRetryable(&ClassifiedError{Retryable: true}))
		assert.False(t, IsRetryable(&ClassifiedError{Retryable: false}))
		assert.False(t, IsRetryable(fmt.Errorf("regular error")))
	})

	t.Run("GetErrorType", func(t *testing.T) {
		assert.Equal(t, ErrorTypeNetwork, GetErrorType(&ClassifiedError{Type: ErrorTypeNetwork}))
		assert.Equal(t, ErrorTypeUnknown, GetErrorType(fmt.Errorf("regular error")))
	})

	t.Run("GetSeverity", func(t *testing.T) {
		assert.Equal(t, SeverityCritical, GetSeverity(&ClassifiedError{Severity: SeverityCritical}))
		assert.Equal(t, SeverityMedium, GetSeverity(fmt.Errorf("regular error")))
	})
}

func TestErrorStats(t *testing.T) {
	classifier := NewErrorClassifier(config.DefaultConfig().ErrorHandling, createTestLogger())

	for _, err := range []error{
		fmt.Errorf("connection refused"),
		fmt.Errorf("read timeout"),
		fmt.Errorf("connection refused"),
		&StatusError{StatusCode: 429},
	} {
		classifier.Classify(err, "test", "op")
	}

	stats := classifier.GetStats()
	assert.Equal(t, int64(2), stats[ErrorTypeNetwork].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeTimeout].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeRateLimit].Count)
	assert.False(t, stats[ErrorTypeNetwork].FirstSeen.IsZero())
}

type mockNetError struct {
	msg     string
	timeout bool
}

func (e mockNetError) Error() string   { return e.msg }
func (e mockNetError) Timeout() bool   { return e.timeout }
func (e mockNetError) Temporary() bool { return false }

func TestNetErrorInterface(t *testing.T) {
	timeoutErr := mockNetError{msg: "i/o", timeout: true}
	netErr := mockNetError{msg: "network error"}

	assert.True(t, isNetworkError(timeoutErr))
	assert.True(t, isNetworkError(netErr))
	assert.True(t, isTimeoutError(timeoutErr))
	assert.False(t, isTimeoutError(netErr))
}

func TestComponentSpecificRetryPolicy(t *testing.T) {
	cfg := config.DefaultConfig().ErrorHandling
	cfg.GlobalRetryPolicy.MaxAttempts = 3
	cfg.ComponentPolicies = map[string]config.RetryPolicyConfig{
		"download": {
			MaxAttempts:     5,
			InitialDelay:    "10ms",
			MaxDelay:        "50ms",
			BackoffStrategy: "fixed",
		},
	}

	classifier, _ := fastClassifier(cfg)

	assert.Equal(t, 5, classifier.getRetryPolicy("download").MaxAttempts)
	assert.Equal(t, 3, classifier.getRetryPolicy("klines").MaxAttempts)

	attempts := 0
	_ = classifier.Retry(context.Background(), "download", "get", func() error {
		attempts++
		return &StatusError{StatusCode: 500}
	})
	assert.Equal(t, 5, attempts)
}
