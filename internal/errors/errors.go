// Package errors provides error classification, retry policies and structured
// error reporting for the exchange and download layers.
// Errors are classified into types that decide whether an operation is worth
// retrying, and Retry drives the configured backoff strategy.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-tradebars/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 or exchange throttling
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeTemporary   ErrorType = "temporary"    // Temporary failures

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // HTTP 401/403
	ErrorTypeNotFound       ErrorType = "not_found"      // HTTP 404, archive not published
	ErrorTypeBadRequest     ErrorType = "bad_request"    // Other HTTP 4xx errors
	ErrorTypeValidation     ErrorType = "validation"     // Data validation errors
	ErrorTypeConfiguration  ErrorType = "configuration"  // Configuration errors
	ErrorTypeCanceled       ErrorType = "canceled"       // Caller canceled the context

	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StatusError is returned for an HTTP response with an unexpected status.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string        // First bytes of the response body, if any
	RetryAfter time.Duration // Parsed Retry-After header, zero if absent
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	if e.Status != "" {
		msg = fmt.Sprintf("unexpected HTTP status %s", e.Status)
	}
	if e.URL != "" {
		msg += " from " + e.URL
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Type maps the status code to an ErrorType.
func (e *StatusError) Type() ErrorType {
	switch {
	case e.StatusCode == 429 || e.StatusCode == 418:
		// Binance answers 418 once an IP keeps going after a 429.
		return ErrorTypeRateLimit
	case e.StatusCode >= 500:
		return ErrorTypeServerError
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrorTypeAuthentication
	case e.StatusCode == 404:
		return ErrorTypeNotFound
	case e.StatusCode == 408:
		return ErrorTypeTimeout
	case e.StatusCode >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err         error                  `json:"error"`
	Type        ErrorType              `json:"type"`
	Severity    Severity               `json:"severity"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	Context     map[string]interface{} `json:"context"`
	Timestamp   time.Time              `json:"timestamp"`
	Attempts    int                    `json:"attempts"`
	LastAttempt time.Time              `json:"last_attempt"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ErrorStats tracks error statistics for reporting
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
	Retries   int64     `json:"retries"`
}

// NewErrorClassifier creates a new error classifier with the given configuration
func NewErrorClassifier(config config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		config: config,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
		sleep:  sleepContext,
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	// backoff.Permanent marks an error the caller already knows is final.
	var perm *backoff.PermanentError
	permanent := errors.As(err, &perm)

	errorType := ec.classifyErrorType(err)
	severity := ec.determineSeverity(errorType)
	retryable := !permanent && ec.isRetryable(errorType)

	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severity,
		Retryable: retryable,
		Component: component,
		Operation: operation,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	var se *StatusError
	if errors.As(err, &se) {
		classified.Context["status_code"] = se.StatusCode
		if se.URL != "" {
			classified.Context["url"] = se.URL
		}
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", severity.String(),
		"retryable", retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type from typed errors first and
// falls back to message patterns.
func (ec *ErrorClassifier) classifyErrorType(err error) ErrorType {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Type()
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "too many visits") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "invalid credentials") {
		return ErrorTypeAuthentication
	}

	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "config") ||
		strings.Contains(errStr, "missing required") ||
		strings.Contains(errStr, "not configured") {
		return ErrorTypeConfiguration
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "service unavailable") {
		return ErrorTypeServerError
	}

	if strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "temporar") {
		return ErrorTypeTemporary
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"broken pipe",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func (ec *ErrorClassifier) determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest, ErrorTypeNotFound:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryable determines if an error type should be retried
func (ec *ErrorClassifier) isRetryable(errorType ErrorType) bool {
	if errorType == ErrorTypeCanceled {
		return false
	}

	for _, retryableType := range ec.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}

	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary:
		return true
	case ErrorTypeAuthentication, ErrorTypeBadRequest, ErrorTypeNotFound,
		ErrorTypeValidation, ErrorTypeConfiguration:
		return false
	default:
		// Unknown errors are retryable with caution
		return true
	}
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

func (ec *ErrorClassifier) recordRetry(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Retries++
	ec.stats[errorType] = stats
}

// Retry runs fn until it succeeds, returns a non-retryable error, exhausts the
// component's retry policy, or ctx is done.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.getRetryPolicy(component)
	strategy := ec.createBackoffStrategy(policy)

	var lastErr *ClassifiedError
	attempts := 0
	maxAttempts := policy.MaxAttempts

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled during retry: %w", err)
		}

		attempts++
		err := fn()
		if err == nil {
			if attempts > 1 {
				ec.logger.Debug("operation succeeded after retry",
					"component", component,
					"operation", operation,
					"attempts", attempts)
			}
			return nil
		}

		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts
		classified.LastAttempt = time.Now()
		lastErr = classified

		if !classified.Retryable || attempts >= maxAttempts {
			break
		}

		wait := strategy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > wait {
			wait = se.RetryAfter
		}

		ec.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error_type", classified.Type,
			"backoff", wait,
			"error", err.Error())
		ec.recordRetry(classified.Type)

		if err := ec.sleep(ctx, wait); err != nil {
			return fmt.Errorf("context canceled during backoff: %w", err)
		}
	}

	if !lastErr.Retryable {
		return lastErr
	}

	ec.logger.Error("operation failed after all retries",
		"component", component,
		"operation", operation,
		"attempts", attempts,
		"error", lastErr.Err.Error())
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// getRetryPolicy returns the retry policy for a component
func (ec *ErrorClassifier) getRetryPolicy(component string) config.RetryPolicyConfig {
	if policy, exists := ec.config.ComponentPolicies[component]; exists {
		return policy
	}
	return ec.config.GlobalRetryPolicy
}

// createBackoffStrategy creates a backoff strategy based on configuration
func (ec *ErrorClassifier) createBackoffStrategy(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, _ := time.ParseDuration(policy.InitialDelay)
	maxDelay, _ := time.ParseDuration(policy.MaxDelay)
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	var strategy backoff.BackOff

	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	case "linear":
		strategy = &LinearBackoff{
			interval: initialDelay,
			max:      maxDelay,
		}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.RandomizationFactor = 0
		exponential.MaxElapsedTime = 0
		exponential.Reset()
		strategy = exponential
	}

	if policy.Jitter {
		strategy = &JitteredBackoff{BackOff: strategy}
	}

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(retries))
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// LinearBackoff grows the delay by a fixed step up to max
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds ±10% jitter to another backoff strategy
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	jitter := float64(next) * 0.1
	offset := (2.0*rand.Float64() - 1.0) * jitter
	return next + time.Duration(offset)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Type()
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}
