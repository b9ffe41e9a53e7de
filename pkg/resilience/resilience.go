package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

func (s CircuitBreakerState) gaugeValue() float64 {
	switch s {
	case CircuitBreakerHalfOpen:
		return 1
	case CircuitBreakerOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy bounds how an upstream call is attempted
type Policy struct {
	Timeout          time.Duration // per attempt
	MaxAttempts      int
	Backoff          time.Duration // delay before attempt n+1 is n*Backoff
	MaxBackoff       time.Duration
	FailureThreshold int           // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open before a trial call
}

// DefaultPolicy returns the policy used for media provider calls
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          10 * time.Second,
		MaxAttempts:      3,
		Backoff:          200 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. It does not count against the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Executor runs upstream calls with a per-attempt timeout, bounded retries with
// increasing backoff, and a circuit breaker shared by every operation routed
// through Do or Once.
type Executor struct {
	name    string
	policy  Policy
	metrics *metrics.Metrics

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time
}

// NewExecutor creates an executor. m may be nil.
func NewExecutor(name string, policy Policy, m *metrics.Metrics) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.FailureThreshold < 1 {
		policy.FailureThreshold = DefaultPolicy().FailureThreshold
	}
	return &Executor{
		name:    name,
		policy:  policy,
		metrics: m,
		state:   CircuitBreakerClosed,
		now:     time.Now,
	}
}

// Do runs fn up to MaxAttempts times. Each attempt gets its own timeout.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return e.run(ctx, operation, e.policy.MaxAttempts, fn)
}

// Once runs fn a single time under the per-attempt timeout.
// Use it for operations that are unsafe to repeat.
func (e *Executor) Once(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return e.run(ctx, operation, 1, fn)
}

// BestEffort runs fn once without feeding its outcome into the breaker.
// It is skipped while the breaker is open.
func (e *Executor) BestEffort(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if e.blocked() {
		e.metrics.RecordMediaRequest(operation, "circuit_open", time.Since(start))
		return fmt.Errorf("%s %s: %w", e.name, operation, ErrCircuitOpen)
	}

	if err := e.attempt(ctx, fn); err != nil {
		e.metrics.RecordMediaRequest(operation, "failure", time.Since(start))
		return err
	}
	e.metrics.RecordMediaRequest(operation, "success", time.Since(start))
	return nil
}

func (e *Executor) run(ctx context.Context, operation string, maxAttempts int, fn func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !e.allow() {
			e.metrics.RecordMediaRequest(operation, "circuit_open", time.Since(start))
			return fmt.Errorf("%s %s: %w", e.name, operation, ErrCircuitOpen)
		}

		if attempt > 1 {
			logger.Warn("Upstream operation retry",
				zap.String("upstream", e.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		lastErr = e.attempt(ctx, fn)
		if lastErr == nil {
			e.onSuccess()
			e.metrics.RecordMediaRequest(operation, "success", time.Since(start))
			return nil
		}

		if IsPermanent(lastErr) || ctx.Err() != nil {
			break
		}
		e.onFailure(operation)

		if attempt == maxAttempts {
			break
		}

		backoff := e.backoff(attempt)
		select {
		case <-ctx.Done():
			e.metrics.RecordMediaRequest(operation, "failure", time.Since(start))
			return fmt.Errorf("%s %s: %w", e.name, operation, ctx.Err())
		case <-time.After(backoff):
		}
	}

	e.metrics.RecordMediaRequest(operation, "failure", time.Since(start))
	logger.Warn("Upstream operation failed",
		zap.String("upstream", e.name),
		zap.String("operation", operation),
		zap.String("error_type", classifyError(lastErr)),
		zap.Error(lastErr),
	)
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) backoff(attempt int) time.Duration {
	backoff := time.Duration(attempt) * e.policy.Backoff
	if e.policy.MaxBackoff > 0 && backoff > e.policy.MaxBackoff {
		backoff = e.policy.MaxBackoff
	}
	return backoff
}

// allow reports whether a call may proceed, moving open to half-open once the cooldown passed
func (e *Executor) allow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != CircuitBreakerOpen {
		return true
	}
	if e.now().Sub(e.openedAt) < e.policy.OpenTimeout {
		return false
	}
	e.setState(CircuitBreakerHalfOpen)
	logger.Warn("Circuit breaker HALF-OPEN - allowing trial request", zap.String("upstream", e.name))
	return true
}

// blocked reports whether the breaker is open and still cooling down
func (e *Executor) blocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == CircuitBreakerOpen && e.now().Sub(e.openedAt) < e.policy.OpenTimeout
}

func (e *Executor) onSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures = 0
	if e.state != CircuitBreakerClosed {
		e.setState(CircuitBreakerClosed)
		logger.Info("Circuit breaker CLOSED - upstream recovered", zap.String("upstream", e.name))
	}
}

func (e *Executor) onFailure(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	if e.state == CircuitBreakerHalfOpen || e.consecutiveFailures >= e.policy.FailureThreshold {
		if e.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("upstream", e.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", e.consecutiveFailures),
			)
		}
		e.openedAt = e.now()
		e.setState(CircuitBreakerOpen)
	}
}

// setState must be called with mu held
func (e *Executor) setState(state CircuitBreakerState) {
	e.state = state
	e.metrics.SetCircuitBreakerState(e.name, state.gaugeValue())
}

// State returns the current circuit breaker state
func (e *Executor) State() CircuitBreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// classifyError classifies errors for logging
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_breaker"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "unknown"
	}
}
