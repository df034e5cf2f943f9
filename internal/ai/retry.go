package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// RetryConfig bounds how hard the worker tries before giving up on a prompt
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout applies to each attempt, not the whole call
	Timeout time.Duration

	// Breaker opens after BreakerFailures consecutive transient failures and
	// stays open for BreakerCooldown. Zero BreakerFailures disables it.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultRetryConfig returns the retry settings used when config leaves them unset
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		Timeout:         5 * time.Minute,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// CircuitState is the state of a CircuitBreaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"CLOSED", "OPEN", "HALF_OPEN"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "UNKNOWN"
	}
	return circuitStateNames[s]
}

// ErrCircuitOpen is returned without calling the API while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker fails worker calls fast after repeated transient API failures.
// After the cooldown one probe is let through (half-open); probeSuccesses
// successful probes close it again and any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	state          CircuitState
	failures       int
	probes         int
	openedAt       time.Time
	maxFailures    int
	probeSuccesses int
	cooldown       time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(maxFailures, probeSuccesses int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:    maxFailures,
		probeSuccesses: probeSuccesses,
		cooldown:       cooldown,
		now:            time.Now,
	}
}

// Allow reports whether a call may be made now
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) <= cb.cooldown {
		return ErrCircuitOpen
	}
	cb.state = CircuitHalfOpen
	cb.probes = 0
	return nil
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probes++
		if cb.probes < cb.probeSuccesses {
			return
		}
		cb.state = CircuitClosed
	}
	cb.failures = 0
}

// RecordFailure records a transient failure
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// withRetry calls fn until it succeeds, fails permanently, or the attempts
// run out. Each attempt gets its own timeout. Only transient failures count
// against the breaker.
func (w *AnthropicWorker) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := w.retry.InitialBackoff
	attempts := w.retry.MaxRetries + 1

	var err error
	for attempt := 1; ; attempt++ {
		if w.breaker != nil {
			if berr := w.breaker.Allow(); berr != nil {
				w.logger.Warn("worker call rejected by circuit breaker", "operation", op)
				return fmt.Errorf("%s: %w", op, berr)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.retry.Timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			if w.breaker != nil {
				w.breaker.RecordSuccess()
			}
			if attempt > 1 {
				w.logger.Info("worker call recovered", "operation", op, "attempt", attempt)
			}
			return nil
		}
		if !isRetriableError(err) {
			return err
		}
		if w.breaker != nil {
			w.breaker.RecordFailure()
		}
		if attempt == attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
		}

		w.logger.Warn("worker call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", err,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-timer.C:
		}
		backoff = min(2*backoff, w.retry.MaxBackoff)
	}
}

// transientMessages are substrings of transport errors worth retrying
var transientMessages = []string{
	"rate limit",
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"eof",
}

// isRetriableError reports whether err is transient. Cancellation is not;
// a per-attempt deadline is.
func isRetriableError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// 529 overloaded falls in the 5xx range
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
