package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// BreakerSnapshot is a point-in-time view of one operation's circuit,
// exposed for source-health diagnostics and the pre-fetch canary.
type BreakerSnapshot struct {
	State               gobreaker.State
	ConsecutiveFailures uint32
	OpenedAt            *time.Time
}

type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	// openMu guards openedAt separately: gobreaker invokes
	// OnStateChange while a Snapshot caller may be probing State().
	openMu    sync.Mutex
	openedAt  map[string]time.Time
	stateHook func(operation, from, to string)
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		openedAt: make(map[string]time.Time),
	}
}

// OnStateChange installs an observer for breaker transitions, called
// with the operation name and the state pair. Install before the first
// Execute; the hook runs on gobreaker's transition path and must not
// block.
func (e *Executor) OnStateChange(hook func(operation, from, to string)) {
	e.openMu.Lock()
	e.stateHook = hook
	e.openMu.Unlock()
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = defaultClassifier
	}

	if !e.cfg.BreakerEnabled {
		return e.executeWithRetry(ctx, op, fn, classifier)
	}

	breaker := e.circuitBreaker(op, classifier)
	_, err := breaker.Execute(func() (any, error) {
		return nil, e.executeWithRetry(ctx, op, fn, classifier)
	})
	return err
}

// Snapshot reports the circuit state for an operation. Operations that
// never executed report a closed breaker.
func (e *Executor) Snapshot(operation string) BreakerSnapshot {
	e.mu.Lock()
	breaker, ok := e.breakers[operation]
	e.mu.Unlock()
	if !ok {
		return BreakerSnapshot{State: gobreaker.StateClosed}
	}

	snap := BreakerSnapshot{
		State:               breaker.State(),
		ConsecutiveFailures: breaker.Counts().ConsecutiveFailures,
	}

	e.openMu.Lock()
	if opened, ok := e.openedAt[operation]; ok && snap.State != gobreaker.StateClosed {
		openedCopy := opened
		snap.OpenedAt = &openedCopy
	}
	e.openMu.Unlock()
	return snap
}

func (e *Executor) executeWithRetry(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	maxAttempts := e.cfg.RetryMaxAttempts
	backoff := e.cfg.RetryInitialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		class := classifier(err)
		if !class.Retryable || attempt == maxAttempts {
			return err
		}

		wait := jittered(backoff, e.cfg.RetryJitter)
		if wait > e.cfg.RetryMaxBackoff {
			wait = e.cfg.RetryMaxBackoff
		}
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}

		backoff = time.Duration(float64(backoff) * e.cfg.RetryMultiplier)
		if backoff > e.cfg.RetryMaxBackoff {
			backoff = e.cfg.RetryMaxBackoff
		}
	}

	return nil
}

func (e *Executor) circuitBreaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[operation]; ok {
		return breaker
	}

	settings := gobreaker.Settings{
		Name: operation,
		// Exactly one half-open probe decides reopen vs. reset.
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.cfg.BreakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			class := classifier(err)
			return !class.RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.openMu.Lock()
			switch to {
			case gobreaker.StateOpen:
				e.openedAt[name] = time.Now().UTC()
			case gobreaker.StateClosed:
				delete(e.openedAt, name)
			}
			hook := e.stateHook
			e.openMu.Unlock()
			if hook != nil {
				hook(name, from.String(), to.String())
			}
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[operation] = breaker
	return breaker
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := 1 + jitter*(rand.Float64()*2-1)
	return time.Duration(float64(d) * spread)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
