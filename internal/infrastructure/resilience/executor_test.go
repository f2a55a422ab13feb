package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func failingClassifier(error) ErrorClassification {
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 3,
		BreakerCooldown:         time.Minute,
	})

	errTemp := errors.New("boom")
	for i := 0; i < 3; i++ {
		snap := exec.Snapshot("op")
		if snap.State != gobreaker.StateClosed {
			t.Fatalf("breaker must stay closed before threshold, failure %d state %v", i, snap.State)
		}
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, failingClassifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("failure %d: expected upstream error, got %v", i, err)
		}
	}

	snap := exec.Snapshot("op")
	if snap.State != gobreaker.StateOpen {
		t.Fatalf("expected open after threshold, got %v", snap.State)
	}
	if snap.OpenedAt == nil {
		t.Fatalf("expected opened_at to be recorded")
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit is open and must not call the operation")
		return nil
	}, failingClassifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if !IsCircuitOpen(err) {
		t.Fatalf("IsCircuitOpen must recognize open state")
	}
}

func TestHalfOpenProbeSuccessResetsBreaker(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         20 * time.Millisecond,
	})

	errTemp := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, failingClassifier)
	}
	if exec.Snapshot("op").State != gobreaker.StateOpen {
		t.Fatalf("expected open breaker")
	}

	time.Sleep(30 * time.Millisecond)

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		return nil
	}, failingClassifier)
	if err != nil {
		t.Fatalf("half-open probe should have succeeded, got %v", err)
	}

	snap := exec.Snapshot("op")
	if snap.State != gobreaker.StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", snap.ConsecutiveFailures)
	}
	if snap.OpenedAt != nil {
		t.Fatalf("expected opened_at cleared after close")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         20 * time.Millisecond,
	})

	errTemp := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, failingClassifier)
	}

	time.Sleep(30 * time.Millisecond)

	_ = exec.Execute(context.Background(), "op", func(context.Context) error {
		return errTemp
	}, failingClassifier)

	if exec.Snapshot("op").State != gobreaker.StateOpen {
		t.Fatalf("expected breaker to reopen after failed probe")
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: 50 * time.Millisecond,
		BreakerEnabled:      false,
	})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	errTemp := errors.New("temporary")

	err := exec.Execute(ctx, "op", func(context.Context) error {
		attempts++
		cancel()
		return errTemp
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt after cancel, got %d", attempts)
	}
}

func TestStateChangeHookObservesTransitions(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         time.Minute,
	})

	type transition struct{ op, from, to string }
	var seen []transition
	exec.OnStateChange(func(op, from, to string) {
		seen = append(seen, transition{op, from, to})
	})

	errTemp := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = exec.Execute(context.Background(), "ted-europa", func(context.Context) error {
			return errTemp
		}, failingClassifier)
	}

	if len(seen) != 1 {
		t.Fatalf("expected one transition, got %v", seen)
	}
	got := seen[0]
	if got.op != "ted-europa" || got.from != gobreaker.StateClosed.String() || got.to != gobreaker.StateOpen.String() {
		t.Fatalf("unexpected transition %+v", got)
	}
}
