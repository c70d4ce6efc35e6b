package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, recovery time.Duration) *Breaker {
	return NewBreaker(BreakerSettings{
		Name:             "test-dep",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		CallTimeout:      50 * time.Millisecond,
	})
}

func TestBreakerOpensOnFirstFailureWithThresholdOne(t *testing.T) {
	b := testBreaker(1, time.Minute)
	err := b.Execute(context.Background(), func(context.Context) error {
		return errors.New("dispatch failed")
	})
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorDependencyFailure {
		t.Fatalf("expected dependency_failure, got %v", err)
	}
	// The fallback must fire within the same call, not on a retry: the
	// breaker is already open before the caller regains control.
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state=%s, want open", got)
	}
}

func TestBreakerShortCircuitsWhileOpen(t *testing.T) {
	b := testBreaker(1, time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected short-circuit error")
	}
	if called {
		t.Fatal("open breaker must not touch the dependency")
	}
}

func TestBreakerThresholdCountsConsecutiveFailures(t *testing.T) {
	b := testBreaker(3, time.Minute)
	fail := func(context.Context) error { return errors.New("boom") }
	ok := func(context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state=%s after 2 of 3 failures, want closed", got)
	}
	// A success resets the consecutive count.
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("success call: %v", err)
	}
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state=%s after 3 consecutive failures, want open", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := testBreaker(1, 10*time.Millisecond)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state=%s, want open", got)
	}

	now = now.Add(20 * time.Millisecond)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state=%s after recovery timeout, want half_open", got)
	}
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state=%s after successful trial, want closed", got)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := testBreaker(2, 10*time.Millisecond)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	fail := func(context.Context) error { return errors.New("boom") }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	now = now.Add(20 * time.Millisecond)

	_ = b.Execute(context.Background(), fail)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state=%s after half-open failure, want open", got)
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	b := testBreaker(1, time.Minute)
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected timeout to surface as a failure")
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state=%s after timeout, want open", got)
	}
}
