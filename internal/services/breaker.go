package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings parameterizes one protected dependency.
type BreakerSettings struct {
	// Name identifies the dependency in logs and audit entries.
	Name string
	// FailureThreshold is the count of consecutive failures before the
	// breaker opens. The crisis escalation dependency uses 1.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before
	// admitting a trial call.
	RecoveryTimeout time.Duration
	// CallTimeout bounds a wrapped call; exceeding it counts as a
	// failure exactly like an explicit error.
	CallTimeout time.Duration
}

// Breaker is a three-state circuit breaker. State transitions take an
// exclusive lock; the wrapped call itself runs outside the lock so
// independent sessions never serialize on each other's I/O.
type Breaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	return &Breaker{
		settings: settings,
		now:      func() time.Time { return time.Now() },
		state:    BreakerClosed,
	}
}

// State reports the current breaker state, accounting for recovery
// timeout expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute runs call through the breaker. When the breaker is open the
// call is short-circuited and a dependency failure is returned without
// touching the dependency; the caller substitutes its safe fallback.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) error) error {
	if !b.admit() {
		return NewDependencyFailureError(fmt.Sprintf("%s: circuit open", b.settings.Name))
	}
	err := b.run(ctx, call)
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) run(ctx context.Context, call func(context.Context) error) error {
	if b.settings.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- call(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return NewDependencyFailureError(fmt.Sprintf("%s: %v", b.settings.Name, err))
		}
		return nil
	case <-ctx.Done():
		return NewDependencyFailureError(fmt.Sprintf("%s: %v", b.settings.Name, ctx.Err()))
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == BreakerHalfOpen {
			log.Printf("breaker %s: trial call succeeded, closing", b.settings.Name)
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.settings.FailureThreshold {
		if b.state != BreakerOpen {
			log.Printf("breaker %s: opening after %d consecutive failure(s)", b.settings.Name, b.failures)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
