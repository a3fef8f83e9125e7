package siem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authgateway/gateway/infrastructure/resilience"
)

// sinkBreaker wraps resilience.CircuitBreaker to add the one behavior it
// doesn't have: a re-open cooldown that doubles on every failed probe,
// capped at maxCooldown, and resets to baseCooldown once the circuit
// closes again.
// resilience.CircuitBreaker's Timeout is fixed at construction time, so
// escalation is implemented by swapping in a freshly built breaker rather
// than mutating the wrapped instance.
type sinkBreaker struct {
	mu           sync.Mutex
	cb           *resilience.CircuitBreaker
	maxFailures  int
	baseCooldown time.Duration
	cooldown     time.Duration
	maxCooldown  time.Duration
}

func newSinkBreaker(maxFailures int, baseCooldown, maxCooldown time.Duration) *sinkBreaker {
	b := &sinkBreaker{
		maxFailures:  maxFailures,
		baseCooldown: baseCooldown,
		cooldown:     baseCooldown,
		maxCooldown:  maxCooldown,
	}
	b.cb = b.build(baseCooldown, false)
	return b
}

// errTrip is the synthetic failure used to pre-trip a rebuilt breaker.
var errTrip = errors.New("trip")

// build returns a breaker whose open state lasts cooldown. A rebuilt breaker
// starts Closed, so when the swap happens mid-outage (tripped=true) it is fed
// enough synthetic failures to open immediately, which also starts the new
// cooldown clock from now.
func (b *sinkBreaker) build(cooldown time.Duration, tripped bool) *resilience.CircuitBreaker {
	cb := resilience.New(resilience.Config{
		MaxFailures: b.maxFailures,
		Timeout:     cooldown,
		HalfOpenMax: 1,
	})
	if tripped {
		n := b.maxFailures
		if n <= 0 {
			n = 5 // resilience.New's own floor
		}
		for i := 0; i < n; i++ {
			_ = cb.Execute(context.Background(), func() error { return errTrip })
		}
	}
	return cb
}

// Execute runs fn through the circuit breaker. With HalfOpenMax=1 the
// underlying breaker's HalfOpen -> (probe) -> Open/Closed transition happens
// entirely inside one cb.Execute call, so the only way to tell a failed
// probe apart from a fast-fail (circuit still open, fn never ran) is the
// error: a fast-fail returns exactly resilience.ErrCircuitOpen without ever
// invoking fn, while a probe failure returns fn's own error. State() resolves
// the open-timeout lazily, so an expired breaker reads HalfOpen before the
// probe runs.
func (b *sinkBreaker) Execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	cb := b.cb
	preState := cb.State()
	b.mu.Unlock()

	err := cb.Execute(ctx, fn)
	cur := cb.State()

	probeFailed := cur == resilience.StateOpen &&
		(preState == resilience.StateOpen || preState == resilience.StateHalfOpen) &&
		err != nil &&
		!errors.Is(err, resilience.ErrCircuitOpen) &&
		!errors.Is(err, resilience.ErrTooManyRequests)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case probeFailed:
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.cb = b.build(b.cooldown, true)
	case cur == resilience.StateClosed && b.cooldown != b.baseCooldown:
		b.cooldown = b.baseCooldown
		b.cb = b.build(b.baseCooldown, false)
	}
	return err
}

func (b *sinkBreaker) State() resilience.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State()
}
