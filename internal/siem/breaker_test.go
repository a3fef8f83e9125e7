package siem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgateway/gateway/infrastructure/resilience"
)

func TestSinkBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := newSinkBreaker(2, 10*time.Millisecond, time.Second)
	ctx := context.Background()
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, resilience.StateOpen, b.State())
}

func TestSinkBreaker_EscalatesCooldownOnRepeatedProbeFailure(t *testing.T) {
	b := newSinkBreaker(1, 10*time.Millisecond, 200*time.Millisecond)
	ctx := context.Background()
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Execute(ctx, failing)) // Closed -> Open
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.Equal(t, 10*time.Millisecond, b.cooldown)

	time.Sleep(15 * time.Millisecond) // past the base cooldown
	require.Error(t, b.Execute(ctx, failing)) // Open -> HalfOpen probe -> fails -> Open, escalated
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.Equal(t, 20*time.Millisecond, b.cooldown, "a failed probe must double the cooldown")
}

func TestSinkBreaker_ResetsCooldownOnClose(t *testing.T) {
	b := newSinkBreaker(1, 10*time.Millisecond, 200*time.Millisecond)
	ctx := context.Background()
	failing := func() error { return errors.New("boom") }
	succeeding := func() error { return nil }

	require.Error(t, b.Execute(ctx, failing)) // Closed -> Open
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, succeeding)) // Open -> HalfOpen probe -> succeeds -> Closed
	assert.Equal(t, resilience.StateClosed, b.State())
	assert.Equal(t, 10*time.Millisecond, b.cooldown)
}

func TestSinkBreaker_CooldownCappedAtMax(t *testing.T) {
	b := newSinkBreaker(1, 10*time.Millisecond, 25*time.Millisecond)
	ctx := context.Background()
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Execute(ctx, failing)) // Open, cooldown=10ms
	time.Sleep(15 * time.Millisecond)
	require.Error(t, b.Execute(ctx, failing)) // re-open, cooldown would be 20ms
	assert.Equal(t, 20*time.Millisecond, b.cooldown)
	time.Sleep(25 * time.Millisecond)
	require.Error(t, b.Execute(ctx, failing)) // re-open, cooldown would be 40ms, capped to 25ms
	assert.Equal(t, 25*time.Millisecond, b.cooldown)
}
