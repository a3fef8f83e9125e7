package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgateway/gateway/internal/authz"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ttl := TTLTable{
		authz.SensitivityCritical: 60 * time.Second,
		authz.SensitivityHigh:     120 * time.Second,
		authz.SensitivityMedium:   180 * time.Second,
		authz.SensitivityLow:      300 * time.Second,
	}
	return NewStore(rdb, ttl, nil), mr
}

func TestStore_SetThenGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	fp := authz.Fingerprint("fp1")
	dec := authz.Decision{Allow: true, Reason: "allow"}

	require.NoError(t, s.Set(ctx, fp, dec, authz.SensitivityLow, "p1", "r1"))

	got, hit, err := s.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.True(t, got.Allow)
	assert.False(t, got.Stale)
}

func TestStore_MissReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	_, hit, err := s.Get(context.Background(), authz.Fingerprint("nope"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStore_StaleWhileRevalidate(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	fp := authz.Fingerprint("fp-critical")
	dec := authz.Decision{Allow: true, Reason: "allow"}

	require.NoError(t, s.Set(ctx, fp, dec, authz.SensitivityCritical, "p1", "r1"))

	// t=50 of a 60s TTL: past 70% elapsed (>42s), within the stale window.
	mr.FastForward(50 * time.Second)

	got, hit, err := s.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.True(t, got.Stale, "expected entry to be reported stale at 50/60s")

	var calls int32
	revalidate := func(context.Context) (authz.Decision, error) {
		atomic.AddInt32(&calls, 1)
		return authz.Decision{Allow: true, Reason: "revalidated"}, nil
	}

	s.ScheduleRevalidate(fp, authz.SensitivityCritical, "p1", "r1", revalidate)
	s.ScheduleRevalidate(fp, authz.SensitivityCritical, "p1", "r1", revalidate)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 10*time.Millisecond)

	// Single-flight: two overlapping calls for the same fingerprint
	// coalesce into at most one evaluator invocation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStore_HardTTLNeverExceeded(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	fp := authz.Fingerprint("fp-expiring")

	require.NoError(t, s.Set(ctx, fp, authz.Decision{Allow: true}, authz.SensitivityCritical, "", ""))
	mr.FastForward(61 * time.Second)

	_, hit, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStore_MediumNeverServesStale(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	fp := authz.Fingerprint("fp-medium")

	require.NoError(t, s.Set(ctx, fp, authz.Decision{Allow: true}, authz.SensitivityMedium, "", ""))
	mr.FastForward(170 * time.Second) // >94% of 180s TTL, still before hard expiry

	got, hit, err := s.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.False(t, got.Stale)
}

func TestStore_InvalidateByPrincipal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	fp1, fp2 := authz.Fingerprint("a"), authz.Fingerprint("b")

	require.NoError(t, s.Set(ctx, fp1, authz.Decision{Allow: true}, authz.SensitivityLow, "p1", "r1"))
	require.NoError(t, s.Set(ctx, fp2, authz.Decision{Allow: true}, authz.SensitivityLow, "p1", "r2"))

	require.NoError(t, s.Invalidate(ctx, "p1"))

	_, hit1, _ := s.Get(ctx, fp1)
	_, hit2, _ := s.Get(ctx, fp2)
	assert.False(t, hit1)
	assert.False(t, hit2)
}

func TestStore_GetBatchAndSetBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entries := []SetBatchEntry{
		{Fingerprint: "x", Decision: authz.Decision{Allow: true}, Tier: authz.SensitivityLow, PrincipalID: "p1"},
		{Fingerprint: "y", Decision: authz.Decision{Allow: false}, Tier: authz.SensitivityLow, PrincipalID: "p1"},
	}
	require.NoError(t, s.SetBatch(ctx, entries))

	results, err := s.GetBatch(ctx, []authz.Fingerprint{"x", "y", "z"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.True(t, results["x"].Allow)
	assert.False(t, results["y"].Allow)
	_, ok := results["z"]
	assert.False(t, ok)
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "fp1", authz.Decision{Allow: true}, authz.SensitivityLow, "p1", "r1"))
	require.NoError(t, s.Clear(ctx))
	_, hit, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, hit)
}
