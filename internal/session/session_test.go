package session

import (
	"context"
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
	return NewStore(rdb, time.Hour, nil), mr
}

func testPrincipal() *authz.Principal {
	return &authz.Principal{ID: "u1", Kind: authz.PrincipalUser, Roles: []string{"developer"}}
}

func TestStore_CreateThenLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, token, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, sess.ID, sess.FamilyID)

	got, err := s.Lookup(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.PrincipalID)
}

func TestStore_LookupMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_IsRevokedFalseForFreshSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	revoked, err := s.IsRevoked(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStore_RevokeMakesSessionInactive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, sess.ID))

	revoked, err := s.IsRevoked(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	got, err := s.Lookup(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_TouchUpdatesLastTouched(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	later := sess.LastTouchedAt.Add(5 * time.Minute)
	require.NoError(t, s.Touch(ctx, sess.ID, later))

	got, err := s.Lookup(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastTouchedAt.Equal(later))
}

// TestStore_RefreshTokenReplayRevokesFamily: a session S is created with
// refresh token R0; refreshing with R0 rotates to (S', R1); refreshing
// with R0 again must fail and revoke both S and S'.
func TestStore_RefreshTokenReplayRevokesFamily(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, r0, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	rotated, r1, err := s.Refresh(ctx, r0)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, rotated.ID)
	assert.Equal(t, sess.FamilyID, rotated.FamilyID)
	assert.NotEqual(t, r0, r1)

	_, _, err = s.Refresh(ctx, r0)
	assert.ErrorIs(t, err, ErrRefreshTokenReused)

	revokedOrig, err := s.IsRevoked(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, revokedOrig, "original session must be revoked after replay")

	revokedRotated, err := s.IsRevoked(ctx, rotated.ID)
	require.NoError(t, err)
	assert.True(t, revokedRotated, "rotated session must also be revoked after replay")

	_, _, err = s.Refresh(ctx, r1)
	assert.Error(t, err, "the rotated token must no longer work once its family is revoked")
}

func TestStore_RefreshUnknownTokenFails(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Refresh(context.Background(), "not-a-real-token")
	assert.ErrorIs(t, err, ErrUnknownRefreshToken)
}

func TestStore_RefreshOfRevokedSessionFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, r0, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, sess.ID))

	_, _, err = s.Refresh(ctx, r0)
	assert.ErrorIs(t, err, ErrSessionInactive)
}

// TestStore_ConcurrentRefreshOfSameTokenHasExactlyOneWinner exercises the
// per-session lock on the refresh critical section: many
// goroutines racing to refresh the same token must yield exactly one
// rotation and the rest must observe it as already used.
func TestStore_ConcurrentRefreshOfSameTokenHasExactlyOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, r0, err := s.Create(ctx, testPrincipal(), time.Hour)
	require.NoError(t, err)

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, err := s.Refresh(ctx, r0)
			results <- err
		}()
	}

	successes := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent refresh of the same token should succeed")
}

func TestStore_CreateDefaultTTLAppliedWhenZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.Create(ctx, testPrincipal(), 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sess.TTL)
}
