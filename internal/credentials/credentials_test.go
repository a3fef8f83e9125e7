package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/xerrors"
)

var testSecret = []byte("unit-test-hmac-secret")

type stubSessions struct {
	revoked map[string]bool
	touched []string
}

func (s *stubSessions) IsRevoked(_ context.Context, id string) (bool, error) {
	return s.revoked[id], nil
}

func (s *stubSessions) Touch(_ context.Context, id string, _ time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

type stubAPIKeys struct {
	hash      string
	principal *authz.Principal
}

func (s *stubAPIKeys) LookupByPrefix(_ context.Context, prefix string) (string, *authz.Principal, bool, error) {
	if s.principal == nil {
		return "", nil, false, nil
	}
	return s.hash, s.principal, true, nil
}

func signHS256(t *testing.T, claims GatewayClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func baseClaims(sub string, ttl time.Duration) GatewayClaims {
	now := time.Now()
	return GatewayClaims{
		Roles: []string{"developer"},
		Teams: []string{"t1"},
		Kind:  "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func newHS256Verifier(sessions SessionChecker, apiKeys APIKeyLookup) *Verifier {
	return NewVerifier(nil, testSecret, 30*time.Second, sessions, apiKeys, 0, 0)
}

func TestVerifyBearer_Valid(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	claims := baseClaims("u1", time.Hour)
	claims.MFAAt = time.Now().Add(-10 * time.Minute).Unix()

	p, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.NoError(t, err)
	require.Equal(t, "u1", p.ID)
	require.Equal(t, authz.PrincipalUser, p.Kind)
	require.Equal(t, []string{"developer"}, p.Roles)
	require.Equal(t, []string{"t1"}, p.Teams)
	require.True(t, p.MFAVerified)
	require.WithinDuration(t, time.Now().Add(-10*time.Minute), p.MFAAt, 5*time.Second)
}

func TestVerifyBearer_Expired(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	claims := baseClaims("u1", -5*time.Minute)

	_, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.Error(t, err)
	require.Equal(t, xerrors.ErrCodeUnauthenticated, xerrors.As(err).Code)
	require.Contains(t, err.Error(), "invalid credentials")
	require.NotContains(t, err.Error(), "expired")
}

func TestVerifyBearer_ExpiredWithinSkew(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	claims := baseClaims("u1", -10*time.Second) // inside the 30s leeway

	_, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.NoError(t, err)
}

func TestVerifyBearer_NotYetValid(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	claims := baseClaims("u1", time.Hour)
	claims.NotBefore = jwt.NewNumericDate(time.Now().Add(5 * time.Minute))

	_, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.Error(t, err)
}

func TestVerifyBearer_WrongSecret(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims("u1", time.Hour)).
		SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	_, err = v.VerifyBearer(context.Background(), token)
	require.Error(t, err)
	require.Equal(t, xerrors.ErrCodeUnauthenticated, xerrors.As(err).Code)
}

func TestVerifyBearer_UnsignedRejected(t *testing.T) {
	v := newHS256Verifier(nil, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims("u1", time.Hour)).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.VerifyBearer(context.Background(), token)
	require.Error(t, err)
}

func TestVerifyBearer_RevokedSession(t *testing.T) {
	sessions := &stubSessions{revoked: map[string]bool{"s1": true}}
	v := newHS256Verifier(sessions, nil)
	claims := baseClaims("u1", time.Hour)
	claims.SessionID = "s1"

	_, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.Error(t, err)
	require.Equal(t, xerrors.ErrCodeUnauthenticated, xerrors.As(err).Code)
	require.Empty(t, sessions.touched)
}

func TestVerifyBearer_LiveSessionTouched(t *testing.T) {
	sessions := &stubSessions{revoked: map[string]bool{}}
	v := newHS256Verifier(sessions, nil)
	claims := baseClaims("u1", time.Hour)
	claims.SessionID = "s2"

	p, err := v.VerifyBearer(context.Background(), signHS256(t, claims))
	require.NoError(t, err)
	require.Equal(t, "s2", p.SessionID)
	require.Equal(t, []string{"s2"}, sessions.touched)
}

func TestVerifyAgent(t *testing.T) {
	v := newHS256Verifier(nil, nil)

	agent := baseClaims("a1", time.Hour)
	agent.Kind = "agent"
	agent.Trust = "limited"
	p, err := v.VerifyAgent(context.Background(), signHS256(t, agent))
	require.NoError(t, err)
	require.Equal(t, authz.PrincipalAgent, p.Kind)
	require.Equal(t, authz.TrustLimited, p.Trust)

	// A user token is not acceptable on the agent path.
	_, err = v.VerifyAgent(context.Background(), signHS256(t, baseClaims("u1", time.Hour)))
	require.Error(t, err)

	// Agent kind without a recognized trust level is rejected too.
	noTrust := baseClaims("a2", time.Hour)
	noTrust.Kind = "agent"
	_, err = v.VerifyAgent(context.Background(), signHS256(t, noTrust))
	require.Error(t, err)
}

func TestVerifyAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &stubAPIKeys{
		hash:      string(hash),
		principal: &authz.Principal{ID: "svc-a", Kind: authz.PrincipalService},
	}
	v := newHS256Verifier(nil, keys)

	p, err := v.VerifyAPIKey(context.Background(), "ak1.s3cret")
	require.NoError(t, err)
	require.Equal(t, "svc-a", p.ID)

	_, err = v.VerifyAPIKey(context.Background(), "ak1.wrong")
	require.Error(t, err)
	require.Equal(t, xerrors.ErrCodeUnauthenticated, xerrors.As(err).Code)

	_, err = v.VerifyAPIKey(context.Background(), "no-separator")
	require.Error(t, err)
}

func TestVerifyAPIKey_RateLimited(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &stubAPIKeys{
		hash:      string(hash),
		principal: &authz.Principal{ID: "svc-a", Kind: authz.PrincipalService},
	}
	v := NewVerifier(nil, testSecret, 30*time.Second, nil, keys, 1, 1)

	_, err = v.VerifyAPIKey(context.Background(), "ak1.s3cret")
	require.NoError(t, err)

	_, err = v.VerifyAPIKey(context.Background(), "ak1.s3cret")
	require.Error(t, err)
	require.Equal(t, xerrors.ErrCodeRateLimitExceeded, xerrors.As(err).Code)
}

func TestFingerprintCredential(t *testing.T) {
	fp := FingerprintCredential("Bearer abc123")
	require.Len(t, fp, 16)
	require.Equal(t, fp, FingerprintCredential("Bearer abc123"))
	require.NotEqual(t, fp, FingerprintCredential("Bearer abc124"))
	require.NotContains(t, fp, "abc123")
}
