// Package credentials implements the Credential Verifier: turning
// bearer tokens and API keys into Principals.
package credentials

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/xerrors"
)

// SessionChecker is the subset of the Session Store the verifier
// consults for bearer tokens that reference server-side session state.
type SessionChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
	Touch(ctx context.Context, sessionID string, now time.Time) error
}

// APIKeyLookup resolves the stored bcrypt hash and bound principal for the
// non-secret prefix of a presented API key.
type APIKeyLookup interface {
	LookupByPrefix(ctx context.Context, prefix string) (hash string, principal *authz.Principal, ok bool, err error)
}

// GatewayClaims are the JWT claims the gateway issues and accepts.
type GatewayClaims struct {
	Roles     []string `json:"roles,omitempty"`
	Teams     []string `json:"teams,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Trust     string   `json:"trust,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	MFAAt     int64    `json:"mfa_at,omitempty"`
	jwt.RegisteredClaims
}

// Verifier implements verify_bearer, verify_api_key, and verify_agent.
type Verifier struct {
	publicKey  *rsa.PublicKey
	hmacSecret []byte
	clockSkew  time.Duration

	sessions SessionChecker
	apiKeys  APIKeyLookup

	// limiter, when set, is the shared (cross-instance) budget; the
	// in-memory limiters map is the single-node fallback.
	limiter RateLimiter

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// NewVerifier constructs a Verifier. Exactly one of publicKey/hmacSecret
// need be set, matching whichever signing algorithm the deployment uses.
func NewVerifier(publicKey *rsa.PublicKey, hmacSecret []byte, clockSkew time.Duration, sessions SessionChecker, apiKeys APIKeyLookup, ratePerSec float64, rateBurst int) *Verifier {
	return &Verifier{
		publicKey:  publicKey,
		hmacSecret: hmacSecret,
		clockSkew:  clockSkew,
		sessions:   sessions,
		apiKeys:    apiKeys,
		limiters:   make(map[string]*rate.Limiter),
		rateLimit:  rate.Limit(ratePerSec),
		rateBurst:  rateBurst,
	}
}

// invalidCredentials is the single reason surfaced to callers regardless
// of which sub-check actually failed, so a probing caller learns nothing
// about why a credential was rejected.
const invalidCredentials = "invalid credentials"

// VerifyBearer validates a signed bearer token and, if it carries a
// session id, confirms the session has not been revoked.
func (v *Verifier) VerifyBearer(ctx context.Context, token string) (*authz.Principal, error) {
	claims, err := v.parseAndValidate(token)
	if err != nil {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}

	if claims.SessionID != "" && v.sessions != nil {
		revoked, err := v.sessions.IsRevoked(ctx, claims.SessionID)
		if err != nil {
			return nil, xerrors.Unauthenticated(invalidCredentials)
		}
		if revoked {
			return nil, xerrors.Unauthenticated(invalidCredentials)
		}
		_ = v.sessions.Touch(ctx, claims.SessionID, time.Now())
	}

	return claimsToPrincipal(claims), nil
}

// VerifyAgent validates as VerifyBearer, additionally requiring the
// resulting Principal carry kind=agent and a recognized trust level.
func (v *Verifier) VerifyAgent(ctx context.Context, token string) (*authz.Principal, error) {
	p, err := v.VerifyBearer(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.Kind != authz.PrincipalAgent {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}
	switch p.Trust {
	case authz.TrustTrusted, authz.TrustLimited, authz.TrustUntrusted:
	default:
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}
	return p, nil
}

// VerifyAPIKey validates an API key of the form "<prefix>.<secret>"
// against a stored bcrypt hash, enforcing a per-prefix rate limit.
func (v *Verifier) VerifyAPIKey(ctx context.Context, key string) (*authz.Principal, error) {
	prefix, secret, ok := splitAPIKey(key)
	if !ok {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}

	if !v.allow(ctx, prefix) {
		return nil, xerrors.RateLimitExceeded(int(v.rateLimit), "1s")
	}

	if v.apiKeys == nil {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}
	hash, principal, found, err := v.apiKeys.LookupByPrefix(ctx, prefix)
	if err != nil || !found {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, xerrors.Unauthenticated(invalidCredentials)
	}

	return principal, nil
}

// WithRateLimiter switches API-key rate limiting to a shared limiter (the
// Redis-backed counter store); the in-memory fallback is bypassed.
func (v *Verifier) WithRateLimiter(rl RateLimiter) *Verifier {
	v.limiter = rl
	return v
}

func (v *Verifier) allow(ctx context.Context, prefix string) bool {
	if v.rateLimit <= 0 {
		return true
	}
	if v.limiter != nil {
		ok, _ := v.limiter.Allow(ctx, prefix)
		return ok
	}

	v.mu.Lock()
	limiter, found := v.limiters[prefix]
	if !found {
		limiter = rate.NewLimiter(v.rateLimit, v.rateBurst)
		v.limiters[prefix] = limiter
	}
	v.mu.Unlock()
	return limiter.Allow()
}

func splitAPIKey(key string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(key), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (v *Verifier) parseAndValidate(token string) (*GatewayClaims, error) {
	claims := &GatewayClaims{}
	parser := jwt.NewParser(jwt.WithLeeway(v.clockSkew))
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.publicKey == nil {
				return nil, fmt.Errorf("RS256 not configured")
			}
			return v.publicKey, nil
		case *jwt.SigningMethodHMAC:
			if len(v.hmacSecret) == 0 {
				return nil, fmt.Errorf("HS256 not configured")
			}
			return v.hmacSecret, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func claimsToPrincipal(c *GatewayClaims) *authz.Principal {
	kind := authz.PrincipalKind(c.Kind)
	switch kind {
	case authz.PrincipalUser, authz.PrincipalService, authz.PrincipalAgent:
	default:
		kind = authz.PrincipalUser
	}
	p := &authz.Principal{
		ID:        c.Subject,
		Kind:      kind,
		Roles:     c.Roles,
		Teams:     c.Teams,
		Trust:     authz.TrustLevel(c.Trust),
		SessionID: c.SessionID,
	}
	if c.MFAAt > 0 {
		p.MFAVerified = true
		p.MFAAt = time.Unix(c.MFAAt, 0)
	}
	return p
}

// FingerprintCredential returns a stable, non-reversible fingerprint of a
// raw credential suitable for audit logging. The raw credential itself is
// never logged.
func FingerprintCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
