// Package session implements the Session Store: Redis-backed session
// lifecycle management with mandatory single-use refresh-token rotation.
// Replaying an already-consumed refresh token revokes the entire session
// family it belongs to, a deliberate trap for stolen tokens.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
)

const (
	sessionKeyPrefix = "authgateway:session:"
	refreshKeyPrefix = "authgateway:refresh:"
	familyKeyPrefix  = "authgateway:session-family:"

	refreshTokenBytes = 32
)

// Session is one logical sign-in. A refresh preserves the FamilyID across
// rotations so a stolen-token replay can revoke every session descended
// from the same original login.
type Session struct {
	ID            string              `json:"id"`
	FamilyID      string              `json:"family_id"`
	PrincipalID   string              `json:"principal_id"`
	Kind          authz.PrincipalKind `json:"kind"`
	Roles         []string            `json:"roles,omitempty"`
	Teams         []string            `json:"teams,omitempty"`
	Trust         authz.TrustLevel    `json:"trust,omitempty"`
	TTL           time.Duration       `json:"ttl"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
	LastTouchedAt time.Time           `json:"last_touched_at"`
	RevokedAt     *time.Time          `json:"revoked_at,omitempty"`
	CompromisedAt *time.Time          `json:"compromised_at,omitempty"`
}

// Active reports whether the session is neither expired, revoked, nor
// compromised as of now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.CompromisedAt == nil && now.Before(s.ExpiresAt)
}

// refreshRecord tracks one issued refresh token. Used stays in place after
// rotation (rather than deleting the record) so a replay of the same token
// can still be recognized and traced back to its family.
type refreshRecord struct {
	SessionID string `json:"session_id"`
	FamilyID  string `json:"family_id"`
	Used      bool   `json:"used"`
}

var (
	// ErrUnknownRefreshToken is returned for a refresh token this store never
	// issued (or one old enough to have expired out of Redis).
	ErrUnknownRefreshToken = errors.New("session: unknown refresh token")
	// ErrRefreshTokenReused is returned when a refresh token is presented a
	// second time; its entire session family has just been revoked.
	ErrRefreshTokenReused = errors.New("session: refresh token reuse detected, family revoked")
	// ErrSessionInactive is returned when the session behind a refresh token
	// is expired, revoked, or compromised.
	ErrSessionInactive = errors.New("session: session inactive")
)

// Store is the Session Store. It satisfies credentials.SessionChecker.
type Store struct {
	rdb        *redis.Client
	metrics    *gatewaymetrics.Metrics
	defaultTTL time.Duration

	// locksMu guards locks, a per-session mutex map serializing the
	// refresh critical section. Entries are never pruned,
	// matching the same lazily-grown, never-evicted map idiom the
	// Credential Verifier uses for its per-prefix rate limiters.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore constructs a Store. defaultTTL is used by Create when the caller
// passes a zero ttl.
func NewStore(rdb *redis.Client, defaultTTL time.Duration, m *gatewaymetrics.Metrics) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Store{
		rdb:        rdb,
		metrics:    m,
		defaultTTL: defaultTTL,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func sessionKey(id string) string   { return sessionKeyPrefix + id }
func familyKey(id string) string    { return familyKeyPrefix + id }
func refreshKey(hash string) string { return refreshKeyPrefix + hash }

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create starts a new session family for principal and returns the session
// plus its initial refresh token. ttl of zero uses the store's default.
func (s *Store) Create(ctx context.Context, principal *authz.Principal, ttl time.Duration) (*Session, string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	id := uuid.NewString()
	sess := &Session{
		ID:            id,
		FamilyID:      id,
		PrincipalID:   principal.ID,
		Kind:          principal.Kind,
		Roles:         principal.Roles,
		Teams:         principal.Teams,
		Trust:         principal.Trust,
		TTL:           ttl,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastTouchedAt: now,
	}

	token, err := newRefreshToken()
	if err != nil {
		return nil, "", err
	}

	if err := s.persistNewSession(ctx, sess, token); err != nil {
		return nil, "", err
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	return sess, token, nil
}

// persistNewSession writes sess and its refresh record with a TTL matching
// the session's remaining lifetime, and registers it in its family's member
// set, whose TTL runs one minute longer.
func (s *Store) persistNewSession(ctx context.Context, sess *Session, token string) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session: refusing to persist already-expired session")
	}

	sessRaw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	rec := refreshRecord{SessionID: sess.ID, FamilyID: sess.FamilyID}
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode refresh record: %w", err)
	}

	// The family set's expiry is extended generously past any one member's
	// TTL; the set outliving a member briefly is harmless since every
	// lookup re-checks the member session's own ExpiresAt.
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), sessRaw, ttl)
	pipe.Set(ctx, refreshKey(hashToken(token)), recRaw, ttl)
	pipe.SAdd(ctx, familyKey(sess.FamilyID), sess.ID)
	pipe.Expire(ctx, familyKey(sess.FamilyID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	return nil
}

// Lookup returns the session if it is present and still active, else
// (nil, nil).
func (s *Store) Lookup(ctx context.Context, sessionID string) (*Session, error) {
	sess, found, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found || !sess.Active(time.Now()) {
		return nil, nil
	}
	return sess, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, bool, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: load: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, fmt.Errorf("session: decode: %w", err)
	}
	return &sess, true, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second // let it expire on its own next tick rather than erroring
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// IsRevoked satisfies credentials.SessionChecker: it reports true for a
// session that is missing, expired, revoked, or compromised, so a single
// check covers every way a bearer token's session can have gone bad.
func (s *Store) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	sess, found, err := s.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return !sess.Active(time.Now()), nil
}

// Touch satisfies credentials.SessionChecker: it records liveness only. A
// lost race with a concurrent Touch or Refresh is harmless: it only
// affects an advisory timestamp, so it deliberately does not take the
// per-session lock.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) error {
	sess, found, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	sess.LastTouchedAt = now
	return s.save(ctx, sess)
}

// Revoke explicitly revokes one session (not its whole family).
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, found, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found || sess.RevokedAt != nil {
		return nil
	}
	now := time.Now()
	sess.RevokedAt = &now
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	return nil
}

// Refresh redeems a single-use refresh token for a new session in the same
// family, returning the carried-forward session and a freshly minted
// refresh token. Presenting an already-used token revokes the entire
// family and returns ErrRefreshTokenReused, a deliberate trap for stolen
// tokens.
func (s *Store) Refresh(ctx context.Context, token string) (*Session, string, error) {
	hash := hashToken(token)
	key := refreshKey(hash)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrUnknownRefreshToken
	}
	if err != nil {
		return nil, "", fmt.Errorf("session: refresh lookup: %w", err)
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("session: decode refresh record: %w", err)
	}

	lock := s.lockFor(rec.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under lock: a concurrent refresh of the same token may have
	// already flipped Used since the unlocked peek above.
	raw, err = s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrUnknownRefreshToken
	}
	if err != nil {
		return nil, "", fmt.Errorf("session: refresh lookup: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("session: decode refresh record: %w", err)
	}

	if rec.Used {
		if err := s.revokeFamily(ctx, rec.FamilyID); err != nil {
			return nil, "", err
		}
		if s.metrics != nil {
			s.metrics.RefreshReplayDetected.Inc()
		}
		return nil, "", ErrRefreshTokenReused
	}

	sess, found, err := s.load(ctx, rec.SessionID)
	if err != nil {
		return nil, "", err
	}
	if !found || !sess.Active(time.Now()) {
		return nil, "", ErrSessionInactive
	}

	rec.Used = true
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return nil, "", fmt.Errorf("session: encode refresh record: %w", err)
	}
	remaining := time.Until(sess.ExpiresAt)
	if remaining <= 0 {
		remaining = time.Second
	}
	if err := s.rdb.Set(ctx, key, recRaw, remaining).Err(); err != nil {
		return nil, "", fmt.Errorf("session: mark refresh token used: %w", err)
	}

	now := time.Now()
	next := &Session{
		ID:            uuid.NewString(),
		FamilyID:      sess.FamilyID,
		PrincipalID:   sess.PrincipalID,
		Kind:          sess.Kind,
		Roles:         sess.Roles,
		Teams:         sess.Teams,
		Trust:         sess.Trust,
		TTL:           sess.TTL,
		CreatedAt:     now,
		ExpiresAt:     now.Add(sess.TTL),
		LastTouchedAt: now,
	}
	nextToken, err := newRefreshToken()
	if err != nil {
		return nil, "", err
	}
	if err := s.persistNewSession(ctx, next, nextToken); err != nil {
		return nil, "", err
	}
	if s.metrics != nil {
		s.metrics.RefreshRotationsTotal.Inc()
		s.metrics.SessionsActive.Inc()
	}
	return next, nextToken, nil
}

// revokeFamily revokes and marks compromised every session descended from
// familyID. Their refresh records are left in place (still Used, in the
// common case) rather than deleted: IsRevoked/Lookup on the now-revoked
// session already denies any further use.
func (s *Store) revokeFamily(ctx context.Context, familyID string) error {
	ids, err := s.rdb.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: revoke family: %w", err)
	}
	now := time.Now()
	for _, id := range ids {
		sess, found, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if sess.CompromisedAt == nil {
			sess.CompromisedAt = &now
		}
		if sess.RevokedAt == nil {
			sess.RevokedAt = &now
			if s.metrics != nil {
				s.metrics.SessionsActive.Dec()
			}
		}
		if err := s.save(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}
