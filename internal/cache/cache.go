// Package cache implements the Decision Cache: a Redis-backed,
// sensitivity-tiered, fingerprint-keyed store of Decisions with
// stale-while-revalidate and single-flight-coalesced background refresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
)

const (
	keyPrefix         = "authgateway:decision:"
	principalIdxPfx   = "authgateway:idx:principal:"
	resourceIdxPfx    = "authgateway:idx:resource:"
	defaultStaleFrac  = 0.30
)

// TTLTable maps a sensitivity tier to its cache entry lifetime.
// internal/config.DefaultCacheTTL produces the standard instance.
type TTLTable map[authz.Sensitivity]time.Duration

// entry is the JSON payload stored in Redis. Remaining lifetime is derived
// from Redis's own key TTL rather than a stored timestamp, so staleness
// tracks the same clock the backing store expires entries against.
type entry struct {
	Decision authz.Decision    `json:"decision"`
	Tier     authz.Sensitivity `json:"tier"`
	TTL      time.Duration     `json:"ttl"`
}

// Revalidate re-runs a policy evaluation for the fingerprint that produced
// a stale entry. Supplied by the pipeline, which alone holds the original
// AuthInput needed to call back into the Policy Engine.
type Revalidate func(ctx context.Context) (authz.Decision, error)

// Store is the Decision Cache.
type Store struct {
	rdb         *redis.Client
	ttl         TTLTable
	staleFrac   float64
	group       singleflight.Group
	metrics     *gatewaymetrics.Metrics
}

// NewStore constructs a Store. ttl supplies the sensitivity-to-duration
// table; a nil or zero-value entry for a tier falls back to 120s (the
// table's "unknown" row).
func NewStore(rdb *redis.Client, ttl TTLTable, m *gatewaymetrics.Metrics) *Store {
	return &Store{rdb: rdb, ttl: ttl, staleFrac: defaultStaleFrac, metrics: m}
}

func (s *Store) ttlFor(tier authz.Sensitivity) time.Duration {
	if d, ok := s.ttl[tier]; ok && d > 0 {
		return d
	}
	return 120 * time.Second
}

func fingerprintKey(fp authz.Fingerprint) string {
	return keyPrefix + string(fp)
}

// Get looks up fingerprint. The returned Decision has Stale set when the
// entry is within its last staleFrac of TTL for a critical/high tier; for
// medium/low tiers this method never reports stale; those tiers are
// treated as absent once softTTL (== hardTTL for them) elapses, which
// Redis's own key expiry already enforces.
func (s *Store) Get(ctx context.Context, fp authz.Fingerprint) (*authz.Decision, bool, error) {
	key := fingerprintKey(fp)

	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		s.recordOutcome("miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decision cache get: %w", err)
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		s.recordOutcome("miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decision cache get: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decision cache decode: %w", err)
	}

	remaining := ttlCmd.Val()
	if remaining <= 0 {
		// Hard-TTL invariant: never serve an entry past its hard TTL, even
		// if Redis's own expiry races with this read.
		s.recordOutcome("miss")
		return nil, false, nil
	}

	dec := e.Decision
	switch e.Tier {
	case authz.SensitivityCritical, authz.SensitivityHigh:
		if remaining <= time.Duration(float64(e.TTL)*s.staleFrac) {
			dec.Stale = true
		}
	}

	if dec.Stale {
		s.recordOutcome("stale")
		if s.metrics != nil {
			s.metrics.CacheStaleTotal.Inc()
		}
	} else {
		s.recordOutcome("hit")
	}
	return &dec, true, nil
}

func (s *Store) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.CacheHitsTotal.WithLabelValues(outcome).Inc()
	}
}

// Set writes decision under fingerprint with the TTL derived from tier,
// and registers the entry in the principal/resource reverse indexes used
// by Invalidate. principalID/resourceID may be empty when the respective
// dimension is not applicable to this AuthInput.
func (s *Store) Set(ctx context.Context, fp authz.Fingerprint, decision authz.Decision, tier authz.Sensitivity, principalID, resourceID string) error {
	ttl := s.ttlFor(tier)
	e := entry{Decision: decision, Tier: tier, TTL: ttl}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("decision cache encode: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, fingerprintKey(fp), raw, ttl)
	if principalID != "" {
		pipe.SAdd(ctx, principalIdxPfx+principalID, string(fp))
		pipe.Expire(ctx, principalIdxPfx+principalID, ttl+time.Minute)
	}
	if resourceID != "" {
		pipe.SAdd(ctx, resourceIdxPfx+resourceID, string(fp))
		pipe.Expire(ctx, resourceIdxPfx+resourceID, ttl+time.Minute)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("decision cache set: %w", err)
	}
	return nil
}

// GetBatch resolves every fingerprint in one pipelined round-trip (an MGET
// for values plus one PTTL per key, all on the same pipeline). Missing or
// hard-expired entries are simply absent from the returned map; staleness
// is computed per entry exactly as in Get.
func (s *Store) GetBatch(ctx context.Context, fps []authz.Fingerprint) (map[authz.Fingerprint]authz.Decision, error) {
	if len(fps) == 0 {
		return map[authz.Fingerprint]authz.Decision{}, nil
	}

	pipe := s.rdb.Pipeline()
	mgetCmd := pipe.MGet(ctx, fingerprintKeys(fps)...)
	ttlCmds := make([]*redis.DurationCmd, len(fps))
	for i, fp := range fps {
		ttlCmds[i] = pipe.PTTL(ctx, fingerprintKey(fp))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("decision cache get_batch: %w", err)
	}

	raws, err := mgetCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("decision cache get_batch: %w", err)
	}

	out := make(map[authz.Fingerprint]authz.Decision, len(fps))
	for i, raw := range raws {
		if raw == nil {
			s.recordOutcome("miss")
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			continue
		}
		remaining := ttlCmds[i].Val()
		if remaining <= 0 {
			s.recordOutcome("miss")
			continue
		}
		dec := e.Decision
		if (e.Tier == authz.SensitivityCritical || e.Tier == authz.SensitivityHigh) && remaining <= time.Duration(float64(e.TTL)*s.staleFrac) {
			dec.Stale = true
			s.recordOutcome("stale")
			if s.metrics != nil {
				s.metrics.CacheStaleTotal.Inc()
			}
		} else {
			s.recordOutcome("hit")
		}
		out[fps[i]] = dec
	}
	return out, nil
}

func fingerprintKeys(fps []authz.Fingerprint) []string {
	keys := make([]string, len(fps))
	for i, fp := range fps {
		keys[i] = fingerprintKey(fp)
	}
	return keys
}

// SetBatchEntry is one decision to persist via SetBatch.
type SetBatchEntry struct {
	Fingerprint authz.Fingerprint
	Decision    authz.Decision
	Tier        authz.Sensitivity
	PrincipalID string
	ResourceID  string
}

// SetBatch writes every entry in one pipelined round-trip.
func (s *Store) SetBatch(ctx context.Context, entries []SetBatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, se := range entries {
		ttl := s.ttlFor(se.Tier)
		e := entry{Decision: se.Decision, Tier: se.Tier, TTL: ttl}
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("decision cache batch encode: %w", err)
		}
		pipe.Set(ctx, fingerprintKey(se.Fingerprint), raw, ttl)
		if se.PrincipalID != "" {
			pipe.SAdd(ctx, principalIdxPfx+se.PrincipalID, string(se.Fingerprint))
			pipe.Expire(ctx, principalIdxPfx+se.PrincipalID, ttl+time.Minute)
		}
		if se.ResourceID != "" {
			pipe.SAdd(ctx, resourceIdxPfx+se.ResourceID, string(se.Fingerprint))
			pipe.Expire(ctx, resourceIdxPfx+se.ResourceID, ttl+time.Minute)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("decision cache set_batch: %w", err)
	}
	return nil
}

// ScheduleRevalidate coalesces concurrent stale reads of the same
// fingerprint into a single background call to revalidate, writing the
// fresh Decision back via Set. It never blocks the caller: the singleflight
// call runs in its own goroutine and duplicate callers for the same
// in-flight fingerprint are folded into that one call for free.
func (s *Store) ScheduleRevalidate(fp authz.Fingerprint, tier authz.Sensitivity, principalID, resourceID string, revalidate Revalidate) {
	s.group.DoChan(string(fp), func() (interface{}, error) {
		ctx := context.Background()
		dec, err := revalidate(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, fp, dec, tier, principalID, resourceID); err != nil {
			return nil, err
		}
		return dec, nil
	})
}

// Invalidate removes every cached Decision keyed against principalID.
func (s *Store) Invalidate(ctx context.Context, principalID string) error {
	return s.invalidateByIndex(ctx, principalIdxPfx+principalID)
}

// InvalidateResource removes every cached Decision keyed against resourceID.
func (s *Store) InvalidateResource(ctx context.Context, resourceID string) error {
	return s.invalidateByIndex(ctx, resourceIdxPfx+resourceID)
}

func (s *Store) invalidateByIndex(ctx context.Context, idxKey string) error {
	fps, err := s.rdb.SMembers(ctx, idxKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("decision cache invalidate: %w", err)
	}
	if len(fps) == 0 {
		return nil
	}
	keys := make([]string, len(fps))
	for i, fp := range fps {
		keys[i] = keyPrefix + fp
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, idxKey)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("decision cache invalidate: %w", err)
	}
	return nil
}

// Clear removes every cached Decision and index. Intended for
// administrative/test use only; production invalidation should use the
// targeted principal/resource forms.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "authgateway:*", 500).Result()
		if err != nil {
			return fmt.Errorf("decision cache clear: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("decision cache clear: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
