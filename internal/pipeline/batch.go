package pipeline

import (
	"context"

	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/cache"
	"github.com/authgateway/gateway/internal/credentials"
)

// BatchItem is one entry of a batch authorization request; all items in a
// BatchRequest share the same authenticated Credential.
type BatchItem struct {
	Action         string
	ResourceID     string
	CapabilityName string
	Parameters     map[string]any
	Context        authz.Context
}

// BatchRequest is the input to AuthorizeBatch.
type BatchRequest struct {
	Credential Credential
	Items      []BatchItem
}

type batchEntry struct {
	item      BatchItem
	err       error // set if resource/capability resolution failed
	res       resolved
	in        authz.AuthInput
	fp        authz.Fingerprint
	tier      authz.Sensitivity
	bypass    bool // emergency override: always fresh, never cached
	decision  authz.Decision
	fromCache bool
}

// AuthorizeBatch evaluates many requests in one pass: results preserve
// input order and no two items share evaluation state, but fingerprint
// deduplication means identical items hit the Policy Engine and Decision
// Cache only once.
func (p *Pipeline) AuthorizeBatch(ctx context.Context, req BatchRequest) ([]authz.Decision, error) {
	start := p.cfg.Clock()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()

	principal, err := p.verify(ctx, req.Credential)
	if err != nil {
		// No items were ever resolved; one audit record suffices to record
		// the credential failure itself, carrying a digest of the failed
		// credential rather than the credential itself.
		dec := authz.Decision{Allow: false, Reason: "unauthenticated", EvaluatedAt: p.cfg.Clock()}
		rec := buildRecord(audit.NewRecordID(), nil, Request{Action: "evaluate_batch"}, dec, "", "", start, p.cfg.Clock())
		rec.CredentialFingerprint = credentials.FingerprintCredential(req.Credential.Token)
		if auditErr := p.enqueueAudit(rec); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	entries := make([]*batchEntry, len(req.Items))
	for i, item := range req.Items {
		e := &batchEntry{item: item}
		entries[i] = e

		res, resolveErr := p.resolve(Request{ResourceID: item.ResourceID, CapabilityName: item.CapabilityName})
		if resolveErr != nil {
			e.err = resolveErr
			continue
		}
		e.res = res
		e.in = authz.AuthInput{
			Action:     item.Action,
			Principal:  principal,
			Resource:   res.resource,
			Capability: res.capability,
			Parameters: item.Parameters,
			Context:    item.Context,
		}
		e.tier = tierOf(res.resource, res.capability)
		e.bypass = item.Context.EmergencyOverride != nil
		if !e.bypass {
			e.fp = authz.ComputeFingerprint(e.in, p.engine.CurrentVersion())
		}
	}

	// Batched cache lookup, deduplicated by fingerprint.
	fpSet := map[authz.Fingerprint]bool{}
	var lookupFPs []authz.Fingerprint
	for _, e := range entries {
		if e.err != nil || e.bypass {
			continue
		}
		if !fpSet[e.fp] {
			fpSet[e.fp] = true
			lookupFPs = append(lookupFPs, e.fp)
		}
	}

	cached := map[authz.Fingerprint]authz.Decision{}
	if len(lookupFPs) > 0 {
		if got, cacheErr := p.cache.GetBatch(ctx, lookupFPs); cacheErr == nil {
			cached = got
		}
	}

	// Collect misses (deduplicated by fingerprint) for one EvaluateBatch call.
	missIdx := map[authz.Fingerprint]int{}
	var missInputs []authz.AuthInput
	for _, e := range entries {
		if e.err != nil || e.bypass {
			continue
		}
		if dec, ok := cached[e.fp]; ok {
			e.decision = dec
			e.fromCache = true
			if dec.Stale {
				fp, tier, in := e.fp, e.tier, e.in
				pID, rID := principalID(principal), resourceID(e.res.resource)
				p.cache.ScheduleRevalidate(fp, tier, pID, rID, func(revalCtx context.Context) (authz.Decision, error) {
					return p.engine.Evaluate(revalCtx, in), nil
				})
			}
			continue
		}
		if _, seen := missIdx[e.fp]; !seen {
			missIdx[e.fp] = len(missInputs)
			missInputs = append(missInputs, e.in)
		}
	}

	var missResults []authz.Decision
	if len(missInputs) > 0 {
		missResults = p.engine.EvaluateBatch(ctx, missInputs)
	}

	var setEntries []cache.SetBatchEntry
	for _, e := range entries {
		if e.err != nil || e.bypass || e.fromCache {
			continue
		}
		e.decision = missResults[missIdx[e.fp]]
		setEntries = append(setEntries, cache.SetBatchEntry{
			Fingerprint: e.fp,
			Decision:    e.decision,
			Tier:        e.tier,
			PrincipalID: principalID(principal),
			ResourceID:  resourceID(e.res.resource),
		})
	}

	// Emergency-override items bypass the cache entirely: always fresh,
	// evaluated individually (never batched, since each one is unique by
	// construction).
	for _, e := range entries {
		if e.err != nil || !e.bypass {
			continue
		}
		e.decision = p.engine.Evaluate(ctx, e.in)
	}

	if len(setEntries) > 0 {
		_ = p.cache.SetBatch(ctx, setEntries)
	}

	// Assemble results, preserving order, and enqueue one audit record per
	// original input (not per deduped fingerprint).
	out := make([]authz.Decision, len(entries))
	now := p.cfg.Clock()
	for i, e := range entries {
		var dec authz.Decision
		var resID, capID string
		if e.err != nil {
			dec = authz.Decision{Allow: false, Reason: "not_found", EvaluatedAt: now}
			resID = e.item.ResourceID
		} else {
			dec = e.decision
			if e.res.resource != nil {
				resID = e.res.resource.ID
			}
			if e.res.capability != nil {
				capID = e.res.capability.ID
			}
		}
		out[i] = dec

		subReq := Request{Action: e.item.Action, ResourceID: e.item.ResourceID, Parameters: e.item.Parameters, Context: e.item.Context}
		rec := buildRecord(correlationFor(e.item), principal, subReq, dec, resID, capID, start, now)
		if auditErr := p.enqueueAudit(rec); auditErr != nil {
			return nil, auditErr
		}
	}

	if p.metrics != nil {
		p.metrics.DecisionDuration.WithLabelValues("batch").Observe(now.Sub(start).Seconds())
	}

	return out, nil
}

func correlationFor(item BatchItem) string {
	if item.Context.RequestID != "" {
		return item.Context.RequestID
	}
	return audit.NewRecordID()
}
