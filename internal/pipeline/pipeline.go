// Package pipeline implements the Authorization Pipeline: the single
// entry point that composes the Credential Verifier, Resource Registry,
// Policy Engine, Decision Cache, and Audit Recorder into one evaluate and
// one evaluate_batch operation.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/cache"
	"github.com/authgateway/gateway/internal/credentials"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
	"github.com/authgateway/gateway/internal/xerrors"
)

// CredentialKind selects which verification method a Credential uses.
type CredentialKind int

const (
	CredentialBearer CredentialKind = iota
	CredentialAPIKey
	CredentialAgent
)

// Credential is the raw material the Credential Verifier turns into a
// Principal.
type Credential struct {
	Kind  CredentialKind
	Token string
}

// Verifier is the subset of internal/credentials.Verifier the pipeline
// depends on.
type Verifier interface {
	VerifyBearer(ctx context.Context, token string) (*authz.Principal, error)
	VerifyAPIKey(ctx context.Context, key string) (*authz.Principal, error)
	VerifyAgent(ctx context.Context, token string) (*authz.Principal, error)
}

// Resolver is the subset of internal/registry.Registry the pipeline
// depends on.
type Resolver interface {
	GetResource(id string) (*authz.Resource, bool)
	GetCapability(resourceID, name string) (*authz.Capability, error)
}

// Engine is the subset of internal/policy.Engine the pipeline depends on.
type Engine interface {
	Evaluate(ctx context.Context, in authz.AuthInput) authz.Decision
	EvaluateBatch(ctx context.Context, inputs []authz.AuthInput) []authz.Decision
	CurrentVersion() int64
}

// Cache is the subset of internal/cache.Store the pipeline depends on.
type Cache interface {
	Get(ctx context.Context, fp authz.Fingerprint) (*authz.Decision, bool, error)
	Set(ctx context.Context, fp authz.Fingerprint, decision authz.Decision, tier authz.Sensitivity, principalID, resourceID string) error
	GetBatch(ctx context.Context, fps []authz.Fingerprint) (map[authz.Fingerprint]authz.Decision, error)
	SetBatch(ctx context.Context, entries []cache.SetBatchEntry) error
	ScheduleRevalidate(fp authz.Fingerprint, tier authz.Sensitivity, principalID, resourceID string, revalidate cache.Revalidate)
}

// Auditor is the subset of internal/audit.Recorder the pipeline depends on.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) error
}

// Request is a single call submitted to Authorize.
type Request struct {
	Credential     Credential
	Action         string
	ResourceID     string // optional
	CapabilityName string // optional; requires ResourceID
	Parameters     map[string]any
	Context        authz.Context
}

// Config tunes the pipeline's deadlines and audit-enqueue buffering.
type Config struct {
	RequestDeadline time.Duration // default 200ms end-to-end
	AuditQueueSize  int           // default 4096
	AuditWorkers    int           // default 4
	Clock           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = 200 * time.Millisecond
	}
	if c.AuditQueueSize <= 0 {
		c.AuditQueueSize = 4096
	}
	if c.AuditWorkers <= 0 {
		c.AuditWorkers = 4
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Pipeline is the Authorization Pipeline.
type Pipeline struct {
	verifier Verifier
	registry Resolver
	engine   Engine
	cache    Cache
	auditor  Auditor
	metrics  *gatewaymetrics.Metrics

	cfg Config

	auditQueue chan auditTask
	stop       chan struct{}
	done       chan struct{}
}

type auditTask struct {
	rec audit.Record
}

// New constructs a Pipeline and starts its background audit workers. Call
// Close to drain and stop them.
func New(verifier Verifier, registry Resolver, engine Engine, c Cache, auditor Auditor, m *gatewaymetrics.Metrics, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		verifier:   verifier,
		registry:   registry,
		engine:     engine,
		cache:      c,
		auditor:    auditor,
		metrics:    m,
		cfg:        cfg,
		auditQueue: make(chan auditTask, cfg.AuditQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.AuditWorkers; i++ {
		go p.auditWorker()
	}
	return p
}

// Close stops the background audit workers after the queue drains.
func (p *Pipeline) Close() {
	close(p.stop)
}

func (p *Pipeline) auditWorker() {
	for {
		select {
		case task := <-p.auditQueue:
			p.writeAudit(task.rec)
		case <-p.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case task := <-p.auditQueue:
					p.writeAudit(task.rec)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) writeAudit(rec audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome := "ok"
	if err := p.auditor.Record(ctx, rec); err != nil {
		outcome = "error"
	}
	if p.metrics != nil {
		p.metrics.AuditWritesTotal.WithLabelValues(outcome).Inc()
	}
}

// enqueueAudit enqueues rec for asynchronous persistence. It returns once
// the record is durably enqueued (a channel send succeeds), never once the
// record is actually written; callers must not block the response on
// persistence, only on enqueue.
func (p *Pipeline) enqueueAudit(rec audit.Record) error {
	select {
	case p.auditQueue <- auditTask{rec: rec}:
		if p.metrics != nil {
			p.metrics.AuditQueueDepth.Set(float64(len(p.auditQueue)))
		}
		return nil
	default:
		return xerrors.Internal("audit queue full", errors.New("audit enqueue would block"))
	}
}

// resolved is the registry lookup's output.
type resolved struct {
	resource   *authz.Resource
	capability *authz.Capability
}

func (p *Pipeline) resolve(req Request) (resolved, error) {
	var out resolved
	if req.ResourceID == "" {
		return out, nil
	}
	res, ok := p.registry.GetResource(req.ResourceID)
	if !ok {
		return out, xerrors.NotFound("resource", req.ResourceID)
	}
	out.resource = res

	if req.CapabilityName != "" {
		cap, err := p.registry.GetCapability(req.ResourceID, req.CapabilityName)
		if err != nil {
			return out, err
		}
		out.capability = cap
	}
	return out, nil
}

func (p *Pipeline) verify(ctx context.Context, cred Credential) (*authz.Principal, error) {
	switch cred.Kind {
	case CredentialBearer:
		return p.verifier.VerifyBearer(ctx, cred.Token)
	case CredentialAPIKey:
		return p.verifier.VerifyAPIKey(ctx, cred.Token)
	case CredentialAgent:
		return p.verifier.VerifyAgent(ctx, cred.Token)
	default:
		return nil, xerrors.Unauthenticated("unknown credential kind")
	}
}

func tierOf(res *authz.Resource, cap *authz.Capability) authz.Sensitivity {
	if cap != nil {
		return cap.EffectiveSensitivity(res)
	}
	if res != nil {
		return authz.NormalizeSensitivity(res.Sensitivity)
	}
	return authz.SensitivityCritical
}

func buildRecord(correlationID string, principal *authz.Principal, req Request, dec authz.Decision, resourceID, capabilityID string, start, now time.Time) audit.Record {
	rec := audit.Record{
		ID:                audit.NewRecordID(),
		Timestamp:         now,
		Action:            req.Action,
		ResourceID:        resourceID,
		CapabilityID:      capabilityID,
		Decision:          audit.DecisionDeny,
		Reason:            dec.Reason,
		PoliciesEvaluated: dec.PoliciesEvaluated,
		Duration:          now.Sub(start),
		ClientIP:          req.Context.ClientIP,
		RequestID:         req.Context.RequestID,
		CorrelationID:     correlationID,
	}
	if dec.Allow {
		rec.Decision = audit.DecisionAllow
	}
	if principal != nil {
		rec.PrincipalID = principal.ID
		rec.PrincipalKind = string(principal.Kind)
	}
	return rec
}

// Authorize runs the single-request path: verify the credential, resolve
// resource and capability, consult the cache, evaluate on miss, enqueue
// the audit record, return the decision.
func (p *Pipeline) Authorize(ctx context.Context, req Request) (authz.Decision, error) {
	start := p.cfg.Clock()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()

	correlationID := req.Context.RequestID
	if correlationID == "" {
		correlationID = audit.NewRecordID()
	}

	// Step 1: verify credential.
	principal, err := p.verify(ctx, req.Credential)
	if err != nil {
		dec := authz.Decision{Allow: false, Reason: "unauthenticated", EvaluatedAt: p.cfg.Clock()}
		rec := buildRecord(correlationID, nil, req, dec, req.ResourceID, "", start, p.cfg.Clock())
		// The record carries a digest of the failed credential, never the
		// credential itself.
		rec.CredentialFingerprint = credentials.FingerprintCredential(req.Credential.Token)
		if auditErr := p.enqueueAudit(rec); auditErr != nil {
			return authz.Decision{}, auditErr
		}
		return authz.Decision{}, err
	}

	// Step 2: resolve resource/capability.
	res, err := p.resolve(req)
	if err != nil {
		dec := authz.Decision{Allow: false, Reason: "not_found", EvaluatedAt: p.cfg.Clock()}
		rec := buildRecord(correlationID, principal, req, dec, req.ResourceID, "", start, p.cfg.Clock())
		if auditErr := p.enqueueAudit(rec); auditErr != nil {
			return authz.Decision{}, auditErr
		}
		return authz.Decision{}, err
	}

	capabilityID := ""
	if res.capability != nil {
		capabilityID = res.capability.ID
	}

	// Step 3: build AuthInput.
	in := authz.AuthInput{
		Action:     req.Action,
		Principal:  principal,
		Resource:   res.resource,
		Capability: res.capability,
		Parameters: req.Parameters,
		Context:    req.Context,
	}
	tier := tierOf(res.resource, res.capability)

	bypassCache := req.Context.EmergencyOverride != nil

	// Step 4: fingerprint + cache lookup.
	var dec authz.Decision
	cacheState := "miss"
	if !bypassCache {
		fp := authz.ComputeFingerprint(in, p.engine.CurrentVersion())
		if cached, hit, cacheErr := p.cache.Get(ctx, fp); cacheErr == nil && hit {
			dec = *cached
			if cached.Stale {
				cacheState = "stale"
				p.cache.ScheduleRevalidate(fp, tier, principalID(principal), resourceID(res.resource), func(revalCtx context.Context) (authz.Decision, error) {
					fresh := p.engine.Evaluate(revalCtx, in)
					return fresh, nil
				})
			} else {
				cacheState = "hit"
			}
			return p.finish(correlationID, principal, req, dec, res, capabilityID, start, cacheState)
		}
	} else {
		cacheState = "bypass"
	}

	// Step 5: evaluate + write-through.
	dec = p.engine.Evaluate(ctx, in)
	if !bypassCache {
		fp := authz.ComputeFingerprint(in, p.engine.CurrentVersion())
		_ = p.cache.Set(ctx, fp, dec, tier, principalID(principal), resourceID(res.resource))
	}

	return p.finish(correlationID, principal, req, dec, res, capabilityID, start, cacheState)
}

func (p *Pipeline) finish(correlationID string, principal *authz.Principal, req Request, dec authz.Decision, res resolved, capabilityID string, start time.Time, cacheState string) (authz.Decision, error) {
	now := p.cfg.Clock()
	resID := ""
	if res.resource != nil {
		resID = res.resource.ID
	}
	rec := buildRecord(correlationID, principal, req, dec, resID, capabilityID, start, now)

	// Step 6: enqueue audit (at-least-once, guaranteed before response).
	if err := p.enqueueAudit(rec); err != nil {
		return authz.Decision{}, err
	}

	if p.metrics != nil {
		outcome := "deny"
		if dec.Allow {
			outcome = "allow"
		}
		p.metrics.DecisionsTotal.WithLabelValues(outcome, string(tierOf(res.resource, res.capability))).Inc()
		p.metrics.DecisionDuration.WithLabelValues(cacheState).Observe(now.Sub(start).Seconds())
	}

	// Step 7: return the Decision.
	return dec, nil
}

func principalID(p *authz.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func resourceID(r *authz.Resource) string {
	if r == nil {
		return ""
	}
	return r.ID
}
