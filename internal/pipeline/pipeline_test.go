package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/cache"
	"github.com/authgateway/gateway/internal/xerrors"
)

type fakeVerifier struct {
	principal *authz.Principal
	err       error
}

func (f *fakeVerifier) VerifyBearer(ctx context.Context, token string) (*authz.Principal, error) {
	return f.principal, f.err
}
func (f *fakeVerifier) VerifyAPIKey(ctx context.Context, token string) (*authz.Principal, error) {
	return f.principal, f.err
}
func (f *fakeVerifier) VerifyAgent(ctx context.Context, token string) (*authz.Principal, error) {
	return f.principal, f.err
}

type fakeResolver struct {
	resources    map[string]*authz.Resource
	capabilities map[string]*authz.Capability // key: resourceID+"/"+name
}

func (f *fakeResolver) GetResource(id string) (*authz.Resource, bool) {
	r, ok := f.resources[id]
	return r, ok
}

func (f *fakeResolver) GetCapability(resourceID, name string) (*authz.Capability, error) {
	c, ok := f.capabilities[resourceID+"/"+name]
	if !ok {
		return nil, xerrors.NotFound("capability", name)
	}
	return c, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	fn    func(authz.AuthInput) authz.Decision
}

func (f *fakeEngine) Evaluate(ctx context.Context, in authz.AuthInput) authz.Decision {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(in)
}

func (f *fakeEngine) EvaluateBatch(ctx context.Context, inputs []authz.AuthInput) []authz.Decision {
	out := make([]authz.Decision, len(inputs))
	for i, in := range inputs {
		out[i] = f.Evaluate(ctx, in)
	}
	return out
}

func (f *fakeEngine) CurrentVersion() int64 { return 1 }

type fakeCache struct {
	mu          sync.Mutex
	entries     map[authz.Fingerprint]authz.Decision
	revalidated int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[authz.Fingerprint]authz.Decision{}}
}

func (f *fakeCache) Get(ctx context.Context, fp authz.Fingerprint) (*authz.Decision, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.entries[fp]
	if !ok {
		return nil, false, nil
	}
	return &d, true, nil
}

func (f *fakeCache) Set(ctx context.Context, fp authz.Fingerprint, decision authz.Decision, tier authz.Sensitivity, principalID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[fp] = decision
	return nil
}

func (f *fakeCache) GetBatch(ctx context.Context, fps []authz.Fingerprint) (map[authz.Fingerprint]authz.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[authz.Fingerprint]authz.Decision{}
	for _, fp := range fps {
		if d, ok := f.entries[fp]; ok {
			out[fp] = d
		}
	}
	return out, nil
}

func (f *fakeCache) SetBatch(ctx context.Context, entries []cache.SetBatchEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.entries[e.Fingerprint] = e.Decision
	}
	return nil
}

func (f *fakeCache) ScheduleRevalidate(fp authz.Fingerprint, tier authz.Sensitivity, principalID, resourceID string, revalidate cache.Revalidate) {
	f.mu.Lock()
	f.revalidated++
	f.mu.Unlock()
	dec, _ := revalidate(context.Background())
	f.mu.Lock()
	f.entries[fp] = dec
	f.mu.Unlock()
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeAuditor) Record(ctx context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newTestPipeline(t *testing.T, verifier Verifier, resolver Resolver, engine Engine, c Cache, auditor Auditor) *Pipeline {
	t.Helper()
	p := New(verifier, resolver, engine, c, auditor, nil, Config{AuditQueueSize: 64, AuditWorkers: 2})
	t.Cleanup(p.Close)
	return p
}

func waitForAuditCount(t *testing.T, a *fakeAuditor, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit records, got %d", n, a.count())
}

func TestPipeline_VerifyFailureDeniesWithNullPrincipalAudit(t *testing.T) {
	verifier := &fakeVerifier{err: xerrors.Unauthenticated("invalid credentials")}
	resolver := &fakeResolver{}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision { return authz.Decision{Allow: true} }}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	_, err := p.Authorize(context.Background(), Request{
		Action:     "read",
		Credential: Credential{Kind: CredentialBearer, Token: "forged-token"},
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsServiceError(err))

	waitForAuditCount(t, auditor, 1)
	rec := auditor.records[0]
	assert.Empty(t, rec.PrincipalID)
	assert.NotEmpty(t, rec.CredentialFingerprint,
		"a failed credential must leave a fingerprint behind")
	assert.NotContains(t, rec.CredentialFingerprint, "forged-token",
		"the raw credential must never reach the audit record")
}

func TestPipeline_UnknownResourceReturnsNotFound(t *testing.T) {
	verifier := &fakeVerifier{principal: &authz.Principal{ID: "alice"}}
	resolver := &fakeResolver{resources: map[string]*authz.Resource{}}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision { return authz.Decision{Allow: true} }}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	_, err := p.Authorize(context.Background(), Request{Action: "read", ResourceID: "missing"})
	require.Error(t, err)
	svcErr := xerrors.As(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, xerrors.ErrCodeNotFound, svcErr.Code)
}

func resourceFixture() *authz.Resource {
	return &authz.Resource{ID: "res1", Sensitivity: authz.SensitivityLow}
}

func TestPipeline_AllowPathCachesAndAudits(t *testing.T) {
	verifier := &fakeVerifier{principal: &authz.Principal{ID: "alice", Roles: []string{"admin"}}}
	resolver := &fakeResolver{resources: map[string]*authz.Resource{"res1": resourceFixture()}}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision {
		return authz.Decision{Allow: true, Reason: "allow", EvaluatedAt: time.Now()}
	}}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	dec, err := p.Authorize(context.Background(), Request{Action: "read", ResourceID: "res1"})
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Equal(t, 1, engine.calls)

	// Second identical call should be served from cache, not re-evaluated.
	dec2, err := p.Authorize(context.Background(), Request{Action: "read", ResourceID: "res1"})
	require.NoError(t, err)
	assert.True(t, dec2.Allow)
	assert.Equal(t, 1, engine.calls, "second identical request must hit the cache, not re-invoke the engine")

	waitForAuditCount(t, auditor, 2)
}

func TestPipeline_EmergencyOverrideBypassesCache(t *testing.T) {
	verifier := &fakeVerifier{principal: &authz.Principal{ID: "alice"}}
	resolver := &fakeResolver{resources: map[string]*authz.Resource{"res1": resourceFixture()}}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision { return authz.Decision{Allow: true, Reason: "allow"} }}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	ctx := authz.Context{EmergencyOverride: &authz.EmergencyOverride{Approver: "bob", Reason: "incident"}}
	_, err := p.Authorize(context.Background(), Request{Action: "read", ResourceID: "res1", Context: ctx})
	require.NoError(t, err)
	_, err = p.Authorize(context.Background(), Request{Action: "read", ResourceID: "res1", Context: ctx})
	require.NoError(t, err)

	assert.Equal(t, 2, engine.calls, "emergency-override requests must always evaluate fresh, never from cache")
}

func TestPipeline_AuditEnqueueFailureReturnsInternalError(t *testing.T) {
	verifier := &fakeVerifier{principal: &authz.Principal{ID: "alice"}}
	resolver := &fakeResolver{resources: map[string]*authz.Resource{"res1": resourceFixture()}}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision { return authz.Decision{Allow: true} }}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	// Built by hand so that no audit worker runs (New treats AuditWorkers 0
	// as "use the default" and starts four): with a one-slot queue and
	// nothing draining it, every enqueue after the first fails.
	p := &Pipeline{
		verifier:   verifier,
		registry:   resolver,
		engine:     engine,
		cache:      c,
		auditor:    auditor,
		cfg:        Config{AuditQueueSize: 1}.withDefaults(),
		auditQueue: make(chan auditTask, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	defer p.Close()

	// Fill the single queue slot without a worker draining it.
	require.NoError(t, p.enqueueAudit(audit.Record{}))

	_, err := p.Authorize(context.Background(), Request{Action: "read", ResourceID: "res1"})
	require.Error(t, err)
	svcErr := xerrors.As(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, xerrors.ErrCodeInternal, svcErr.Code)
}

func TestPipeline_AuthorizeBatch_PreservesOrderAndDedupes(t *testing.T) {
	verifier := &fakeVerifier{principal: &authz.Principal{ID: "alice"}}
	resolver := &fakeResolver{resources: map[string]*authz.Resource{
		"res1": {ID: "res1", Sensitivity: authz.SensitivityLow},
		"res2": {ID: "res2", Sensitivity: authz.SensitivityLow},
	}}
	engine := &fakeEngine{fn: func(in authz.AuthInput) authz.Decision {
		allow := in.Resource != nil && in.Resource.ID == "res1"
		return authz.Decision{Allow: allow, Reason: in.Resource.ID}
	}}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	items := []BatchItem{
		{Action: "read", ResourceID: "res1"},
		{Action: "read", ResourceID: "res2"},
		{Action: "read", ResourceID: "res1"}, // duplicate fingerprint of item 0
		{Action: "read", ResourceID: "missing"},
	}
	decisions, err := p.AuthorizeBatch(context.Background(), BatchRequest{Items: items})
	require.NoError(t, err)
	require.Len(t, decisions, 4)
	assert.True(t, decisions[0].Allow)
	assert.False(t, decisions[1].Allow)
	assert.True(t, decisions[2].Allow)
	assert.False(t, decisions[3].Allow)
	assert.Equal(t, "not_found", decisions[3].Reason)

	// Only two distinct fingerprints (res1, res2) ever reach the engine.
	assert.Equal(t, 2, engine.calls)

	waitForAuditCount(t, auditor, 4)
}

func TestPipeline_AuthorizeBatch_CredentialFailure(t *testing.T) {
	verifier := &fakeVerifier{err: xerrors.Unauthenticated("invalid")}
	resolver := &fakeResolver{}
	engine := &fakeEngine{fn: func(authz.AuthInput) authz.Decision { return authz.Decision{} }}
	c := newFakeCache()
	auditor := &fakeAuditor{}
	p := newTestPipeline(t, verifier, resolver, engine, c, auditor)

	_, err := p.AuthorizeBatch(context.Background(), BatchRequest{Items: []BatchItem{{Action: "read"}}})
	require.Error(t, err)
	waitForAuditCount(t, auditor, 1)
}
