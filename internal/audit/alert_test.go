package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeRecorder) Record(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) Query(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]Record, *Cursor, error) {
	return nil, nil, nil
}

func (f *fakeRecorder) MarkForwarded(ctx context.Context, id string, at time.Time) error {
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []SecurityAlert
}

func (f *fakeSink) AlertDenialSpike(alert SecurityAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func TestEnhancedAuditor_AlertsOnDenialSpike(t *testing.T) {
	inner := &fakeRecorder{}
	sink := &fakeSink{}
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ea := NewEnhancedAuditor(inner, EnhancedAuditorConfig{
		DenialThreshold: 3,
		DenialWindow:    time.Minute,
		AlertCooldown:   5 * time.Minute,
		Sink:            sink,
		Clock:           clock,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, ea.Record(ctx, Record{PrincipalID: "alice", ResourceID: "res1", Decision: DecisionDeny}))
	}
	assert.Equal(t, 0, sink.count(), "threshold not yet reached")

	require.NoError(t, ea.Record(ctx, Record{PrincipalID: "alice", ResourceID: "res1", Decision: DecisionDeny}))
	assert.Equal(t, 1, sink.count(), "third denial within the window crosses the threshold")

	// A further denial, still within the cooldown, must not alert again.
	require.NoError(t, ea.Record(ctx, Record{PrincipalID: "alice", ResourceID: "res1", Decision: DecisionDeny}))
	assert.Equal(t, 1, sink.count())

	require.Len(t, inner.records, 4, "every record is still forwarded to the wrapped recorder regardless of alerting")
}

func TestEnhancedAuditor_WindowSlidesOldDenialsOut(t *testing.T) {
	inner := &fakeRecorder{}
	sink := &fakeSink{}
	current := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	ea := NewEnhancedAuditor(inner, EnhancedAuditorConfig{
		DenialThreshold: 2,
		DenialWindow:    time.Minute,
		Sink:            sink,
		Clock:           clock,
	})

	ctx := context.Background()
	require.NoError(t, ea.Record(ctx, Record{PrincipalID: "bob", Decision: DecisionDeny}))

	current = current.Add(2 * time.Minute) // outside the 1-minute window
	require.NoError(t, ea.Record(ctx, Record{PrincipalID: "bob", Decision: DecisionDeny}))

	assert.Equal(t, 0, sink.count(), "the first denial aged out of the window before the threshold was reached")
}

func TestEnhancedAuditor_AllowsDoNotCountTowardDenialWindow(t *testing.T) {
	inner := &fakeRecorder{}
	sink := &fakeSink{}
	ea := NewEnhancedAuditor(inner, EnhancedAuditorConfig{DenialThreshold: 2, Sink: sink})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, ea.Record(ctx, Record{PrincipalID: "carol", Decision: DecisionAllow}))
	}
	assert.Equal(t, 0, sink.count())
}
