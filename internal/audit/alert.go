package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AlertSeverity indicates how urgently a SecurityAlert needs a human.
type AlertSeverity string

const (
	AlertSeverityMedium AlertSeverity = "medium"
)

// SecurityAlert is raised when a principal's denials cross the configured
// rate, independent of the per-decision AuditRecord already written for
// each denial.
type SecurityAlert struct {
	Timestamp   time.Time
	Severity    AlertSeverity
	AlertType   string
	PrincipalID string
	Description string
	Details     map[string]string
}

// AlertSink receives SecurityAlerts, independent of ordinary audit storage;
// production wiring (cmd/authgateway) writes them to the structured
// application log as warning entries.
type AlertSink interface {
	AlertDenialSpike(alert SecurityAlert)
}

// EnhancedAuditor wraps a Recorder with a sliding-window denial-spike
// detector: a principal racking up DenialThreshold denials within
// DenialWindow triggers one SecurityAlert, then backs off for
// AlertCooldown before it can fire again for that principal.
type EnhancedAuditor struct {
	Recorder

	mu sync.Mutex

	sink            AlertSink
	denialThreshold int
	denialWindow    time.Duration
	alertCooldown   time.Duration
	denialTimes     map[string][]time.Time
	lastAlert       map[string]time.Time
	clock           func() time.Time
}

// EnhancedAuditorConfig configures EnhancedAuditor; zero values fall back
// to sensible defaults.
type EnhancedAuditorConfig struct {
	DenialThreshold int           // denials before alert (default 10)
	DenialWindow    time.Duration // sliding window (default 1 minute)
	AlertCooldown   time.Duration // minimum gap between alerts (default 5 minutes)
	Sink            AlertSink
	Clock           func() time.Time
}

// NewEnhancedAuditor wraps recorder with denial-spike alerting.
func NewEnhancedAuditor(recorder Recorder, cfg EnhancedAuditorConfig) *EnhancedAuditor {
	if cfg.DenialThreshold <= 0 {
		cfg.DenialThreshold = 10
	}
	if cfg.DenialWindow <= 0 {
		cfg.DenialWindow = time.Minute
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &EnhancedAuditor{
		Recorder:        recorder,
		sink:            cfg.Sink,
		denialThreshold: cfg.DenialThreshold,
		denialWindow:    cfg.DenialWindow,
		alertCooldown:   cfg.AlertCooldown,
		denialTimes:     make(map[string][]time.Time),
		lastAlert:       make(map[string]time.Time),
		clock:           cfg.Clock,
	}
}

// Record delegates to the wrapped Recorder, then tracks rec toward the
// denial-spike window if it was a deny.
func (ea *EnhancedAuditor) Record(ctx context.Context, rec Record) error {
	if err := ea.Recorder.Record(ctx, rec); err != nil {
		return err
	}
	if rec.Decision == DecisionDeny && rec.PrincipalID != "" {
		ea.trackDenial(rec.PrincipalID, rec.ResourceID)
	}
	return nil
}

func (ea *EnhancedAuditor) trackDenial(principalID, resourceID string) {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	now := ea.clock()
	cutoff := now.Add(-ea.denialWindow)

	var recent []time.Time
	for _, t := range ea.denialTimes[principalID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	ea.denialTimes[principalID] = recent

	if len(recent) >= ea.denialThreshold {
		ea.maybeAlert(principalID, resourceID, len(recent), now)
	}
}

func (ea *EnhancedAuditor) maybeAlert(principalID, resourceID string, count int, now time.Time) {
	if last, ok := ea.lastAlert[principalID]; ok && now.Sub(last) < ea.alertCooldown {
		return
	}
	ea.lastAlert[principalID] = now

	if ea.sink == nil {
		return
	}
	ea.sink.AlertDenialSpike(SecurityAlert{
		Timestamp:   now,
		Severity:    AlertSeverityMedium,
		AlertType:   "excessive_denials",
		PrincipalID: principalID,
		Description: fmt.Sprintf("principal %s has %d denials in the last %s", principalID, count, ea.denialWindow),
		Details: map[string]string{
			"resource_id":  resourceID,
			"denial_count": fmt.Sprintf("%d", count),
		},
	})
}
