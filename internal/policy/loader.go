package policy

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Corpus is the on-disk declarative shape of a policy config file. It
// compiles into a Snapshot of concrete Policy implementations.
type Corpus struct {
	Version string `yaml:"version"`

	Role *struct {
		AllowRoles []string `yaml:"allow_roles"`
		DenyRoles  []string `yaml:"deny_roles"`
	} `yaml:"role"`

	TeamIntersection *struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"team_intersection"`

	SensitivityTier *struct {
		AdminRoles []string      `yaml:"admin_roles"`
		HighRoles  []string      `yaml:"high_roles"`
		MFAWindow  time.Duration `yaml:"mfa_window"`
	} `yaml:"sensitivity_tier"`

	TimeWindow *struct {
		Timezone             string   `yaml:"timezone"`
		StartHour            int      `yaml:"start_hour"`
		EndHour              int      `yaml:"end_hour"`
		Weekdays             []int    `yaml:"weekdays"`
		RequireMFAOnOverride bool     `yaml:"require_mfa_on_override"`
		MFAWindow            time.Duration `yaml:"mfa_window"`
	} `yaml:"time_window"`

	CIDR *struct {
		AllowCIDRs []string `yaml:"allow_cidrs"`
		BlockCIDRs []string `yaml:"block_cidrs"`
	} `yaml:"cidr"`

	MFAAction *struct {
		MFAWindow time.Duration `yaml:"mfa_window"`
	} `yaml:"mfa_action"`

	CapabilityProfiles *struct {
		Profiles  map[string][]string `yaml:"profiles"`
		Overrides map[string]string   `yaml:"overrides"`
	} `yaml:"capability_profiles"`

	Scripts []struct {
		ID      string        `yaml:"id"`
		Source  string        `yaml:"source"`
		Reason  string        `yaml:"reason"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"scripts"`

	Expressions []struct {
		ID         string `yaml:"id"`
		Expression string `yaml:"expression"`
		Reason     string `yaml:"reason"`
		OnTrue     string `yaml:"on_true"` // "allow" or "deny"
	} `yaml:"expressions"`
}

// Compile turns a parsed Corpus into an ordered Policy slice. Order matters
// only for which deny is reported first; AND-composition is order-independent
// for the allow/deny outcome itself.
func (c *Corpus) Compile() ([]Policy, error) {
	var policies []Policy

	if c.Role != nil {
		policies = append(policies, NewRolePolicy("role", c.Role.AllowRoles, c.Role.DenyRoles))
	}
	if c.TeamIntersection != nil && c.TeamIntersection.Enabled {
		policies = append(policies, NewTeamIntersectionPolicy("team_intersection"))
	}
	if c.SensitivityTier != nil {
		window := c.SensitivityTier.MFAWindow
		if window <= 0 {
			window = 15 * time.Minute
		}
		policies = append(policies, NewSensitivityTierPolicy("sensitivity_tier", c.SensitivityTier.AdminRoles, c.SensitivityTier.HighRoles, window))
	}
	if c.TimeWindow != nil {
		loc, err := time.LoadLocation(c.TimeWindow.Timezone)
		if err != nil {
			loc = time.UTC
		}
		weekdays := make([]time.Weekday, 0, len(c.TimeWindow.Weekdays))
		for _, d := range c.TimeWindow.Weekdays {
			weekdays = append(weekdays, time.Weekday(d))
		}
		window := c.TimeWindow.MFAWindow
		if window <= 0 {
			window = 15 * time.Minute
		}
		policies = append(policies, NewTimeWindowPolicy("time_window", loc, c.TimeWindow.StartHour, c.TimeWindow.EndHour, weekdays, c.TimeWindow.RequireMFAOnOverride, window))
	}
	if c.CIDR != nil {
		cp, err := NewCIDRPolicy("cidr", c.CIDR.AllowCIDRs, c.CIDR.BlockCIDRs)
		if err != nil {
			return nil, err
		}
		policies = append(policies, cp)
	}
	if c.MFAAction != nil {
		window := c.MFAAction.MFAWindow
		if window <= 0 {
			window = 15 * time.Minute
		}
		policies = append(policies, NewMFAActionPolicy("mfa_action", window))
	}
	if c.CapabilityProfiles != nil {
		policies = append(policies, NewCapabilityProfilePolicy("capability_profile", c.CapabilityProfiles.Profiles, c.CapabilityProfiles.Overrides))
	}
	for _, s := range c.Scripts {
		policies = append(policies, NewScriptPolicy(s.ID, s.Source, s.Reason, s.Timeout))
	}
	for _, x := range c.Expressions {
		onTrue := Deny
		if x.OnTrue == "allow" {
			onTrue = Allow
		}
		ep, err := NewExpressionPolicy(x.ID, x.Expression, x.Reason, onTrue)
		if err != nil {
			return nil, err
		}
		policies = append(policies, ep)
	}

	return policies, nil
}

// Loader reads a Corpus from disk, compiles it, and installs it into an
// Engine. An optional background goroutine polls the file's mtime and
// hot-reloads on change, bumping Snapshot.Version so every cached Decision
// computed against the old corpus silently falls out of the Decision
// Cache's fingerprint space.
type Loader struct {
	mu            sync.Mutex
	path          string
	watchInterval time.Duration
	lastModified  time.Time
	version       int64
	stop          chan struct{}
	onReload      func(*Snapshot)
	engine        *Engine
}

// NewLoader constructs a Loader bound to engine. watchInterval of 0 disables
// hot-reload polling.
func NewLoader(path string, watchInterval time.Duration, engine *Engine, onReload func(*Snapshot)) *Loader {
	return &Loader{
		path:          path,
		watchInterval: watchInterval,
		engine:        engine,
		onReload:      onReload,
		stop:          make(chan struct{}),
	}
}

// Load reads, parses, and compiles the corpus file, installing it into the
// bound Engine as a new, monotonically versioned Snapshot.
func (l *Loader) Load() (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read policy corpus %s: %w", l.path, err)
	}

	var corpus Corpus
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&corpus); err != nil {
		return nil, fmt.Errorf("parse policy corpus %s: %w", l.path, err)
	}

	policies, err := corpus.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile policy corpus %s: %w", l.path, err)
	}

	l.version++
	snapshot := &Snapshot{Version: l.version, Policies: policies}
	l.engine.Swap(snapshot)

	if info, statErr := os.Stat(l.path); statErr == nil {
		l.lastModified = info.ModTime()
	}

	return snapshot, nil
}

// StartWatching polls the corpus file's mtime every watchInterval and
// reloads on change. No-op when watchInterval is zero or negative.
func (l *Loader) StartWatching() {
	if l.watchInterval <= 0 {
		return
	}
	go l.watchLoop()
}

// StopWatching terminates the background polling goroutine, if any.
func (l *Loader) StopWatching() {
	close(l.stop)
}

func (l *Loader) watchLoop() {
	ticker := time.NewTicker(l.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.checkAndReload()
		}
	}
}

func (l *Loader) checkAndReload() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	l.mu.Lock()
	last := l.lastModified
	l.mu.Unlock()

	if !info.ModTime().After(last) {
		return
	}

	snapshot, err := l.Load()
	if err != nil {
		return
	}
	if l.onReload != nil {
		l.onReload(snapshot)
	}
}
