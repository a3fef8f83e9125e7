package policy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/authgateway/gateway/internal/authz"
)

// RolePolicy allows principals holding any of AllowRoles and denies
// principals holding any of DenyRoles (deny takes precedence). A principal
// matching neither list declines.
type RolePolicy struct {
	id         string
	AllowRoles []string
	DenyRoles  []string
}

func NewRolePolicy(id string, allow, deny []string) *RolePolicy {
	return &RolePolicy{id: id, AllowRoles: allow, DenyRoles: deny}
}

func (p *RolePolicy) ID() string   { return p.id }
func (p *RolePolicy) Kind() string { return "role" }

func (p *RolePolicy) Evaluate(_ context.Context, _ time.Time, in authz.AuthInput) (Result, error) {
	for _, role := range p.DenyRoles {
		if in.Principal.HasRole(role) {
			return Result{Effect: Deny, Reason: fmt.Sprintf("role %q denied", role)}, nil
		}
	}
	for _, role := range p.AllowRoles {
		if in.Principal.HasRole(role) {
			return Result{Effect: Allow, Reason: fmt.Sprintf("role %q allowed", role)}, nil
		}
	}
	return Result{Effect: Decline}, nil
}

// TeamIntersectionPolicy allows when the principal shares a team with the
// resource's authorized-team set.
type TeamIntersectionPolicy struct {
	id string
}

func NewTeamIntersectionPolicy(id string) *TeamIntersectionPolicy {
	return &TeamIntersectionPolicy{id: id}
}

func (p *TeamIntersectionPolicy) ID() string   { return p.id }
func (p *TeamIntersectionPolicy) Kind() string { return "team_intersection" }

func (p *TeamIntersectionPolicy) Evaluate(_ context.Context, _ time.Time, in authz.AuthInput) (Result, error) {
	if in.Resource == nil || len(in.Resource.AuthorizedTeams) == 0 {
		return Result{Effect: Decline}, nil
	}
	if in.Principal.HasAnyTeam(in.Resource.AuthorizedTeams) {
		return Result{Effect: Allow, Reason: "team membership authorized"}, nil
	}
	return Result{Effect: Deny, Reason: "no shared team with resource"}, nil
}

// SensitivityTierPolicy gates on the effective sensitivity of the
// resource/capability pair: critical demands an admin role and valid MFA
// within window; high demands one of HighRoles; low/medium allow any
// authenticated non-viewer principal. Its allow results are marked Primary
// since they summarize the identity-vs-resource verdict, so the composed
// Decision reason reads "team+role+low" rather than whichever other layer
// happened to allow first.
type SensitivityTierPolicy struct {
	id         string
	AdminRoles []string
	HighRoles  []string
	MFAWindow  time.Duration
}

func NewSensitivityTierPolicy(id string, adminRoles, highRoles []string, mfaWindow time.Duration) *SensitivityTierPolicy {
	return &SensitivityTierPolicy{id: id, AdminRoles: adminRoles, HighRoles: highRoles, MFAWindow: mfaWindow}
}

func (p *SensitivityTierPolicy) ID() string   { return p.id }
func (p *SensitivityTierPolicy) Kind() string { return "sensitivity_tier" }

func (p *SensitivityTierPolicy) Evaluate(_ context.Context, now time.Time, in authz.AuthInput) (Result, error) {
	tier := effectiveTier(in)
	switch tier {
	case authz.SensitivityCritical:
		hasAdmin := false
		for _, r := range p.AdminRoles {
			if in.Principal.HasRole(r) {
				hasAdmin = true
				break
			}
		}
		if !hasAdmin {
			return Result{Effect: Deny, Reason: "critical requires admin+mfa"}, nil
		}
		if !in.Principal.MFAValidWithin(now, p.MFAWindow) {
			return Result{Effect: Deny, Reason: "critical requires admin+mfa"}, nil
		}
		return Result{Effect: Allow, Reason: "critical admin+mfa satisfied", Primary: true}, nil
	case authz.SensitivityHigh:
		for _, r := range p.HighRoles {
			if in.Principal.HasRole(r) {
				return Result{Effect: Allow, Reason: "high role satisfied", Primary: true}, nil
			}
		}
		return Result{Effect: Deny, Reason: "high requires configured role"}, nil
	default: // medium, low
		if in.Principal.HasRole("viewer") {
			return Result{Effect: Deny, Reason: "viewers cannot act on low/medium resources"}, nil
		}
		return Result{Effect: Allow, Reason: "team+role+" + string(tier), Primary: true}, nil
	}
}

func effectiveTier(in authz.AuthInput) authz.Sensitivity {
	if in.Capability != nil {
		return in.Capability.EffectiveSensitivity(in.Resource)
	}
	if in.Resource != nil {
		return authz.NormalizeSensitivity(in.Resource.Sensitivity)
	}
	return authz.SensitivityCritical
}

// TimeWindowPolicy allows requests only within BusinessHours unless a valid
// emergency override is present (approver and reason both non-empty; MFA
// additionally required when RequireMFAOnOverride is set).
type TimeWindowPolicy struct {
	id                   string
	Timezone             *time.Location
	StartHour, EndHour   int
	Weekdays             map[time.Weekday]bool
	RequireMFAOnOverride bool
	MFAWindow            time.Duration
}

func NewTimeWindowPolicy(id string, loc *time.Location, startHour, endHour int, weekdays []time.Weekday, requireMFAOnOverride bool, mfaWindow time.Duration) *TimeWindowPolicy {
	wd := make(map[time.Weekday]bool, len(weekdays))
	for _, w := range weekdays {
		wd[w] = true
	}
	if len(wd) == 0 {
		for _, w := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
			wd[w] = true
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TimeWindowPolicy{id: id, Timezone: loc, StartHour: startHour, EndHour: endHour, Weekdays: wd, RequireMFAOnOverride: requireMFAOnOverride, MFAWindow: mfaWindow}
}

func (p *TimeWindowPolicy) ID() string   { return p.id }
func (p *TimeWindowPolicy) Kind() string { return "time_window" }

func (p *TimeWindowPolicy) Evaluate(_ context.Context, now time.Time, in authz.AuthInput) (Result, error) {
	if override := in.Context.EmergencyOverride; override != nil {
		if strings.TrimSpace(override.Approver) == "" || strings.TrimSpace(override.Reason) == "" {
			return Result{Effect: Deny, Reason: "emergency override missing approver/reason"}, nil
		}
		if p.RequireMFAOnOverride && !in.Principal.MFAValidWithin(now, p.MFAWindow) {
			return Result{Effect: Deny, Reason: "emergency override requires mfa"}, nil
		}
		return Result{Effect: Allow, Reason: "emergency override honored"}, nil
	}

	local := now.In(p.Timezone)
	if !p.Weekdays[local.Weekday()] {
		return Result{Effect: Deny, Reason: "outside business days"}, nil
	}
	hour := local.Hour()
	if hour < p.StartHour || hour >= p.EndHour {
		return Result{Effect: Deny, Reason: "outside business hours"}, nil
	}
	return Result{Effect: Allow, Reason: "within business hours"}, nil
}

// CIDRPolicy allow/block-lists context.client_ip and additionally demands
// VPN connectivity for critical resources.
type CIDRPolicy struct {
	id      string
	allow   []*net.IPNet
	block   []*net.IPNet
}

func NewCIDRPolicy(id string, allowCIDRs, blockCIDRs []string) (*CIDRPolicy, error) {
	p := &CIDRPolicy{id: id}
	for _, raw := range allowCIDRs {
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allow cidr %q: %w", raw, err)
		}
		p.allow = append(p.allow, n)
	}
	for _, raw := range blockCIDRs {
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid block cidr %q: %w", raw, err)
		}
		p.block = append(p.block, n)
	}
	return p, nil
}

func (p *CIDRPolicy) ID() string   { return p.id }
func (p *CIDRPolicy) Kind() string { return "cidr" }

func (p *CIDRPolicy) Evaluate(_ context.Context, _ time.Time, in authz.AuthInput) (Result, error) {
	ip := net.ParseIP(in.Context.ClientIP)
	if ip == nil {
		return Result{Effect: Deny, Reason: "unparseable client ip"}, nil
	}
	for _, n := range p.block {
		if n.Contains(ip) {
			return Result{Effect: Deny, Reason: "client ip blocked"}, nil
		}
	}
	if len(p.allow) > 0 {
		allowed := false
		for _, n := range p.allow {
			if n.Contains(ip) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Result{Effect: Deny, Reason: "client ip not in allow list"}, nil
		}
	}
	if (in.Resource != nil || in.Capability != nil) && effectiveTier(in) == authz.SensitivityCritical && !in.Context.VPNConnected {
		return Result{Effect: Deny, Reason: "critical resource requires vpn"}, nil
	}
	return Result{Effect: Allow, Reason: "ip checks passed"}, nil
}

// MFAActionPolicy requires a fresh MFA timestamp for any action ending in
// ":delete" or touching a critical resource.
type MFAActionPolicy struct {
	id        string
	MFAWindow time.Duration
}

func NewMFAActionPolicy(id string, mfaWindow time.Duration) *MFAActionPolicy {
	return &MFAActionPolicy{id: id, MFAWindow: mfaWindow}
}

func (p *MFAActionPolicy) ID() string   { return p.id }
func (p *MFAActionPolicy) Kind() string { return "mfa_action" }

func (p *MFAActionPolicy) Evaluate(_ context.Context, now time.Time, in authz.AuthInput) (Result, error) {
	needsMFA := strings.HasSuffix(in.Action, ":delete") ||
		((in.Resource != nil || in.Capability != nil) && effectiveTier(in) == authz.SensitivityCritical)
	if !needsMFA {
		return Result{Effect: Decline}, nil
	}
	if !in.Principal.MFAValidWithin(now, p.MFAWindow) {
		return Result{Effect: Deny, Reason: "action requires verified mfa"}, nil
	}
	return Result{Effect: Allow, Reason: "mfa verified"}, nil
}

// CapabilityProfilePolicy is a supplemented, optional built-in kind: a
// named bundle of capability-id globs that a service-id pattern is allowed
// to invoke. It only ever tightens the corpus; it never allows something
// the mandatory gates above would deny, because it runs as one more AND
// layer, not a replacement for them.
type CapabilityProfilePolicy struct {
	id       string
	profiles map[string][]string // profile name -> capability-id glob list
	overrides map[string]string  // service-id glob -> profile name
}

func NewCapabilityProfilePolicy(id string, profiles map[string][]string, overrides map[string]string) *CapabilityProfilePolicy {
	return &CapabilityProfilePolicy{id: id, profiles: profiles, overrides: overrides}
}

func (p *CapabilityProfilePolicy) ID() string   { return p.id }
func (p *CapabilityProfilePolicy) Kind() string { return "capability_profile" }

func (p *CapabilityProfilePolicy) Evaluate(_ context.Context, _ time.Time, in authz.AuthInput) (Result, error) {
	if in.Resource == nil || in.Capability == nil {
		return Result{Effect: Decline}, nil
	}
	var profileName string
	for pattern, name := range p.overrides {
		if MatchGlob(pattern, in.Resource.ID) {
			profileName = name
			break
		}
	}
	if profileName == "" {
		return Result{Effect: Decline}, nil
	}
	globs, ok := p.profiles[profileName]
	if !ok {
		return Result{Effect: Deny, Reason: fmt.Sprintf("unknown capability profile %q", profileName)}, nil
	}
	for _, g := range globs {
		if MatchGlob(g, in.Capability.ID) {
			return Result{Effect: Allow, Reason: fmt.Sprintf("capability profile %q permits", profileName)}, nil
		}
	}
	return Result{Effect: Deny, Reason: fmt.Sprintf("capability profile %q does not permit %s", profileName, in.Capability.ID)}, nil
}
