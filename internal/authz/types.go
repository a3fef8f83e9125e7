// Package authz defines the shared data model evaluated by the
// authorization pipeline: principals, resources, capabilities, the
// composed evaluation input, and the decision it produces.
package authz

import "time"

// PrincipalKind distinguishes the three caller shapes the gateway accepts.
type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalService PrincipalKind = "service"
	PrincipalAgent   PrincipalKind = "agent"
)

// TrustLevel applies to agent principals only.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustLimited   TrustLevel = "limited"
	TrustUntrusted TrustLevel = "untrusted"
)

// Principal is the authenticated identity a request acts on behalf of.
// Immutable for the lifetime of a single request.
type Principal struct {
	ID          string
	DisplayName string
	Kind        PrincipalKind
	Roles       []string
	Teams       []string
	Attributes  map[string]any
	Trust       TrustLevel

	MFAVerified bool
	MFAAt       time.Time

	SessionID string
}

func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Principal) HasAnyTeam(teams []string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Teams {
		for _, want := range teams {
			if t == want {
				return true
			}
		}
	}
	return false
}

// MFAValidWithin reports whether the principal's last MFA timestamp is
// within window of now.
func (p *Principal) MFAValidWithin(now time.Time, window time.Duration) bool {
	if p == nil || !p.MFAVerified || p.MFAAt.IsZero() {
		return false
	}
	return now.Sub(p.MFAAt) <= window
}

// Sensitivity is the classification driving both cache TTL and policy gates.
// Invariant: missing or unrecognized values degrade to SensitivityCritical.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// NormalizeSensitivity enforces the degrade-to-critical invariant.
func NormalizeSensitivity(s Sensitivity) Sensitivity {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical:
		return s
	default:
		return SensitivityCritical
	}
}

// Resource is a registered backend: an MCP server, HTTP service, or gRPC
// target that exposes capabilities.
type Resource struct {
	ID              string
	Name            string
	Protocol        string
	Endpoint        string
	Sensitivity     Sensitivity
	OwningTeams     []string
	AuthorizedTeams []string
	Metadata        map[string]any
	Retired         bool
}

// Capability is a named action (tool, endpoint, method) on a Resource.
type Capability struct {
	ID            string
	ResourceID    string
	Name          string
	InputSchema   any
	Sensitivity   Sensitivity // zero value means "inherit from Resource"
	SensitiveKeys map[string]struct{}
}

// EffectiveSensitivity returns the capability's own sensitivity, falling
// back to the resource's when unset.
func (c *Capability) EffectiveSensitivity(r *Resource) Sensitivity {
	if c != nil && c.Sensitivity != "" {
		return NormalizeSensitivity(c.Sensitivity)
	}
	if r != nil {
		return NormalizeSensitivity(r.Sensitivity)
	}
	return SensitivityCritical
}

// EmergencyOverride carries the {approver, reason} pair a caller supplies
// to bypass normal time-window gating. It never bypasses the cache by
// itself beyond forcing a fresh evaluation (the cache layer never serves overridden requests).
type EmergencyOverride struct {
	Approver string
	Reason   string
}

// Context carries request-scoped facts the policy engine may consult.
type Context struct {
	ClientIP          string
	Timestamp         time.Time
	RequestID         string
	EmergencyOverride *EmergencyOverride
	VPNConnected      bool
}

// AuthInput is the composed evaluation input submitted to the Policy Engine.
type AuthInput struct {
	Action     string
	Principal  *Principal
	Resource   *Resource   // optional
	Capability *Capability // optional
	Parameters map[string]any
	Context    Context
}

// Decision is the Policy Engine's (and therefore the pipeline's) output.
type Decision struct {
	Allow              bool
	Reason             string
	FilteredParameters map[string]any // present iff Allow
	PoliciesEvaluated  []string
	EvaluatedAt        time.Time
	CacheTTLHint       time.Duration

	// Stale is set when this Decision was served past its soft threshold
	// while a background revalidation was scheduled or already in flight.
	// Never part of the cached payload's identity; set by the cache layer
	// on read.
	Stale bool
}

// RedactParameters returns a copy of params with every key in sensitive
// removed, preserving the remaining keys and values unchanged.
func RedactParameters(params map[string]any, sensitive map[string]struct{}) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if _, skip := sensitive[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
