package httpapi

import (
	"time"

	"github.com/authgateway/gateway/internal/authz"
)

// emergencyOverrideDTO mirrors authz.EmergencyOverride for JSON bodies.
type emergencyOverrideDTO struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// contextDTO mirrors the caller-supplied subset of authz.Context; ClientIP
// and Timestamp are always derived server-side and never trusted from the
// body.
type contextDTO struct {
	RequestID         string                `json:"request_id,omitempty"`
	EmergencyOverride *emergencyOverrideDTO `json:"emergency_override,omitempty"`
	VPNConnected      bool                  `json:"vpn_connected,omitempty"`
}

func (c *contextDTO) toAuthzContext(clientIP string, now time.Time) authz.Context {
	ctx := authz.Context{
		ClientIP:     clientIP,
		Timestamp:    now,
		VPNConnected: false,
	}
	if c == nil {
		return ctx
	}
	ctx.RequestID = c.RequestID
	ctx.VPNConnected = c.VPNConnected
	if c.EmergencyOverride != nil {
		ctx.EmergencyOverride = &authz.EmergencyOverride{
			Approver: c.EmergencyOverride.Approver,
			Reason:   c.EmergencyOverride.Reason,
		}
	}
	return ctx
}

// authorizeRequestDTO is the body of POST /api/v1/authorize.
type authorizeRequestDTO struct {
	Action         string         `json:"action"`
	ResourceID     string         `json:"resource_id,omitempty"`
	CapabilityName string         `json:"capability_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Context        *contextDTO    `json:"context,omitempty"`
}

// decisionDTO is the wire shape of authz.Decision.
type decisionDTO struct {
	Allow              bool           `json:"allow"`
	Reason             string         `json:"reason"`
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	PoliciesEvaluated  []string       `json:"policies_evaluated,omitempty"`
	EvaluatedAt        time.Time      `json:"evaluated_at"`
	CacheTTLHintMillis int64          `json:"cache_ttl_hint_ms,omitempty"`
	Stale              bool           `json:"stale,omitempty"`
}

func decisionToDTO(d authz.Decision) decisionDTO {
	return decisionDTO{
		Allow:              d.Allow,
		Reason:             d.Reason,
		FilteredParameters: d.FilteredParameters,
		PoliciesEvaluated:  d.PoliciesEvaluated,
		EvaluatedAt:        d.EvaluatedAt,
		CacheTTLHintMillis: d.CacheTTLHint.Milliseconds(),
		Stale:              d.Stale,
	}
}

// authorizeBatchRequestDTO is the body of POST /api/v1/authorize/batch.
type authorizeBatchRequestDTO struct {
	Items []authorizeRequestDTO `json:"items"`
}

// sessionDTO is the wire shape of session.Session.
type sessionDTO struct {
	ID            string    `json:"id"`
	PrincipalID   string    `json:"principal_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// createSessionRequestDTO is the body of POST /api/v1/sessions.
type createSessionRequestDTO struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// sessionResponseDTO additionally carries the refresh token, only ever
// returned at creation/refresh time and never by lookup.
type sessionResponseDTO struct {
	sessionDTO
	RefreshToken string `json:"refresh_token"`
}

// refreshSessionRequestDTO is the body of POST /api/v1/sessions/refresh.
type refreshSessionRequestDTO struct {
	RefreshToken string `json:"refresh_token"`
}
