// Package policy implements the Policy Engine: a stateless,
// hot-reloadable evaluator of a declarative rule corpus over an AuthInput.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
)

// Clock is injected so evaluation is deterministic under test; production
// wires time.Now.
type Clock func() time.Time

// Effect is a single policy's opinion on an AuthInput.
type Effect int

const (
	// Decline means the policy has no opinion; it neither allows nor denies.
	Decline Effect = iota
	Allow
	Deny
)

// Result is what a single Policy returns for one AuthInput. A policy that
// allows may additionally mark its result Primary: when the overall
// decision is allow, a primary reason wins over the other allowing
// policies' reasons as the Decision's summary.
type Result struct {
	Effect  Effect
	Reason  string
	Primary bool
}

// Policy is one labeled layer in the AND-composed corpus.
type Policy interface {
	ID() string
	Kind() string
	Evaluate(ctx context.Context, now time.Time, in authz.AuthInput) (Result, error)
}

// Snapshot is an immutable, atomically-swappable compiled rule set plus its
// monotonic version, which participates in the cache fingerprint so a
// reload implicitly invalidates the Decision Cache.
type Snapshot struct {
	Version  int64
	Policies []Policy
}

// Engine evaluates AuthInputs against the current Snapshot.
type Engine struct {
	snapshot       atomic.Pointer[Snapshot]
	clock          Clock
	evalTimeout    time.Duration
	metrics        *gatewaymetrics.Metrics
}

// NewEngine constructs an Engine with an initial (possibly empty) snapshot.
// An empty snapshot is deny-closed by construction: AND over zero policies
// with no allow ever asserted denies per evaluate's default.
func NewEngine(initial *Snapshot, clock Clock, evalTimeout time.Duration, m *gatewaymetrics.Metrics) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if initial == nil {
		initial = &Snapshot{Version: 0}
	}
	e := &Engine{clock: clock, evalTimeout: evalTimeout, metrics: m}
	e.snapshot.Store(initial)
	return e
}

// Swap atomically installs a new snapshot. In-flight evaluations that have
// already loaded the previous snapshot continue against it.
func (e *Engine) Swap(s *Snapshot) {
	e.snapshot.Store(s)
}

// CurrentVersion returns the active snapshot's version, for fingerprinting.
func (e *Engine) CurrentVersion() int64 {
	return e.snapshot.Load().Version
}

// Evaluate runs every enabled policy in the current snapshot and
// AND-composes their effects: allow iff no enabled policy denies AND at
// least one affirmatively allows. Declines do not deny, and an empty
// corpus is deny-closed because nothing can have allowed.
func (e *Engine) Evaluate(ctx context.Context, in authz.AuthInput) authz.Decision {
	snapshot := e.snapshot.Load()
	now := e.clock()

	decCtx := ctx
	var cancel context.CancelFunc
	if e.evalTimeout > 0 {
		decCtx, cancel = context.WithTimeout(ctx, e.evalTimeout)
		defer cancel()
	}

	evaluated := make([]string, 0, len(snapshot.Policies))
	anyAllow := false
	allowReason := ""
	primaryReason := ""

	for _, p := range snapshot.Policies {
		select {
		case <-decCtx.Done():
			return e.denyResult(in, "timeout", evaluated)
		default:
		}

		res, err := p.Evaluate(decCtx, now, in)
		evaluated = append(evaluated, p.ID())
		if e.metrics != nil {
			effectLabel := "decline"
			if err == nil {
				switch res.Effect {
				case Allow:
					effectLabel = "allow"
				case Deny:
					effectLabel = "deny"
				}
			}
			e.metrics.PolicyEvalTotal.WithLabelValues(p.Kind(), effectLabel).Inc()
		}
		if err != nil {
			if e.metrics != nil {
				e.metrics.PolicyEvalErrors.WithLabelValues(p.Kind()).Inc()
			}
			return e.denyResult(in, fmt.Sprintf("evaluation_error: %s", p.Kind()), evaluated)
		}
		switch res.Effect {
		case Deny:
			return e.denyResult(in, res.Reason, evaluated)
		case Allow:
			anyAllow = true
			if allowReason == "" {
				allowReason = res.Reason
			}
			if res.Primary && primaryReason == "" {
				primaryReason = res.Reason
			}
		case Decline:
		}
	}

	if !anyAllow {
		return e.denyResult(in, "no policy allowed (deny-closed)", evaluated)
	}

	// The composed allow reason: a primary policy's reason when one
	// allowed, otherwise the first allowing policy's reason.
	reason := primaryReason
	if reason == "" {
		reason = allowReason
	}
	if reason == "" {
		reason = "allow"
	}

	return authz.Decision{
		Allow:              true,
		Reason:             reason,
		FilteredParameters: filteredParams(in),
		PoliciesEvaluated:  evaluated,
		EvaluatedAt:        now,
		CacheTTLHint:       0,
	}
}

func (e *Engine) denyResult(in authz.AuthInput, reason string, evaluated []string) authz.Decision {
	return authz.Decision{
		Allow:             false,
		Reason:            reason,
		PoliciesEvaluated: evaluated,
		EvaluatedAt:       e.clock(),
	}
}

func filteredParams(in authz.AuthInput) map[string]any {
	if in.Capability == nil {
		return authz.RedactParameters(in.Parameters, nil)
	}
	return authz.RedactParameters(in.Parameters, in.Capability.SensitiveKeys)
}

// EvaluateBatch evaluates each input independently and preserves order; no
// two inputs share state during evaluation.
func (e *Engine) EvaluateBatch(ctx context.Context, inputs []authz.AuthInput) []authz.Decision {
	out := make([]authz.Decision, len(inputs))
	for i, in := range inputs {
		out[i] = e.Evaluate(ctx, in)
	}
	return out
}
