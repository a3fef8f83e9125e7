package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"

	"github.com/authgateway/gateway/internal/authz"
)

// builtinFunctions are utility helpers available to every custom policy
// script, injected before the user script runs.
const builtinFunctions = `
function hasRole(principal, role) {
	if (!principal || !principal.Roles) return false;
	return principal.Roles.indexOf(role) !== -1;
}
function hasTeam(principal, team) {
	if (!principal || !principal.Teams) return false;
	return principal.Teams.indexOf(team) !== -1;
}
`

// ScriptPolicy evaluates a sandboxed JavaScript expression against the
// AuthInput for deployments that need rule logic the built-in kinds cannot
// express; the engine embeds a rule language rather than defining one. A
// fresh VM is created per evaluation so no script can retain state across
// requests or see another evaluation's data.
type ScriptPolicy struct {
	id      string
	source  string // whole script; its completion value "allow"|"deny" is the verdict, anything else declines
	reason  string
	timeout time.Duration
}

// NewScriptPolicy compiles no state up front; the script body is
// re-parsed by a fresh VM on every Evaluate call so executions never
// share interpreter state.
func NewScriptPolicy(id, source, reason string, timeout time.Duration) *ScriptPolicy {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &ScriptPolicy{id: id, source: source, reason: reason, timeout: timeout}
}

func (p *ScriptPolicy) ID() string   { return p.id }
func (p *ScriptPolicy) Kind() string { return "script" }

func (p *ScriptPolicy) Evaluate(ctx context.Context, now time.Time, in authz.AuthInput) (Result, error) {
	vm := goja.New()

	if _, err := vm.RunString(builtinFunctions); err != nil {
		return Result{}, fmt.Errorf("load script builtins: %w", err)
	}

	doc, err := inputDocument(in, now)
	if err != nil {
		return Result{}, fmt.Errorf("marshal script input: %w", err)
	}
	if err := vm.Set("input", doc); err != nil {
		return Result{}, fmt.Errorf("bind script input: %w", err)
	}
	if err := vm.Set("jsonpath", func(expr string) (goja.Value, error) {
		v, err := jsonpath.Get(expr, doc)
		if err != nil {
			return goja.Undefined(), nil
		}
		return vm.ToValue(v), nil
	}); err != nil {
		return Result{}, fmt.Errorf("bind jsonpath helper: %w", err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(p.timeout, func() {
		vm.Interrupt("policy script exceeded time budget")
	})
	defer timer.Stop()

	var value goja.Value
	go func() {
		defer close(done)
		value, err = vm.RunString(p.source)
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("context canceled")
		<-done
		return Result{}, ctx.Err()
	case <-done:
	}
	if err != nil {
		return Result{}, fmt.Errorf("execute policy script %s: %w", p.id, err)
	}

	switch value.Export() {
	case "allow":
		return Result{Effect: Allow, Reason: p.reason}, nil
	case "deny":
		return Result{Effect: Deny, Reason: p.reason}, nil
	default:
		return Result{Effect: Decline}, nil
	}
}

// ExpressionPolicy evaluates a single gval boolean expression against the
// AuthInput document, with jsonpath.Get exposed as a callable function so
// expressions can reach into parameters or context without a full script
// engine, e.g. `jsonpath("$.parameters.amount") < 1000`.
type ExpressionPolicy struct {
	id         string
	expression string
	onTrue     Effect
	reason     string
}

// NewExpressionPolicy validates expression compiles against a stand-in
// jsonpath function at corpus-load time; a syntax error here fails the load
// rather than every future evaluation. The real jsonpath binding (closed
// over each request's document) is rebuilt per Evaluate call.
func NewExpressionPolicy(id, expression, reason string, onTrue Effect) (*ExpressionPolicy, error) {
	lang := gval.Full(gval.Function("jsonpath", func(args ...interface{}) (interface{}, error) {
		return nil, nil
	}))
	if _, err := lang.NewEvaluable(expression); err != nil {
		return nil, fmt.Errorf("compile expression policy %s: %w", id, err)
	}
	return &ExpressionPolicy{id: id, expression: expression, onTrue: onTrue, reason: reason}, nil
}

func (p *ExpressionPolicy) ID() string   { return p.id }
func (p *ExpressionPolicy) Kind() string { return "expression" }

func (p *ExpressionPolicy) Evaluate(ctx context.Context, now time.Time, in authz.AuthInput) (Result, error) {
	doc, err := inputDocument(in, now)
	if err != nil {
		return Result{}, fmt.Errorf("marshal expression input: %w", err)
	}

	lang := gval.Full(gval.Function("jsonpath", func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("jsonpath() takes exactly one argument")
		}
		expr, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("jsonpath() argument must be a string")
		}
		v, err := jsonpath.Get(expr, doc)
		if err != nil {
			return nil, nil
		}
		return v, nil
	}))
	eval, err := lang.NewEvaluable(p.expression)
	if err != nil {
		return Result{}, fmt.Errorf("compile expression policy %s: %w", p.id, err)
	}

	value, err := eval(ctx, doc)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate expression policy %s: %w", p.id, err)
	}
	truthy, ok := value.(bool)
	if !ok {
		return Result{}, fmt.Errorf("expression policy %s did not produce a boolean", p.id)
	}
	if !truthy {
		return Result{Effect: Decline}, nil
	}
	return Result{Effect: p.onTrue, Reason: p.reason}, nil
}

// inputDocument converts an AuthInput into the plain map[string]any shape
// both the goja VM and jsonpath expressions operate over.
func inputDocument(in authz.AuthInput, now time.Time) (map[string]any, error) {
	raw, err := json.Marshal(struct {
		Action     string            `json:"action"`
		Principal  *authz.Principal  `json:"principal"`
		Resource   *authz.Resource   `json:"resource,omitempty"`
		Capability *authz.Capability `json:"capability,omitempty"`
		Parameters map[string]any    `json:"parameters,omitempty"`
		Context    authz.Context     `json:"context"`
		Now        int64             `json:"now"`
	}{
		Action:     in.Action,
		Principal:  in.Principal,
		Resource:   in.Resource,
		Capability: in.Capability,
		Parameters: in.Parameters,
		Context:    in.Context,
		Now:        now.Unix(),
	})
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
