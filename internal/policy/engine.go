// Package policy decides whether a proposal may enter the queue and whether
// it needs a human approval before it can run. Conditions are CEL
// expressions evaluated against the action definition and the proposal.
package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/config"
)

// Effect constants match the values used in config.PolicyConfig.Effect.
const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

// ActionContext is everything a policy condition can see.
type ActionContext struct {
	Definition action.Definition
	Params     action.Params
	DryRun     bool
	Rationale  string
	Risks      []string
	ProposedBy string
}

// Decision is the outcome of evaluating all policies for one proposal.
type Decision struct {
	Effect           string `json:"effect"`           // allow or deny
	Policy           string `json:"policy,omitempty"` // the deciding or approval-triggering policy
	Message          string `json:"message,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Denied reports whether the proposal must be rejected.
func (d Decision) Denied() bool { return d.Effect == EffectDeny }

// Err returns a *action.PolicyDeniedError for a denied decision, else nil.
func (d Decision) Err() error {
	if !d.Denied() {
		return nil
	}
	return &action.PolicyDeniedError{Policy: d.Policy, Message: d.Message}
}

// Engine evaluates the configured policies in order. The first matching
// deny rejects the proposal, the first matching allow stops evaluation, and
// every matching require_approval marks the proposal as needing approval.
// Independently of the policies, a definition that requires approval or a
// risk tier listed in approval_tiers always needs approval.
//
// Engine is safe for concurrent use and can be reloaded while serving.
type Engine struct {
	mu            sync.RWMutex
	policies      []CompiledPolicy
	approvalTiers map[action.RiskTier]bool
	loader        *Loader
	celEval       *CELEvaluator
	logger        *slog.Logger
}

// NewEngine creates an Engine with no policies and no approval tiers.
func NewEngine(celEval *CELEvaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		approvalTiers: map[action.RiskTier]bool{},
		loader:        NewLoader(celEval, logger),
		celEval:       celEval,
		logger:        logger.With("component", "policy.Engine"),
	}
}

// Load compiles the policies and approval tiers from cfg and replaces the
// active set atomically. On error the previous set stays active.
func (e *Engine) Load(policies []config.PolicyConfig, approvalTiers []string) error {
	compiled, err := e.loader.LoadFromConfig(policies)
	if err != nil {
		return err
	}

	tiers := make(map[action.RiskTier]bool, len(approvalTiers))
	for _, t := range approvalTiers {
		tier := action.RiskTier(t)
		if !tier.Valid() {
			return fmt.Errorf("unknown approval tier %q", t)
		}
		tiers[tier] = true
	}

	e.mu.Lock()
	e.policies = compiled
	e.approvalTiers = tiers
	e.mu.Unlock()

	e.logger.Info("policies loaded into engine", "count", len(compiled), "approval_tiers", approvalTiers)
	return nil
}

// Evaluate runs ctx through the loaded policies.
func (e *Engine) Evaluate(ctx ActionContext) Decision {
	e.mu.RLock()
	policies := e.policies
	tierNeedsApproval := e.approvalTiers[ctx.Definition.RiskTier]
	e.mu.RUnlock()

	d := Decision{Effect: EffectAllow}
	if ctx.Definition.RequiresApproval {
		d.RequiresApproval = true
		d.Message = "action requires approval"
	} else if tierNeedsApproval {
		d.RequiresApproval = true
		d.Message = fmt.Sprintf("risk tier %s requires approval", ctx.Definition.RiskTier)
	}

	for _, p := range policies {
		matched, err := e.celEval.Evaluate(*p.CELRule, ctx)
		if err != nil {
			e.logger.Error("CEL evaluation error, failing closed (deny)",
				"policy", p.Config.Name,
				"error", err,
			)
			return Decision{
				Effect:  EffectDeny,
				Policy:  p.Config.Name,
				Message: "policy evaluation error: " + err.Error(),
			}
		}
		if !matched {
			continue
		}

		switch p.Config.Effect {
		case EffectDeny:
			e.logger.Warn("policy denied proposal",
				"policy", p.Config.Name,
				"action", ctx.Definition.Name,
				"message", p.Config.Message,
			)
			return Decision{Effect: EffectDeny, Policy: p.Config.Name, Message: p.Config.Message}

		case EffectRequireApproval:
			if !d.RequiresApproval || d.Policy == "" {
				d.Policy = p.Config.Name
				d.Message = p.Config.Message
			}
			d.RequiresApproval = true

		case EffectAllow:
			e.logger.Debug("allow policy matched", "policy", p.Config.Name, "action", ctx.Definition.Name)
			return d
		}
	}
	return d
}

// PolicyCount returns the number of currently loaded policies.
func (e *Engine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// Policies returns the names and effects of the loaded policies in order.
func (e *Engine) Policies() []config.PolicyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]config.PolicyConfig, len(e.policies))
	for i, p := range e.policies {
		out[i] = p.Config
	}
	return out
}
