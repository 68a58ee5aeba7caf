package policy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/opswarden/opswarden/internal/config"
)

// CompiledPolicy pairs a PolicyConfig with its compiled condition.
type CompiledPolicy struct {
	Config  config.PolicyConfig
	CELRule *CompiledRule
}

// Loader compiles policy configs into evaluation-ready CompiledPolicy values.
type Loader struct {
	celEval *CELEvaluator
	logger  *slog.Logger
}

// NewLoader creates a policy Loader.
func NewLoader(celEval *CELEvaluator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		celEval: celEval,
		logger:  logger.With("component", "policy.Loader"),
	}
}

// LoadFromConfig compiles configs in order. If any policy has an unknown
// effect or a condition that does not compile, the whole set is rejected.
func (l *Loader) LoadFromConfig(configs []config.PolicyConfig) ([]CompiledPolicy, error) {
	policies := make([]CompiledPolicy, 0, len(configs))
	var errs []error

	for i, cfg := range configs {
		switch cfg.Effect {
		case EffectDeny, EffectRequireApproval, EffectAllow:
		default:
			errs = append(errs, fmt.Errorf("policy %q: unknown effect %q", cfg.Name, cfg.Effect))
			continue
		}

		rule, err := l.celEval.CompileExpression(cfg.Condition)
		if err != nil {
			l.logger.Error("invalid policy condition",
				"policy_name", cfg.Name,
				"index", i,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("policy %q: %w", cfg.Name, err))
			continue
		}

		policies = append(policies, CompiledPolicy{Config: cfg, CELRule: &rule})
		l.logger.Debug("loaded policy", "name", cfg.Name, "effect", cfg.Effect)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	l.logger.Info("policy loading complete", "loaded_policies", len(policies))
	return policies, nil
}
