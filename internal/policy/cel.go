package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates CEL expressions against ActionContext
// values. Expressions are compiled once at load time; evaluation is lock-free
// and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the variables available in
// policy conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		// action.*
		cel.Variable("action.name", cel.StringType),
		cel.Variable("action.backend", cel.StringType),
		cel.Variable("action.risk", cel.StringType),
		cel.Variable("action.requires_approval", cel.BoolType),
		cel.Variable("action.params", cel.MapType(cel.StringType, cel.DynType)),

		// proposal.*
		cel.Variable("proposal.dry_run", cel.BoolType),
		cel.Variable("proposal.rationale", cel.StringType),
		cel.Variable("proposal.risks", cel.ListType(cel.StringType)),
		cel.Variable("proposal.proposed_by", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// CompileExpression parses and type-checks a CEL expression. The expression
// must evaluate to bool.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledRule{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a pre-compiled rule against ctx. It returns true if the
// condition matches.
func (c *CELEvaluator) Evaluate(rule CompiledRule, ctx ActionContext) (bool, error) {
	if rule.program == nil {
		return false, fmt.Errorf("CEL rule %q is not compiled", rule.Expression)
	}

	params := map[string]interface{}(ctx.Params)
	if params == nil {
		// CEL map access on nil panics.
		params = map[string]interface{}{}
	}
	risks := ctx.Risks
	if risks == nil {
		risks = []string{}
	}

	vars := map[string]interface{}{
		"action.name":              ctx.Definition.Name,
		"action.backend":           ctx.Definition.Backend,
		"action.risk":              string(ctx.Definition.RiskTier),
		"action.requires_approval": ctx.Definition.RequiresApproval,
		"action.params":            params,

		"proposal.dry_run":     ctx.DryRun,
		"proposal.rationale":   ctx.Rationale,
		"proposal.risks":       risks,
		"proposal.proposed_by": ctx.ProposedBy,
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}
	return result, nil
}
