// Package executor drives proposals through their lifecycle: propose,
// validate, approve, execute and cancel. Every state change is gated by the
// safety controller where required and audited in the same operation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/alert"
	"github.com/opswarden/opswarden/internal/audit"
	"github.com/opswarden/opswarden/internal/backend"
	"github.com/opswarden/opswarden/internal/policy"
	"github.com/opswarden/opswarden/internal/store"
)

// Gate is the safety controller as seen by the executor.
type Gate interface {
	CheckCanExecute(operation string) error
	Permit(operation string, fn func() error) error
}

// Auditor records lifecycle events.
type Auditor interface {
	LogEvent(ev audit.Event) (*action.AuditEvent, error)
	GetEvents(proposalID string) ([]*action.AuditEvent, error)
}

// Backends resolves action definitions and runs them. *backend.Registry
// implements it.
type Backends interface {
	Catalog() *action.Catalog
	Dispatch(ctx context.Context, actionName string, params action.Params) (*backend.Result, error)
	Plan(ctx context.Context, actionName string, params action.Params) (*backend.Result, bool, error)
}

// Policy decides whether a proposal is admitted and whether it needs
// approval. *policy.Engine implements it.
type Policy interface {
	Evaluate(ctx policy.ActionContext) policy.Decision
}

// Limiter throttles proposal intake.
type Limiter interface {
	Allow() error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Send(a alert.Alert)
}

// Options configures an Executor. Store, Auditor, Gate and Backends are
// required.
type Options struct {
	Store          store.Store
	Auditor        Auditor
	Gate           Gate
	Backends       Backends
	Policy         Policy
	Limiter        Limiter
	Alerts         Notifier
	BackendTimeout time.Duration
	Logger         *slog.Logger
}

// ProposeRequest is a caller's request to perform one action.
type ProposeRequest struct {
	ActionName string         `json:"action_name"`
	Params     map[string]any `json:"parameters"`
	Rationale  string         `json:"rationale,omitempty"`
	Risks      []string       `json:"risks,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
	ProposedBy string         `json:"proposed_by,omitempty"`
}

// ProposalView is a proposal with its execution history.
type ProposalView struct {
	Proposal   *action.Proposal     `json:"proposal"`
	Definition *action.Definition   `json:"definition,omitempty"`
	Records    []*action.Record     `json:"records"`
	Events     []*action.AuditEvent `json:"events"`
	// InFlight is true while the backend call is running. The kill switch
	// does not interrupt an in-flight proposal.
	InFlight bool `json:"in_flight"`
}

// Executor orchestrates the action lifecycle.
type Executor struct {
	store          store.Store
	auditor        Auditor
	gate           Gate
	backends       Backends
	policy         Policy
	limiter        Limiter
	alerts         Notifier
	backendTimeout time.Duration
	logger         *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.BackendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Executor{
		store:          opts.Store,
		auditor:        opts.Auditor,
		gate:           opts.Gate,
		backends:       opts.Backends,
		policy:         opts.Policy,
		limiter:        opts.Limiter,
		alerts:         opts.Alerts,
		backendTimeout: timeout,
		logger:         logger.With("component", "executor.Executor"),
	}
}

// Propose admits a new proposal. Every rejection happens before anything
// is persisted: rate limit, unknown action, invalid parameters, policy
// denial and the observe-only gate.
func (e *Executor) Propose(ctx context.Context, req ProposeRequest) (*action.Proposal, error) {
	if e.limiter != nil {
		if err := e.limiter.Allow(); err != nil {
			return nil, err
		}
	}

	def, ok := e.backends.Catalog().Lookup(req.ActionName)
	if !ok {
		return nil, &action.NotFoundError{Kind: "action", ID: req.ActionName}
	}
	if err := action.Validate(def, req.Params); err != nil {
		return nil, err
	}

	params := action.Params(req.Params)
	if params == nil {
		params = action.Params{}
	}

	decision := policy.Decision{Effect: policy.EffectAllow, RequiresApproval: def.RequiresApproval}
	if e.policy != nil {
		decision = e.policy.Evaluate(policy.ActionContext{
			Definition: def,
			Params:     params,
			DryRun:     req.DryRun,
			Rationale:  req.Rationale,
			Risks:      req.Risks,
			ProposedBy: req.ProposedBy,
		})
	}
	if decision.Denied() {
		e.notify(alert.Alert{
			Type:     alert.TypePolicyDenied,
			Severity: "warning",
			Title:    "Proposal denied by policy",
			Message:  fmt.Sprintf("%s denied by %s: %s", def.Name, decision.Policy, decision.Message),
			Action:   def.Name,
			Details:  map[string]any{"policy": decision.Policy, "proposed_by": req.ProposedBy},
		})
		return nil, decision.Err()
	}

	p := &action.Proposal{
		ID:               action.NewID(),
		ActionName:       def.Name,
		Params:           params,
		Rationale:        req.Rationale,
		Risks:            req.Risks,
		Status:           action.StatusProposed,
		DryRun:           req.DryRun,
		RequiresApproval: decision.RequiresApproval,
		ProposedBy:       req.ProposedBy,
		ProposedAt:       time.Now().UTC(),
	}

	err := e.gate.Permit("propose", func() error {
		if err := e.store.InsertProposal(p); err != nil {
			return fmt.Errorf("persisting proposal: %w", err)
		}
		detail := map[string]any{
			"action":            def.Name,
			"backend":           def.Backend,
			"risk_tier":         def.RiskTier,
			"parameters":        map[string]any(params),
			"dry_run":           p.DryRun,
			"requires_approval": p.RequiresApproval,
		}
		if p.Rationale != "" {
			detail["rationale"] = p.Rationale
		}
		if len(p.Risks) > 0 {
			detail["risks"] = p.Risks
		}
		if p.ProposedBy != "" {
			detail["proposed_by"] = p.ProposedBy
		}
		if decision.Policy != "" {
			detail["policy"] = decision.Policy
		}
		_, err := e.auditor.LogEvent(audit.Event{ProposalID: p.ID, Type: action.EventProposed, Detail: detail})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("proposal created",
		"proposal_id", p.ID,
		"action", p.ActionName,
		"risk_tier", def.RiskTier,
		"requires_approval", p.RequiresApproval,
		"dry_run", p.DryRun,
	)

	if p.RequiresApproval {
		e.notify(alert.Alert{
			Type:       alert.TypeApprovalRequired,
			Severity:   "info",
			Title:      "Proposal awaiting approval",
			Message:    fmt.Sprintf("%s (%s risk) needs approval: %s", def.Name, def.RiskTier, decision.Message),
			ProposalID: p.ID,
			Action:     def.Name,
		})
	}
	return p, nil
}

// Validate re-checks the parameters against the current definition and
// moves the proposal from proposed to validated. A failed check leaves the
// proposal in proposed.
func (e *Executor) Validate(ctx context.Context, id string) error {
	p, err := e.load(id)
	if err != nil {
		return err
	}
	if p.Status != action.StatusProposed {
		return &action.AlreadyTerminalError{ProposalID: id, From: p.Status, To: action.StatusValidated}
	}

	def, ok := e.backends.Catalog().Lookup(p.ActionName)
	if !ok {
		return &action.NotFoundError{Kind: "action", ID: p.ActionName}
	}
	if err := action.Validate(def, p.Params); err != nil {
		return err
	}

	if err := e.transition(p, []action.Status{action.StatusProposed}, action.StatusValidated, nil); err != nil {
		return err
	}
	if _, err := e.auditor.LogEvent(audit.Event{ProposalID: id, Type: action.EventValidated, Detail: map[string]any{
		"action": p.ActionName,
	}}); err != nil {
		return err
	}

	e.logger.Info("proposal validated", "proposal_id", id, "action", p.ActionName)
	return nil
}

// Approve records a sign-off on a proposed or validated proposal.
func (e *Executor) Approve(ctx context.Context, id, approvedBy string) error {
	p, err := e.load(id)
	if err != nil {
		return err
	}
	if approvedBy == "" {
		return &action.ValidationError{Action: p.ActionName, Violations: []error{
			&action.ParamError{Param: "approved_by", Reason: "approver must be named"},
		}}
	}
	if !p.Status.Cancellable() {
		return &action.AlreadyTerminalError{ProposalID: id, From: p.Status, Operation: "approve"}
	}

	ok, err := e.store.ApproveProposal(id, approvedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approving proposal %s: %w", id, err)
	}
	if !ok {
		current, err := e.load(id)
		if err != nil {
			return err
		}
		return &action.AlreadyTerminalError{ProposalID: id, From: current.Status, Operation: "approve"}
	}
	if _, err := e.auditor.LogEvent(audit.Event{ProposalID: id, Type: action.EventApproved, Detail: map[string]any{
		"action":      p.ActionName,
		"approved_by": approvedBy,
	}}); err != nil {
		return err
	}

	e.logger.Info("proposal approved", "proposal_id", id, "approved_by", approvedBy)
	return nil
}

// Cancel moves a proposed or validated proposal to cancelled. Executing and
// terminal proposals are rejected.
func (e *Executor) Cancel(ctx context.Context, id, reason string) error {
	p, err := e.load(id)
	if err != nil {
		return err
	}
	if !p.Status.Cancellable() {
		return &action.AlreadyTerminalError{ProposalID: id, From: p.Status, To: action.StatusCancelled}
	}

	if err := e.transition(p, []action.Status{action.StatusProposed, action.StatusValidated}, action.StatusCancelled, nil); err != nil {
		return err
	}
	detail := map[string]any{"action": p.ActionName, "from": p.Status}
	if reason != "" {
		detail["reason"] = reason
	}
	if _, err := e.auditor.LogEvent(audit.Event{ProposalID: id, Type: action.EventCancelled, Detail: detail}); err != nil {
		return err
	}

	e.logger.Info("proposal cancelled", "proposal_id", id, "from", p.Status)
	return nil
}

// Show returns a proposal with its records and audit events.
func (e *Executor) Show(id string) (*ProposalView, error) {
	p, err := e.load(id)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListRecords(id)
	if err != nil {
		return nil, fmt.Errorf("listing records of %s: %w", id, err)
	}
	events, err := e.auditor.GetEvents(id)
	if err != nil {
		return nil, fmt.Errorf("listing events of %s: %w", id, err)
	}

	view := &ProposalView{
		Proposal: p,
		Records:  records,
		Events:   events,
		InFlight: p.Status == action.StatusExecuting,
	}
	if def, ok := e.backends.Catalog().Lookup(p.ActionName); ok {
		view.Definition = &def
	}
	return view, nil
}

// ListProposals returns proposals matching filter and the total count.
func (e *Executor) ListProposals(filter action.ProposalFilter) ([]*action.Proposal, int, error) {
	return e.store.ListProposals(filter)
}

// ListPending returns every proposed or validated proposal, oldest first.
func (e *Executor) ListPending() ([]*action.Proposal, error) {
	var pending []*action.Proposal
	const page = 500
	for _, st := range []action.Status{action.StatusProposed, action.StatusValidated} {
		for offset := 0; ; offset += page {
			ps, _, err := e.store.ListProposals(action.ProposalFilter{Status: st, Limit: page, Offset: offset})
			if err != nil {
				return nil, err
			}
			pending = append(pending, ps...)
			if len(ps) < page {
				break
			}
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].ProposedAt.Equal(pending[j].ProposedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].ProposedAt.Before(pending[j].ProposedAt)
	})
	return pending, nil
}

// Actions returns every registered action definition.
func (e *Executor) Actions() []action.Definition {
	return e.backends.Catalog().List()
}

// Stats returns aggregate counts from the store.
func (e *Executor) Stats() (*action.Stats, error) {
	return e.store.GetStats()
}

func (e *Executor) load(id string) (*action.Proposal, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, fmt.Errorf("loading proposal %s: %w", id, err)
	}
	if p == nil {
		return nil, &action.NotFoundError{Kind: "proposal", ID: id}
	}
	return p, nil
}

// transition applies a conditional status change. Losing the race to a
// concurrent caller surfaces as AlreadyTerminalError with the status that
// won.
func (e *Executor) transition(p *action.Proposal, from []action.Status, to action.Status, result []byte) error {
	ok, err := e.store.TransitionProposal(store.Transition{
		ID:     p.ID,
		From:   from,
		To:     to,
		At:     time.Now().UTC(),
		Result: result,
	})
	if err != nil {
		return fmt.Errorf("moving proposal %s to %s: %w", p.ID, to, err)
	}
	if !ok {
		return e.lostRace(p.ID, to)
	}
	return nil
}

func (e *Executor) lostRace(id string, to action.Status) error {
	current, err := e.load(id)
	if err != nil {
		return err
	}
	return &action.AlreadyTerminalError{ProposalID: id, From: current.Status, To: to}
}

func (e *Executor) notify(a alert.Alert) {
	if e.alerts == nil {
		return
	}
	a.Timestamp = time.Now().UTC()
	e.alerts.Send(a)
}
