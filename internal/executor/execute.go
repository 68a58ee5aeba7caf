package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/alert"
	"github.com/opswarden/opswarden/internal/audit"
	"github.com/opswarden/opswarden/internal/backend"
)

// errBackendTimeout is the cause recorded when the backend call outlives
// executor.backend_timeout.
var errBackendTimeout = errors.New("backend call exceeded the executor timeout")

// Preflight reports whether Execute would be refused right now, without
// changing anything. The dispatcher uses it to reject work up front.
func (e *Executor) Preflight(id string) error {
	p, err := e.load(id)
	if err != nil {
		return err
	}
	_, err = e.checkExecutable(p)
	if err != nil {
		return err
	}
	return e.gate.CheckCanExecute("execute")
}

// checkExecutable applies the preconditions that do not depend on the mode.
func (e *Executor) checkExecutable(p *action.Proposal) (action.Definition, error) {
	if p.Status != action.StatusValidated {
		return action.Definition{}, &action.AlreadyTerminalError{ProposalID: p.ID, From: p.Status, To: action.StatusExecuting}
	}
	def, ok := e.backends.Catalog().Lookup(p.ActionName)
	if !ok {
		return action.Definition{}, &action.NotFoundError{Kind: "action", ID: p.ActionName}
	}
	if p.RequiresApproval && !p.Approved() {
		return action.Definition{}, &action.ApprovalRequiredError{ProposalID: p.ID, RiskTier: def.RiskTier}
	}
	if err := action.Validate(def, p.Params); err != nil {
		return action.Definition{}, err
	}
	return def, nil
}

// Execute runs a validated proposal. A dry-run proposal produces a record
// and stays validated. Otherwise the proposal is claimed under the safety
// gate, the backend runs on its own goroutine bounded by the backend
// timeout, and the outcome is recorded and audited whatever happens. A
// failed execution returns the record together with *action.BackendError.
func (e *Executor) Execute(ctx context.Context, id string) (*action.Record, error) {
	p, err := e.load(id)
	if err != nil {
		return nil, err
	}
	def, err := e.checkExecutable(p)
	if err != nil {
		return nil, err
	}

	if p.DryRun {
		return e.dryRun(ctx, p, def)
	}

	// Second checkpoint: the claim happens under the read lock, so a kill
	// switch either sees this proposal as executing or wins and cancels it.
	err = e.gate.Permit("execute", func() error {
		if err := e.transition(p, []action.Status{action.StatusValidated}, action.StatusExecuting, nil); err != nil {
			return err
		}
		_, err := e.auditor.LogEvent(audit.Event{ProposalID: id, Type: action.EventExecuting, Detail: map[string]any{
			"action":  def.Name,
			"backend": def.Backend,
		}})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("executing proposal", "proposal_id", id, "action", def.Name, "backend", def.Backend)

	started := time.Now()
	out := e.call(ctx, def.Name, p.Params)

	return e.finish(p, def, out, time.Since(started))
}

// callOutcome is what came back from a backend call.
type callOutcome struct {
	res      *backend.Result
	err      error
	timedOut bool
}

// call runs the backend on its own goroutine. Once a proposal is
// executing, only the backend timeout bounds the call: cancelling ctx does
// not abandon work that may already have changed the target. On timeout
// the goroutine is abandoned and left to finish on its own.
func (e *Executor) call(ctx context.Context, name string, params action.Params) callOutcome {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.backendTimeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("backend call panicked", "action", name, "panic", r, "stack", string(debug.Stack()))
				done <- callOutcome{err: fmt.Errorf("backend panicked: %v", r)}
			}
		}()
		res, err := e.backends.Dispatch(callCtx, name, params)
		done <- callOutcome{res: res, err: err, timedOut: res != nil && res.Timeout}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			o.err, o.timedOut = errBackendTimeout, true
		}
		return o
	case <-callCtx.Done():
		e.logger.Warn("backend call timed out, abandoning it", "action", name, "timeout", e.backendTimeout)
		return callOutcome{err: errBackendTimeout, timedOut: true}
	}
}

// finish moves the proposal to its terminal status, writes the record and
// audits the outcome.
func (e *Executor) finish(p *action.Proposal, def action.Definition, out callOutcome, elapsed time.Duration) (*action.Record, error) {
	res, callErr := out.res, out.err
	rec := &action.Record{
		ID:         action.NewID(),
		ProposalID: p.ID,
		ActionName: def.Name,
		Timeout:    out.timedOut,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if res != nil {
		rec.Success = callErr == nil && res.Success
		rec.Message = res.Message
		rec.Output = marshalOrNil(res.Output)
		rec.StateBefore = marshalOrNil(res.StateBefore)
		rec.StateAfter = marshalOrNil(res.StateAfter)
	}
	if callErr != nil {
		rec.Success = false
		rec.Message = callErr.Error()
	}

	to, event := action.StatusCompleted, action.EventCompleted
	if !rec.Success {
		to, event = action.StatusFailed, action.EventFailed
	}

	summary := marshalOrNil(map[string]any{
		"record_id": rec.ID,
		"success":   rec.Success,
		"timeout":   rec.Timeout,
		"message":   rec.Message,
	})

	var errs []error
	if err := e.transition(p, []action.Status{action.StatusExecuting}, to, summary); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.InsertRecord(rec); err != nil {
		errs = append(errs, fmt.Errorf("persisting record: %w", err))
	}
	if _, err := e.auditor.LogEvent(audit.Event{ProposalID: p.ID, Type: event, Detail: map[string]any{
		"action":      def.Name,
		"record_id":   rec.ID,
		"success":     rec.Success,
		"timeout":     rec.Timeout,
		"message":     rec.Message,
		"duration_ms": rec.DurationMs,
	}}); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		e.logger.Error("failed to finalize proposal", "proposal_id", p.ID, "error", errors.Join(errs...))
	}

	if rec.Success {
		e.logger.Info("proposal completed", "proposal_id", p.ID, "action", def.Name, "duration_ms", rec.DurationMs)
		return rec, errors.Join(errs...)
	}

	e.logger.Warn("proposal failed",
		"proposal_id", p.ID,
		"action", def.Name,
		"timeout", rec.Timeout,
		"message", rec.Message,
	)
	e.notify(alert.Alert{
		Type:       alert.TypeExecutionFailed,
		Severity:   "warning",
		Title:      "Action execution failed",
		Message:    fmt.Sprintf("%s failed: %s", def.Name, rec.Message),
		ProposalID: p.ID,
		Action:     def.Name,
		Details:    map[string]any{"timeout": rec.Timeout, "duration_ms": rec.DurationMs},
	})

	cause := callErr
	if cause == nil {
		cause = errors.New(rec.Message)
	}
	var backendErr error = &action.BackendError{Action: def.Name, Timeout: rec.Timeout, Err: cause}
	if len(errs) > 0 {
		backendErr = errors.Join(append([]error{backendErr}, errs...)...)
	}
	return rec, backendErr
}

// dryRun asks the backend to describe the action. The proposal stays
// validated and may be dry-run again.
func (e *Executor) dryRun(ctx context.Context, p *action.Proposal, def action.Definition) (*action.Record, error) {
	if err := e.gate.CheckCanExecute("dry run"); err != nil {
		return nil, err
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.backendTimeout)
	defer cancel()
	res, planned, err := e.backends.Plan(callCtx, def.Name, p.Params)

	rec := &action.Record{
		ID:         action.NewID(),
		ProposalID: p.ID,
		ActionName: def.Name,
		DryRun:     true,
		DurationMs: time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	switch {
	case err != nil:
		rec.Message = err.Error()
	case !planned:
		rec.Success = true
		rec.Message = fmt.Sprintf("dry run: would run %s on backend %s with validated parameters", def.Name, def.Backend)
	case res == nil:
		rec.Message = "dry run: backend returned no plan"
	default:
		rec.Success = res.Success
		rec.Message = res.Message
		rec.Output = marshalOrNil(res.Output)
		rec.StateBefore = marshalOrNil(res.StateBefore)
	}

	if err := e.store.InsertRecord(rec); err != nil {
		return nil, fmt.Errorf("persisting dry-run record: %w", err)
	}
	if _, err := e.auditor.LogEvent(audit.Event{ProposalID: p.ID, Type: action.EventDryRun, Detail: map[string]any{
		"action":    def.Name,
		"record_id": rec.ID,
		"success":   rec.Success,
		"message":   rec.Message,
	}}); err != nil {
		return rec, err
	}

	e.logger.Info("dry run recorded", "proposal_id", p.ID, "action", def.Name, "success", rec.Success)
	return rec, nil
}

func marshalOrNil(v any) json.RawMessage {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if len(m) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
