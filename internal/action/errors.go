package action

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError aggregates every parameter violation for one action.
type ValidationError struct {
	Action     string
	Violations []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("invalid parameters for action %q: %s", e.Action, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual violations to errors.Is/As.
func (e *ValidationError) Unwrap() []error { return e.Violations }

// ObserveOnlyError is returned when a state-changing operation is attempted
// while the safety controller is in OBSERVE mode.
type ObserveOnlyError struct {
	Operation string
}

func (e *ObserveOnlyError) Error() string {
	if e.Operation == "" {
		return "system is in observe-only mode"
	}
	return fmt.Sprintf("system is in observe-only mode: %s refused", e.Operation)
}

// NotFoundError reports an unknown action or proposal.
type NotFoundError struct {
	Kind string // "action" or "proposal"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// AlreadyTerminalError reports an illegal lifecycle transition, most often
// an attempt to act on a proposal that already finished or was cancelled.
type AlreadyTerminalError struct {
	ProposalID string
	From       Status
	To         Status
	// Operation names a refused operation that is not a status change,
	// such as "approve". To is ignored when it is set.
	Operation string
}

func (e *AlreadyTerminalError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("proposal %s cannot %s while %s", e.ProposalID, e.Operation, e.From)
	}
	return fmt.Sprintf("proposal %s cannot move from %s to %s", e.ProposalID, e.From, e.To)
}

// BackendError wraps a failure raised by an execution backend.
type BackendError struct {
	Action  string
	Timeout bool
	Err     error
}

func (e *BackendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backend timed out executing %q: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("backend failed executing %q: %v", e.Action, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// KillSwitchActiveError is reserved for callers that need to distinguish a
// kill-switch-initiated refusal from a plain observe-only refusal.
type KillSwitchActiveError struct {
	Reason string
}

func (e *KillSwitchActiveError) Error() string {
	return fmt.Sprintf("kill switch active: %s", e.Reason)
}

// ApprovalRequiredError is returned when executing a proposal that needs
// sign-off it has not received.
type ApprovalRequiredError struct {
	ProposalID string
	RiskTier   RiskTier
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("proposal %s (%s risk) requires approval before execution", e.ProposalID, e.RiskTier)
}

// PolicyDeniedError is returned when a safety policy rejects a proposal.
type PolicyDeniedError struct {
	Policy  string
	Message string
}

func (e *PolicyDeniedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("denied by policy %q", e.Policy)
	}
	return fmt.Sprintf("denied by policy %q: %s", e.Policy, e.Message)
}

// ErrRateLimited is returned when proposals arrive faster than allowed.
var ErrRateLimited = errors.New("proposal rate limit exceeded")

// Error kinds returned by KindOf.
const (
	KindValidation       = "validation"
	KindObserveOnly      = "observe_only"
	KindNotFound         = "not_found"
	KindAlreadyTerminal  = "already_terminal"
	KindBackend          = "backend"
	KindKillSwitch       = "kill_switch"
	KindApprovalRequired = "approval_required"
	KindPolicyDenied     = "policy_denied"
	KindRateLimited      = "rate_limited"
	KindInternal         = "internal"
)

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	var (
		validation *ValidationError
		observe    *ObserveOnlyError
		notFound   *NotFoundError
		terminal   *AlreadyTerminalError
		backend    *BackendError
		kill       *KillSwitchActiveError
		approval   *ApprovalRequiredError
		denied     *PolicyDeniedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &observe):
		return KindObserveOnly
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &terminal):
		return KindAlreadyTerminal
	case errors.As(err, &backend):
		return KindBackend
	case errors.As(err, &kill):
		return KindKillSwitch
	case errors.As(err, &approval):
		return KindApprovalRequired
	case errors.As(err, &denied):
		return KindPolicyDenied
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	}
	return KindInternal
}
