package action

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusValidated Status = "validated"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusProposed:  {StatusValidated, StatusCancelled},
	StatusValidated: {StatusExecuting, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether Cancel or the kill switch may preempt s.
func (s Status) Cancellable() bool {
	return s == StatusProposed || s == StatusValidated
}

// Proposal is a request to perform one action with concrete parameters.
// Proposals are never deleted; their status only moves forward.
type Proposal struct {
	ID               string          `json:"id" db:"id"`
	ActionName       string          `json:"action_name" db:"action_name"`
	Params           Params          `json:"parameters" db:"parameters"`
	Rationale        string          `json:"rationale,omitempty" db:"rationale"`
	Risks            []string        `json:"risks,omitempty" db:"risks"`
	Status           Status          `json:"status" db:"status"`
	DryRun           bool            `json:"dry_run" db:"dry_run"`
	RequiresApproval bool            `json:"requires_approval" db:"requires_approval"`
	ProposedBy       string          `json:"proposed_by,omitempty" db:"proposed_by"`
	ProposedAt       time.Time       `json:"proposed_at" db:"proposed_at"`
	ValidatedAt      *time.Time      `json:"validated_at,omitempty" db:"validated_at"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy       string          `json:"approved_by,omitempty" db:"approved_by"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Result           json.RawMessage `json:"result,omitempty" db:"result"`
}

// Approved reports whether an approver has signed off on the proposal.
func (p *Proposal) Approved() bool {
	return p.ApprovedAt != nil
}

// Record is the immutable outcome of one execution attempt (or one dry run).
type Record struct {
	ID          string          `json:"id" db:"id"`
	ProposalID  string          `json:"proposal_id" db:"proposal_id"`
	ActionName  string          `json:"action_name" db:"action_name"`
	Success     bool            `json:"success" db:"success"`
	Timeout     bool            `json:"timeout" db:"timeout"`
	DryRun      bool            `json:"dry_run" db:"dry_run"`
	Message     string          `json:"message" db:"message"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	StateBefore json.RawMessage `json:"state_before,omitempty" db:"state_before"`
	StateAfter  json.RawMessage `json:"state_after,omitempty" db:"state_after"`
	DurationMs  int64           `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// EventType categorizes audit events.
type EventType string

const (
	EventProposed   EventType = "proposed"
	EventValidated  EventType = "validated"
	EventApproved   EventType = "approved"
	EventExecuting  EventType = "executing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventDryRun     EventType = "dry_run"
	EventKillSwitch EventType = "kill_switch"
	EventModeChange EventType = "mode_change"
)

// AuditEvent is one append-only entry in the audit log. Events form a hash
// chain ordered by Seq.
type AuditEvent struct {
	ID         string          `json:"id" db:"id"`
	Seq        int64           `json:"seq" db:"seq"`
	ProposalID string          `json:"proposal_id,omitempty" db:"proposal_id"`
	Type       EventType       `json:"event_type" db:"event_type"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	Detail     json.RawMessage `json:"detail,omitempty" db:"detail"`
	PrevHash   string          `json:"prev_hash" db:"prev_hash"`
	Hash       string          `json:"hash" db:"hash"`
}

// ProposalFilter defines query parameters for listing proposals.
type ProposalFilter struct {
	Status     Status
	ActionName string
	Since      *time.Time
	Limit      int
	Offset     int
}

// AuditFilter defines query parameters for listing audit events.
type AuditFilter struct {
	ProposalID string
	Type       EventType
	Since      *time.Time
	Limit      int
	Offset     int
}

// Stats holds aggregate counts across the store.
type Stats struct {
	ProposalsByStatus map[Status]int `json:"proposals_by_status"`
	TotalProposals    int            `json:"total_proposals"`
	TotalRecords      int            `json:"total_records"`
	FailedRecords     int            `json:"failed_records"`
	TotalAuditEvents  int            `json:"total_audit_events"`
}
