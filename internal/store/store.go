// Package store persists proposals, execution records and audit events.
package store

import (
	"encoding/json"
	"time"

	"github.com/opswarden/opswarden/internal/action"
)

// Store defines the interface for action persistence backends.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Proposals
	InsertProposal(p *action.Proposal) error
	GetProposal(id string) (*action.Proposal, error)
	ListProposals(filter action.ProposalFilter) ([]*action.Proposal, int, error)
	TransitionProposal(t Transition) (bool, error)
	ApproveProposal(id, approvedBy string, at time.Time) (bool, error)
	CancelPending(at time.Time) ([]string, error)

	// Records
	InsertRecord(r *action.Record) error
	ListRecords(proposalID string) ([]*action.Record, error)

	// Audit log
	AppendAuditEvent(e *action.AuditEvent) error
	LastAuditEvent() (*action.AuditEvent, error)
	ListAuditEvents(filter action.AuditFilter) ([]*action.AuditEvent, error)

	// Metrics
	GetStats() (*action.Stats, error)
}

// Transition is a conditional status change. It applies only if the
// proposal's current status is one of From, which makes it the single
// point where concurrent callers race for a proposal.
type Transition struct {
	ID     string
	From   []action.Status
	To     action.Status
	At     time.Time
	Result json.RawMessage
}
