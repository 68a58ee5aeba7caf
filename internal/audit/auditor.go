// Package audit maintains the append-only, hash-chained log of everything
// the framework does. Every event is redacted before it is persisted.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/sanitize"
)

// Log is the persistence the auditor needs. store.Store satisfies it.
type Log interface {
	AppendAuditEvent(e *action.AuditEvent) error
	LastAuditEvent() (*action.AuditEvent, error)
	ListAuditEvents(filter action.AuditFilter) ([]*action.AuditEvent, error)
}

// Event is the caller-supplied part of an audit entry.
type Event struct {
	ProposalID string
	Type       action.EventType
	Detail     map[string]any
}

// Subscriber receives every event after it is persisted. Subscribers are
// called in append order while the chain lock is held and must not block.
type Subscriber func(*action.AuditEvent)

// VerifyResult is the outcome of walking the whole chain.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at_seq,omitempty"`
	BrokenID string `json:"broken_at_id,omitempty"`
	LastHash string `json:"last_hash,omitempty"`
}

// Auditor appends events to the log. Appends are serialized so the hash
// chain never forks.
type Auditor struct {
	mu          sync.Mutex
	log         Log
	redactor    *sanitize.Scanner
	lastHash    string
	loaded      bool
	subscribers []Subscriber
	logger      *slog.Logger
}

// New creates an auditor. A nil redactor gets the default secret patterns.
func New(log Log, redactor *sanitize.Scanner, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if redactor == nil {
		redactor = sanitize.NewScanner(nil, logger)
	}
	return &Auditor{
		log:      log,
		redactor: redactor,
		logger:   logger.With("component", "audit.Auditor"),
	}
}

// Subscribe registers fn to receive every future event.
func (a *Auditor) Subscribe(fn Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// LogEvent redacts, chains and persists one event.
func (a *Auditor) LogEvent(ev Event) (*action.AuditEvent, error) {
	var detail json.RawMessage
	if len(ev.Detail) > 0 {
		data, err := json.Marshal(a.redactor.RedactValue(ev.Detail))
		if err != nil {
			return nil, fmt.Errorf("encoding audit detail: %w", err)
		}
		detail = data
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		last, err := a.log.LastAuditEvent()
		if err != nil {
			return nil, fmt.Errorf("loading audit chain head: %w", err)
		}
		a.lastHash = GenesisHash
		if last != nil {
			a.lastHash = last.Hash
		}
		a.loaded = true
	}

	e := &action.AuditEvent{
		ID:         action.NewID(),
		ProposalID: ev.ProposalID,
		Type:       ev.Type,
		Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
		Detail:     detail,
		PrevHash:   a.lastHash,
	}
	e.Hash = ComputeHash(e)

	if err := a.log.AppendAuditEvent(e); err != nil {
		a.logger.Error("failed to append audit event", "type", ev.Type, "proposal_id", ev.ProposalID, "error", err)
		return nil, fmt.Errorf("appending audit event: %w", err)
	}
	a.lastHash = e.Hash

	a.logger.Debug("audit event", "seq", e.Seq, "type", e.Type, "proposal_id", e.ProposalID)

	for _, fn := range a.subscribers {
		fn(e)
	}
	return e, nil
}

// GetEvents returns the events for one proposal, or the whole log when
// proposalID is empty, in append order.
func (a *Auditor) GetEvents(proposalID string) ([]*action.AuditEvent, error) {
	return a.log.ListAuditEvents(action.AuditFilter{ProposalID: proposalID})
}

// List returns events matching filter in append order.
func (a *Auditor) List(filter action.AuditFilter) ([]*action.AuditEvent, error) {
	return a.log.ListAuditEvents(filter)
}

// Verify recomputes every hash in the log and checks the links between
// consecutive events.
func (a *Auditor) Verify() (*VerifyResult, error) {
	events, err := a.log.ListAuditEvents(action.AuditFilter{})
	if err != nil {
		return nil, err
	}

	valid, brokenAt := VerifyChain(events)
	result := &VerifyResult{Valid: valid, Checked: len(events)}
	if len(events) > 0 {
		result.LastHash = events[len(events)-1].Hash
	}
	if !valid {
		result.BrokenAt = events[brokenAt].Seq
		result.BrokenID = events[brokenAt].ID
		a.logger.Error("audit chain verification failed", "seq", result.BrokenAt, "id", result.BrokenID)
	}
	return result, nil
}
