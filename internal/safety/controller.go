// Package safety owns the process-wide execution gate: the OBSERVE/EXECUTE
// mode flag and the kill switch that drains the pending queue. Nothing else
// in the process mutates the mode.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/alert"
	"github.com/opswarden/opswarden/internal/audit"
)

// Mode is the safety mode.
type Mode string

const (
	ModeObserve Mode = "OBSERVE" // nothing executes
	ModeExecute Mode = "EXECUTE" // gated execution allowed
)

// ParseMode accepts "observe" or "execute" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeObserve:
		return ModeObserve, nil
	case ModeExecute:
		return ModeExecute, nil
	}
	return "", fmt.Errorf("unknown safety mode %q (want observe or execute)", s)
}

// Canceller is the slice of the action store the kill switch needs.
type Canceller interface {
	CancelPending(at time.Time) ([]string, error)
}

// EventLogger records audit events. *audit.Auditor satisfies it.
type EventLogger interface {
	LogEvent(ev audit.Event) (*action.AuditEvent, error)
}

// Notifier delivers operator alerts. *alert.Manager satisfies it.
type Notifier interface {
	Send(a alert.Alert)
}

// TriggerRecord logs who fired the kill switch, when, and what it cancelled.
type TriggerRecord struct {
	Reason       string    `json:"reason"`
	Source       string    `json:"source"` // api, cli, file
	PreviousMode Mode      `json:"previous_mode"`
	Cancelled    []string  `json:"cancelled"`
	Timestamp    time.Time `json:"timestamp"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode            Mode           `json:"mode"`
	KillCount       int            `json:"kill_count"`
	LastKill        *TriggerRecord `json:"last_kill,omitempty"`
	KillFile        string         `json:"kill_file,omitempty"`
	KillFilePresent bool           `json:"kill_file_present"`
}

// Options configures a Controller.
type Options struct {
	InitialMode Mode
	KillFile    string
	Store       Canceller
	Auditor     EventLogger
	Alerts      Notifier
	Logger      *slog.Logger
}

// Controller guards the mode with a single RWMutex. Gate checks that must
// be atomic with the state change they protect run inside Permit, which
// holds the read lock; KillSwitch and SetMode take the write lock, so once
// either returns no permitted operation is still running under the old mode.
type Controller struct {
	mu       sync.RWMutex
	mode     Mode
	history  []TriggerRecord
	store    Canceller
	auditor  EventLogger
	alerts   Notifier
	killFile string

	// fileSeen latches the kill file so a file left in place fires once.
	fileMu   sync.Mutex
	fileSeen bool

	logger *slog.Logger
}

// NewController returns a controller in opts.InitialMode, or OBSERVE when
// it is empty.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.InitialMode
	if mode != ModeExecute {
		mode = ModeObserve
	}
	return &Controller{
		mode:     mode,
		store:    opts.Store,
		auditor:  opts.Auditor,
		alerts:   opts.Alerts,
		killFile: opts.KillFile,
		logger:   logger.With("component", "safety.Controller"),
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// CheckCanExecute returns *action.ObserveOnlyError unless the mode is EXECUTE.
func (c *Controller) CheckCanExecute(operation string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode != ModeExecute {
		return &action.ObserveOnlyError{Operation: operation}
	}
	return nil
}

// Permit runs fn only if the mode is EXECUTE, holding the read lock for
// the duration so a concurrent kill switch waits for fn to finish. fn must
// be short and must not call back into the controller.
func (c *Controller) Permit(operation string, fn func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode != ModeExecute {
		return &action.ObserveOnlyError{Operation: operation}
	}
	return fn()
}

// SetMode switches the mode. Every call is audited, including no-op ones.
func (c *Controller) SetMode(mode Mode, source string) error {
	if mode != ModeObserve && mode != ModeExecute {
		return fmt.Errorf("unknown safety mode %q", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.mode
	c.mode = mode

	if c.auditor != nil {
		if _, err := c.auditor.LogEvent(audit.Event{
			Type: action.EventModeChange,
			Detail: map[string]any{
				"from":   string(prev),
				"to":     string(mode),
				"source": source,
			},
		}); err != nil {
			return fmt.Errorf("auditing mode change: %w", err)
		}
	}

	c.logger.Warn("safety mode changed", "from", prev, "to", mode, "source", source)
	if prev != mode && c.alerts != nil {
		c.alerts.Send(alert.Alert{
			Type:     alert.TypeModeChange,
			Severity: "warning",
			Title:    fmt.Sprintf("Safety mode %s -> %s", prev, mode),
			Message:  fmt.Sprintf("changed by %s", source),
		})
	}
	return nil
}

// KillSwitch forces OBSERVE and cancels every proposed or validated
// proposal. It returns how many proposals it cancelled. Proposals already
// executing are not interrupted. Calling it with nothing pending returns 0
// and only adds an audit entry.
func (c *Controller) KillSwitch(reason, source string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.mode
	c.mode = ModeObserve
	now := time.Now().UTC()

	var cancelled []string
	if c.store != nil {
		ids, err := c.store.CancelPending(now)
		if err != nil {
			c.logger.Error("kill switch could not cancel pending proposals", "error", err)
			return 0, fmt.Errorf("cancelling pending proposals: %w", err)
		}
		cancelled = ids
	}

	var auditErrs []error
	if c.auditor != nil {
		for _, id := range cancelled {
			if _, err := c.auditor.LogEvent(audit.Event{
				ProposalID: id,
				Type:       action.EventCancelled,
				Detail:     map[string]any{"reason": "kill switch", "source": source},
			}); err != nil {
				auditErrs = append(auditErrs, err)
			}
		}
		if _, err := c.auditor.LogEvent(audit.Event{
			Type: action.EventKillSwitch,
			Detail: map[string]any{
				"reason":          reason,
				"source":          source,
				"previous_mode":   string(prev),
				"cancelled_count": len(cancelled),
			},
		}); err != nil {
			auditErrs = append(auditErrs, err)
		}
	}

	c.history = append(c.history, TriggerRecord{
		Reason:       reason,
		Source:       source,
		PreviousMode: prev,
		Cancelled:    cancelled,
		Timestamp:    now,
	})

	c.logger.Error("KILL SWITCH TRIGGERED",
		"reason", reason,
		"source", source,
		"previous_mode", prev,
		"cancelled", len(cancelled),
	)

	if c.alerts != nil {
		c.alerts.Send(alert.Alert{
			Type:     alert.TypeKillSwitch,
			Severity: "critical",
			Title:    "Kill switch triggered",
			Message:  reason,
			Details: map[string]interface{}{
				"source":    source,
				"cancelled": len(cancelled),
			},
		})
	}

	if len(auditErrs) > 0 {
		return len(cancelled), fmt.Errorf("kill switch audit incomplete: %w", errors.Join(auditErrs...))
	}
	return len(cancelled), nil
}

// History returns every kill switch activation, oldest first.
func (c *Controller) History() []TriggerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TriggerRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Status returns the current mode and kill switch history summary.
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := Status{
		Mode:      c.mode,
		KillCount: len(c.history),
		KillFile:  c.killFile,
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1]
		s.LastKill = &last
	}
	c.mu.RUnlock()

	if c.killFile != "" {
		if _, err := os.Stat(c.killFile); err == nil {
			s.KillFilePresent = true
		}
	}
	return s
}
