// Package alert notifies operators about safety events: kill switch
// activations, mode changes, failed executions and proposals waiting for
// approval.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opswarden/opswarden/internal/config"
)

// Alert types.
const (
	TypeKillSwitch       = "kill_switch"
	TypeModeChange       = "mode_change"
	TypeExecutionFailed  = "execution_failed"
	TypeApprovalRequired = "approval_required"
	TypePolicyDenied     = "policy_denied"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"` // info, warning, critical
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	ProposalID string                 `json:"proposal_id,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager orchestrates alert delivery with deduplication.
type Manager struct {
	mu       sync.Mutex
	config   config.AlertsConfig
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// deliveryTimeout bounds one alert delivery, retries included.
const deliveryTimeout = 30 * time.Second

// NewManager creates a new alert manager.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		config:   cfg,
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}

	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = append(m.senders, s)
}

// Send dispatches an alert to all configured channels with deduplication.
// Delivery is asynchronous; Flush waits for it.
func (m *Manager) Send(alert Alert) {
	if m == nil {
		return
	}
	alert.Timestamp = time.Now()

	dedupKey := alert.Type + "|" + alert.Action + "|" + alert.ProposalID
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	if len(m.dedup) > 1024 {
		m.pruneLocked()
	}
	senders := make([]Sender, len(m.senders))
	copy(senders, m.senders)
	m.mu.Unlock()

	for _, sender := range senders {
		m.inflight.Add(1)
		go func(s Sender) {
			defer m.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := s.Send(ctx, alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// Flush blocks until every dispatched alert has been delivered or failed.
func (m *Manager) Flush() {
	if m == nil {
		return
	}
	m.inflight.Wait()
}

// PruneDedup removes old dedup entries. Send prunes on its own once the
// table grows large.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
}

func (m *Manager) pruneLocked() {
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
