package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opswarden/opswarden/internal/config"
)

// mockSender is a mock implementation of the Sender interface for testing.
type mockSender struct {
	name       string
	sendFunc   func(Alert) error
	mu         sync.Mutex
	sentAlerts []Alert
}

func newMockSender(name string) *mockSender {
	return &mockSender{name: name}
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(_ context.Context, alert Alert) error {
	m.mu.Lock()
	m.sentAlerts = append(m.sentAlerts, alert)
	fn := m.sendFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(alert)
	}
	return nil
}

func (m *mockSender) getSentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Alert, len(m.sentAlerts))
	copy(result, m.sentAlerts)
	return result
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name            string
		config          config.AlertsConfig
		expectedSenders int
	}{
		{"no senders configured", config.AlertsConfig{}, 0},
		{"only slack configured", config.AlertsConfig{Slack: config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"}}, 1},
		{"only webhook configured", config.AlertsConfig{Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"}}, 1},
		{"both configured", config.AlertsConfig{
			Slack:   config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"},
			Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"},
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.config, nil)
			if len(m.senders) != tt.expectedSenders {
				t.Errorf("expected %d senders, got %d", tt.expectedSenders, len(m.senders))
			}
			if m.HasSenders() != (tt.expectedSenders > 0) {
				t.Errorf("HasSenders() = %v", m.HasSenders())
			}
		})
	}
}

func TestManager_SendAndDedup(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	mock := newMockSender("mock")
	m.AddSender(mock)

	kill := Alert{Type: TypeKillSwitch, Severity: "critical", Title: "Kill switch", Details: map[string]interface{}{"cancelled": 3}}
	m.Send(kill)
	m.Send(kill)
	m.Send(Alert{Type: TypeExecutionFailed, Severity: "warning", Action: "container_restart", ProposalID: "p1"})
	m.Send(Alert{Type: TypeExecutionFailed, Severity: "warning", Action: "container_restart", ProposalID: "p2"})
	m.Flush()

	sent := mock.getSentAlerts()
	if len(sent) != 3 {
		t.Fatalf("expected 3 alerts after dedup, got %d", len(sent))
	}
	for _, a := range sent {
		if a.Timestamp.IsZero() {
			t.Error("timestamp should be set")
		}
	}
}

func TestManager_DedupExpires(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	m.dedupTTL = 50 * time.Millisecond
	mock := newMockSender("mock")
	m.AddSender(mock)

	a := Alert{Type: TypeModeChange, Severity: "info"}
	m.Send(a)
	time.Sleep(80 * time.Millisecond)
	m.Send(a)
	m.Flush()

	if got := len(mock.getSentAlerts()); got != 2 {
		t.Errorf("expected 2 sends after TTL expiry, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)
	m.PruneDedup()
	if len(m.dedup) != 0 {
		t.Errorf("dedup entries after prune = %d", len(m.dedup))
	}
}

func TestManager_SenderErrorDoesNotBlockOthers(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	failing := newMockSender("failing")
	failing.sendFunc = func(Alert) error { return errors.New("down") }
	ok := newMockSender("ok")
	m.AddSender(failing)
	m.AddSender(ok)

	m.Send(Alert{Type: TypeKillSwitch})
	m.Flush()

	if len(ok.getSentAlerts()) != 1 {
		t.Error("healthy sender should still receive the alert")
	}
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	m.Send(Alert{Type: TypeKillSwitch})
	m.Flush()
}

func TestWebhookSender_Signs(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotTS = r.Header.Get(TimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL, Secret: "s3cret"})
	if err := s.Send(context.Background(), Alert{Type: TypeKillSwitch, Title: "halt", ProposalID: "p1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotTS == "" {
		t.Fatal("timestamp header missing")
	}
	if want := "sha256=" + Sign([]byte("s3cret"), gotTS, gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	if Sign([]byte("s3cret"), gotTS+"0", gotBody) == Sign([]byte("s3cret"), gotTS, gotBody) {
		t.Error("signature should cover the timestamp")
	}

	var decoded Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded.ProposalID != "p1" {
		t.Errorf("body = %s, err = %v", gotBody, err)
	}
}

func TestWebhookSender_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers after 503", []int{503, 200}, 2, false},
		{"retries 429", []int{429, 429, 204}, 3, false},
		{"gives up after three", []int{500, 502, 503, 200}, 3, true},
		{"no retry on 400", []int{400, 200}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL})
			s.poster.backoff = time.Millisecond
			err := s.Send(context.Background(), Alert{Type: TypeExecutionFailed})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestSlackSender_BlockKit(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL, Channel: "#ops"})
	err := s.Send(context.Background(), Alert{
		Type:       TypeApprovalRequired,
		Severity:   "warning",
		Title:      "Approval needed",
		Message:    "container_kill on web-1",
		Action:     "container_kill",
		ProposalID: "p9",
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Channel != "#ops" || !strings.Contains(got.Text, "Approval needed") {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Blocks) != 4 || got.Blocks[0].Type != "header" {
		t.Fatalf("blocks = %+v", got.Blocks)
	}
	var sawProposal bool
	for _, f := range got.Blocks[2].Fields {
		if strings.Contains(f.Text, "p9") {
			sawProposal = true
		}
	}
	if !sawProposal {
		t.Errorf("fields = %+v", got.Blocks[2].Fields)
	}
}

func TestSlackSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL})
	if err := s.Send(context.Background(), Alert{Type: TypeKillSwitch, Severity: "critical"}); err == nil {
		t.Error("expected error for 403 response")
	}
}
