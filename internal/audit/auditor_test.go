package audit

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/store"
)

func newTestAuditor(t *testing.T) (*Auditor, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, nil), s
}

func TestAuditor_LogAndGetEvents(t *testing.T) {
	a, _ := newTestAuditor(t)

	for _, typ := range []action.EventType{action.EventProposed, action.EventValidated, action.EventExecuting, action.EventCompleted} {
		if _, err := a.LogEvent(Event{ProposalID: "p1", Type: typ, Detail: map[string]any{"action": "container_start"}}); err != nil {
			t.Fatalf("LogEvent(%s): %v", typ, err)
		}
	}
	if _, err := a.LogEvent(Event{ProposalID: "p2", Type: action.EventProposed}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.LogEvent(Event{Type: action.EventKillSwitch, Detail: map[string]any{"cancelled": 1}}); err != nil {
		t.Fatal(err)
	}

	events, err := a.GetEvents("p1")
	if err != nil {
		t.Fatal(err)
	}
	want := []action.EventType{action.EventProposed, action.EventValidated, action.EventExecuting, action.EventCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, e.Type, want[i])
		}
	}

	all, _ := a.GetEvents("")
	if len(all) != 6 {
		t.Errorf("global log has %d events, want 6", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Error("events not ordered by seq")
		}
	}
}

func TestAuditor_RedactsDetail(t *testing.T) {
	a, _ := newTestAuditor(t)
	e, err := a.LogEvent(Event{
		ProposalID: "p1",
		Type:       action.EventProposed,
		Detail: map[string]any{
			"parameters": map[string]any{
				"script":    `db_password = "hunter2"`,
				"api_token": "abc",
				"container": "web",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(e.Detail), "hunter2") || strings.Contains(string(e.Detail), `"abc"`) {
		t.Errorf("secret persisted in audit detail: %s", e.Detail)
	}

	var detail map[string]map[string]string
	if err := json.Unmarshal(e.Detail, &detail); err != nil {
		t.Fatal(err)
	}
	if detail["parameters"]["container"] != "web" {
		t.Errorf("non-secret field altered: %v", detail)
	}
}

func TestAuditor_VerifyAcrossRestart(t *testing.T) {
	a, s := newTestAuditor(t)
	for i := 0; i < 3; i++ {
		a.LogEvent(Event{ProposalID: "p1", Type: action.EventProposed, Detail: map[string]any{"i": i}})
	}

	// A fresh auditor over the same store continues the chain.
	b := New(s, nil, nil)
	b.LogEvent(Event{Type: action.EventModeChange, Detail: map[string]any{"mode": "EXECUTE"}})

	res, err := b.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 4 {
		t.Errorf("Verify = %+v", res)
	}
}

func TestAuditor_Subscribers(t *testing.T) {
	a, _ := newTestAuditor(t)
	var seen []action.EventType
	a.Subscribe(func(e *action.AuditEvent) { seen = append(seen, e.Type) })

	a.LogEvent(Event{Type: action.EventModeChange})
	a.LogEvent(Event{Type: action.EventKillSwitch})

	if len(seen) != 2 || seen[1] != action.EventKillSwitch {
		t.Errorf("subscriber saw %v", seen)
	}
}
