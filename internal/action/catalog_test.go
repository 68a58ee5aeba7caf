package action

import (
	"errors"
	"testing"
)

func TestCatalog_RegisterAndLookup(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(restartDef()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	def, ok := c.Lookup("container_restart")
	if !ok {
		t.Fatal("expected definition")
	}
	if def.RiskTier != RiskMedium {
		t.Errorf("risk = %s", def.RiskTier)
	}

	// Returned definitions are copies.
	def.Parameters[0].Name = "mutated"
	again, _ := c.Lookup("container_restart")
	if again.Parameters[0].Name != "target" {
		t.Error("catalog entry was mutated through a lookup result")
	}

	if _, ok := c.Lookup("nope"); ok {
		t.Error("expected lookup miss")
	}
}

func TestCatalog_RejectsDuplicatesAndBadDefinitions(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(restartDef()); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(restartDef()); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	bad := []Definition{
		{Name: "", RiskTier: RiskLow},
		{Name: "x", RiskTier: "extreme"},
		{Name: "y", RiskTier: RiskLow, Parameters: []Param{{Name: "a", Type: "date"}}},
		{Name: "z", RiskTier: RiskLow, Parameters: []Param{{Name: "a", Type: TypeInt}, {Name: "a", Type: TypeInt}}},
	}
	for _, def := range bad {
		if err := c.Register(def); err == nil {
			t.Errorf("expected %+v to be rejected", def)
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCatalog_RegisterAllIsAtomic(t *testing.T) {
	c := NewCatalog()
	existing := restartDef()
	existing.Backend = "docker"
	if err := c.Register(existing); err != nil {
		t.Fatal(err)
	}

	fresh := restartDef()
	fresh.Name = "container_stop"
	tests := []struct {
		name string
		defs []Definition
	}{
		{"clash after fresh", []Definition{fresh, restartDef()}},
		{"bad after fresh", []Definition{fresh, {Name: "x", RiskTier: "extreme"}}},
		{"repeated name", []Definition{fresh, fresh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.RegisterAll(tt.defs...); err == nil {
				t.Fatal("expected RegisterAll to fail")
			}
			if _, ok := c.Lookup("container_stop"); ok {
				t.Error("failed batch left container_stop registered")
			}
			if c.Len() != 1 {
				t.Errorf("Len = %d, want 1", c.Len())
			}
		})
	}

	if err := c.RegisterAll(fresh); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCatalog_ListSorted(t *testing.T) {
	c := NewCatalog()
	for _, name := range []string{"b", "c", "a"} {
		if err := c.Register(Definition{Name: name, RiskTier: RiskLow}); err != nil {
			t.Fatal(err)
		}
	}
	list := c.List()
	if len(list) != 3 || list[0].Name != "a" || list[2].Name != "c" {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusProposed, StatusValidated, true},
		{StatusProposed, StatusExecuting, false},
		{StatusProposed, StatusCancelled, true},
		{StatusValidated, StatusExecuting, true},
		{StatusValidated, StatusCancelled, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusCancelled, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusCancelled, StatusValidated, false},
		{StatusValidated, StatusProposed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusExecuting.IsTerminal() || StatusExecuting.Cancellable() {
		t.Error("executing is neither terminal nor cancellable")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ObserveOnlyError{Operation: "execute"}, KindObserveOnly},
		{&NotFoundError{Kind: "proposal", ID: "x"}, KindNotFound},
		{&AlreadyTerminalError{ProposalID: "x", From: StatusCancelled, To: StatusExecuting}, KindAlreadyTerminal},
		{&BackendError{Action: "a", Err: errors.New("boom")}, KindBackend},
		{&ApprovalRequiredError{ProposalID: "x"}, KindApprovalRequired},
		{&PolicyDeniedError{Policy: "p"}, KindPolicyDenied},
		{ErrRateLimited, KindRateLimited},
		{errors.New("other"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
