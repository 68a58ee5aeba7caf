package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
	"github.com/opswarden/opswarden/internal/safety"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps one opener goroutine per pool until Close,
		// which runs in t.Cleanup after the leak check for subtests.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_RunsSubmittedProposal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	d := NewDispatcher(context.Background(), h.exec, 2, nil)

	p := h.validated(t, "container_restart", "svc-1")
	if err := d.Submit(p.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := h.status(t, p.ID); got != action.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if d.InFlight() != 0 {
		t.Errorf("in flight = %d after Close", d.InFlight())
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	release := make(chan struct{})
	h.backend.run = func(ctx context.Context, _ string, _ action.Params) (*backend.Result, error) {
		<-release
		return &backend.Result{Success: true}, nil
	}
	d := NewDispatcher(context.Background(), h.exec, 1, nil)

	first := h.validated(t, "container_restart", "svc-1")
	second := h.validated(t, "container_restart", "svc-2")

	if err := d.Submit(first.ID); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	// A duplicate submission of queued work is accepted and ignored.
	if err := d.Submit(first.ID); err != nil && !errors.As(err, new(*action.AlreadyTerminalError)) {
		t.Errorf("duplicate Submit: %v", err)
	}
	waitFor(t, "first execution to start", func() bool { return h.backend.calls.Load() == 1 })

	if err := d.Submit(second.ID); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit second = %v, want ErrQueueFull", err)
	}
	if got := h.status(t, second.ID); got != action.StatusValidated {
		t.Errorf("second status = %s, want validated", got)
	}

	close(release)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", h.backend.calls.Load())
	}
}

func TestDispatcher_RejectsUpFront(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	d := NewDispatcher(context.Background(), h.exec, 1, nil)
	defer d.Close()

	proposed := h.propose(t, "container_restart", "svc-1")
	if err := d.Submit(proposed.ID); action.KindOf(err) != action.KindAlreadyTerminal {
		t.Errorf("Submit(proposed) = %v", err)
	}
	if err := d.Submit("01MISSING"); action.KindOf(err) != action.KindNotFound {
		t.Errorf("Submit(missing) = %v", err)
	}

	ready := h.validated(t, "container_restart", "svc-2")
	if err := h.ctrl.SetMode(safety.ModeObserve, "test"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := d.Submit(ready.ID); action.KindOf(err) != action.KindObserveOnly {
		t.Errorf("Submit in observe = %v", err)
	}
	if h.backend.calls.Load() != 0 {
		t.Errorf("backend called %d times", h.backend.calls.Load())
	}
}

func TestDispatcher_ClosedRejectsWork(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	d := NewDispatcher(context.Background(), h.exec, 1, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p := h.validated(t, "container_restart", "svc-1")
	if err := d.Submit(p.ID); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Submit after Close = %v, want ErrDispatcherClosed", err)
	}
}
