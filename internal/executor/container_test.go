package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend/container"
	"github.com/opswarden/opswarden/internal/config"
)

// stubRuntime is a container.Runtime holding one container per name.
type stubRuntime struct {
	mu       sync.Mutex
	running  map[string]bool
	restarts []string
}

func (r *stubRuntime) Inspect(_ context.Context, name string) (*container.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	running, ok := r.running[name]
	if !ok {
		return nil, container.ErrNotFound
	}
	status := "exited"
	if running {
		status = "running"
	}
	return &container.State{ID: "id-" + name, Name: name, Status: status, Running: running}, nil
}

func (r *stubRuntime) Start(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[name] = true
	return nil
}

func (r *stubRuntime) Stop(_ context.Context, name string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[name] = false
	return nil
}

func (r *stubRuntime) Restart(_ context.Context, name string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, name)
	r.running[name] = true
	return nil
}

func (r *stubRuntime) Kill(_ context.Context, name, _ string) error {
	return r.Stop(context.Background(), name, 0)
}

func (r *stubRuntime) Logs(context.Context, string, container.LogOptions) (*container.LogOutput, error) {
	return &container.LogOutput{}, nil
}

func (r *stubRuntime) Exec(context.Context, string, container.ExecOptions) (*container.ExecResult, error) {
	return &container.ExecResult{}, nil
}

func (r *stubRuntime) NetworkExists(context.Context, string) (bool, error) { return true, nil }

func (r *stubRuntime) NetworkConnect(context.Context, string, string) error { return nil }

func (r *stubRuntime) NetworkDisconnect(context.Context, string, string, bool) error { return nil }

func TestExecute_ContainerBackend(t *testing.T) {
	rt := &stubRuntime{running: map[string]bool{"svc-1": false}}
	h := newHarness(t, harnessOpts{subject: container.New(rt, config.ContainerConfig{}, nil)})

	p := h.validated(t, container.ActionRestart, "svc-1")
	rec, err := h.exec.Execute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !rec.Success {
		t.Fatalf("record = %+v", rec)
	}
	if len(rt.restarts) != 1 || rt.restarts[0] != "svc-1" {
		t.Errorf("restarts = %v, want [svc-1]", rt.restarts)
	}
	var after map[string]any
	if err := json.Unmarshal(rec.StateAfter, &after); err != nil {
		t.Fatalf("state_after: %v", err)
	}
	if after["running"] != true {
		t.Errorf("state_after = %v", after)
	}
	if got := h.status(t, p.ID); got != action.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestPropose_ContainerActionRequiresTarget(t *testing.T) {
	rt := &stubRuntime{running: map[string]bool{}}
	h := newHarness(t, harnessOpts{subject: container.New(rt, config.ContainerConfig{}, nil)})

	_, err := h.exec.Propose(context.Background(), ProposeRequest{
		ActionName: container.ActionRestart,
		Params:     map[string]any{"container": "svc-1"},
	})
	if action.KindOf(err) != action.KindValidation {
		t.Fatalf("error = %v, want validation error", err)
	}
}
