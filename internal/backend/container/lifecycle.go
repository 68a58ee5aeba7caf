package container

import (
	"context"
	"fmt"
	"time"

	"github.com/opswarden/opswarden/internal/backend"
)

func (b *Backend) start(ctx context.Context, name string) (*backend.Result, error) {
	before, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}
	if before.Running {
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("container %s already running", name),
			Output:      map[string]any{"changed": false, "already_running": true},
			StateBefore: snapshot(before),
			StateAfter:  snapshot(before),
		}, nil
	}

	if err := b.rt.Start(ctx, name); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	after, err := b.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s after start: %w", name, err)
	}

	res = &backend.Result{
		Success:     after.Running,
		Message:     fmt.Sprintf("container %s started", name),
		Output:      map[string]any{"changed": true, "already_running": false},
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}
	if !after.Running {
		res.Message = fmt.Sprintf("container %s exited immediately after start (exit code %d)", name, after.ExitCode)
		ClassifyExit(after.ExitCode, after.OOMKilled).fields(res.Output)
	}
	return res, nil
}

func (b *Backend) stop(ctx context.Context, name string, timeout time.Duration) (*backend.Result, error) {
	before, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}
	if !before.Running {
		out := map[string]any{"changed": false, "already_stopped": true}
		ClassifyExit(before.ExitCode, before.OOMKilled).fields(out)
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("container %s already stopped", name),
			Output:      out,
			StateBefore: snapshot(before),
			StateAfter:  snapshot(before),
		}, nil
	}

	if err := b.rt.Stop(ctx, name, timeout); err != nil {
		return nil, fmt.Errorf("stopping %s: %w", name, err)
	}
	after, err := b.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s after stop: %w", name, err)
	}

	exit := ClassifyExit(after.ExitCode, after.OOMKilled)
	out := map[string]any{"changed": true, "already_stopped": false, "timeout_seconds": int(timeout / time.Second)}
	exit.fields(out)

	msg := fmt.Sprintf("container %s stopped gracefully", name)
	if exit.Killed {
		msg = fmt.Sprintf("container %s did not stop within %s and was killed", name, timeout)
	} else if !exit.GracefulShutdown {
		msg = fmt.Sprintf("container %s stopped with exit code %d", name, exit.ExitCode)
	}

	return &backend.Result{
		Success:     !after.Running,
		Message:     msg,
		Output:      out,
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}, nil
}

func (b *Backend) restart(ctx context.Context, name string, timeout time.Duration) (*backend.Result, error) {
	before, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}

	if err := b.rt.Restart(ctx, name, timeout); err != nil {
		return nil, fmt.Errorf("restarting %s: %w", name, err)
	}
	after, err := b.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s after restart: %w", name, err)
	}

	res = &backend.Result{
		Success:     after.Running,
		Message:     fmt.Sprintf("container %s restarted", name),
		Output:      map[string]any{"changed": true, "was_running": before.Running},
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}
	if !after.Running {
		res.Message = fmt.Sprintf("container %s is not running after restart (exit code %d)", name, after.ExitCode)
		ClassifyExit(after.ExitCode, after.OOMKilled).fields(res.Output)
	}
	return res, nil
}

func (b *Backend) kill(ctx context.Context, name, signal string) (*backend.Result, error) {
	before, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}
	if !before.Running {
		out := map[string]any{"changed": false, "already_stopped": true, "signal": signal}
		ClassifyExit(before.ExitCode, before.OOMKilled).fields(out)
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("container %s already stopped", name),
			Output:      out,
			StateBefore: snapshot(before),
			StateAfter:  snapshot(before),
		}, nil
	}

	if err := b.rt.Kill(ctx, name, signal); err != nil {
		return nil, fmt.Errorf("killing %s: %w", name, err)
	}
	after, err := b.waitStopped(ctx, name)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"changed": true, "signal": signal, "still_running": after.Running}
	if after.Running {
		// A non-fatal signal such as SIGHUP leaves the container up.
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("sent %s to container %s; it is still running", signal, name),
			Output:      out,
			StateBefore: snapshot(before),
			StateAfter:  snapshot(after),
		}, nil
	}

	exit := ClassifyExit(after.ExitCode, after.OOMKilled)
	exit.fields(out)
	return &backend.Result{
		Success:     true,
		Message:     fmt.Sprintf("container %s terminated by %s (exit code %d)", name, signal, exit.ExitCode),
		Output:      out,
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}, nil
}

// waitStopped polls until the container is no longer running or killWait
// elapses, and returns the last observed state.
func (b *Backend) waitStopped(ctx context.Context, name string) (*State, error) {
	deadline := time.Now().Add(b.killWait)
	for {
		st, err := b.rt.Inspect(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s after kill: %w", name, err)
		}
		if !st.Running || time.Now().After(deadline) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, nil
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *Backend) inspect(ctx context.Context, name string) (*backend.Result, error) {
	st, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}
	out := snapshot(st)
	if !st.Running && st.Status != "created" {
		ClassifyExit(st.ExitCode, st.OOMKilled).fields(out)
	}
	return &backend.Result{
		Success: true,
		Message: fmt.Sprintf("container %s is %s", name, st.Status),
		Output:  out,
	}, nil
}
