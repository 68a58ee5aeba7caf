package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opswarden/opswarden/internal/action"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy.
	ErrQueueFull = errors.New("execution queue is full")

	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Dispatcher runs Execute in the background on a bounded set of workers.
type Dispatcher struct {
	exec   *Executor
	ctx    context.Context
	group  errgroup.Group
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight map[string]bool
}

// NewDispatcher creates a dispatcher with at most workers concurrent
// executions. ctx is passed to every Execute call.
func NewDispatcher(ctx context.Context, exec *Executor, workers int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		exec:     exec,
		ctx:      ctx,
		inflight: make(map[string]bool),
		logger:   logger.With("component", "executor.Dispatcher"),
	}
	d.group.SetLimit(workers)
	return d
}

// Submit queues id for execution. Proposals that Execute would refuse are
// rejected here with the same error. Submitting a proposal that is already
// queued is a no-op.
func (d *Dispatcher) Submit(id string) error {
	if err := d.exec.Preflight(id); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.inflight[id] {
		return nil
	}

	started := d.group.TryGo(func() error {
		defer d.done(id)
		rec, err := d.exec.Execute(d.ctx, id)
		switch {
		case err == nil:
			d.logger.Info("background execution finished", "proposal_id", id, "record_id", rec.ID)
		case action.KindOf(err) == action.KindBackend:
			d.logger.Warn("background execution failed", "proposal_id", id, "error", err)
		default:
			d.logger.Error("background execution refused", "proposal_id", id, "error", err)
		}
		return nil
	})
	if !started {
		return ErrQueueFull
	}
	d.inflight[id] = true
	return nil
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// InFlight returns the number of executions currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close stops accepting work and waits for running executions to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Wait()
}

// Wait blocks until every submitted execution has finished.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}
