package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/persistence"
)

// TaskReader is the store view the waiter polls.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

// Waiter blocks until a task is terminal. It listens for the task's
// Complete event on its channel and polls the store as a fallback.
type Waiter struct {
	hub   *bus.Hub // nil for polling only
	store TaskReader

	pollInterval time.Duration
}

// NewWaiter creates a task completion waiter. hub may be nil.
func NewWaiter(hub *bus.Hub, store TaskReader) *Waiter {
	interval := time.Second
	if hub == nil {
		interval = 100 * time.Millisecond
	}
	return &Waiter{hub: hub, store: store, pollInterval: interval}
}

// WaitForTask returns the task once it reaches a terminal status.
func (w *Waiter) WaitForTask(ctx context.Context, taskID, channel string, timeout time.Duration) (*persistence.Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Subscribe first so a Complete published before the check is not missed.
	var events <-chan bus.StreamEvent
	if w.hub != nil && channel != "" {
		sub := w.hub.Subscribe(channel)
		defer w.hub.Unsubscribe(sub)
		events = sub.Events()
	}

	if task, err := w.checkTerminal(ctx, taskID); err != nil || task != nil {
		return task, err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())

		case <-ticker.C:
			if task, err := w.checkTerminal(ctx, taskID); err != nil || task != nil {
				return task, err
			}

		case ev, ok := <-events:
			if !ok {
				// Dropped for overflow or channel closed; keep polling.
				events = nil
				continue
			}
			if ev.TaskID != taskID || !ev.Terminal() {
				continue
			}
			if task, err := w.checkTerminal(ctx, taskID); err != nil || task != nil {
				return task, err
			}
		}
	}
}

// checkTerminal returns (nil, nil) while the task is still in flight.
func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if !task.Status.Terminal() {
		return nil, nil
	}
	return task, nil
}
