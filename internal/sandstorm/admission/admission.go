// Package admission bounds the number of concurrently live sandbox sessions.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAtCapacity is returned by Acquire when every slot is taken and the
// caller did not ask to wait. Callers are never silently queued.
var ErrAtCapacity = errors.New("admission: at capacity")

// Controller is a counting gate over the configured session ceiling. It is
// the only cross-session shared mutable state in the orchestrator.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int64
	used     atomic.Int64
}

// New creates a Controller permitting capacity concurrent sessions.
func New(capacity int) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire claims a slot, failing fast with ErrAtCapacity when none remain.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.sem.TryAcquire(1) {
		return nil, ErrAtCapacity
	}
	c.used.Add(1)
	return &Slot{controller: c}, nil
}

// AcquireWait claims a slot, blocking up to wait for capacity. It returns
// ErrAtCapacity when the wait elapses, or ctx.Err() when the caller gives up
// first. No fairness is guaranteed: the first waiter to find capacity wins.
func (c *Controller) AcquireWait(ctx context.Context, wait time.Duration) (*Slot, error) {
	if wait <= 0 {
		return c.Acquire(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrAtCapacity
	}
	c.used.Add(1)
	return &Slot{controller: c}, nil
}

// Used returns the number of outstanding slots.
func (c *Controller) Used() int { return int(c.used.Load()) }

// Capacity returns the configured ceiling.
func (c *Controller) Capacity() int { return int(c.capacity) }

// Slot is a consumed-once ticket for one admitted session.
type Slot struct {
	controller *Controller
	released   atomic.Bool
}

// Release returns the slot to the controller. Exactly one release per
// acquire takes effect; a second call is a programming error and is logged
// rather than corrupting the count.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	if !s.released.CompareAndSwap(false, true) {
		slog.Error("admission: slot released twice")
		return
	}
	s.controller.used.Add(-1)
	s.controller.sem.Release(1)
}
