// Package admission enforces the global ceiling on concurrently executing
// invocations and queues the excess in arrival order.
package admission

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultLimit is the default concurrency ceiling.
const DefaultLimit = 3

// DispatchFunc starts an admitted invocation. It is always called outside
// the controller lock and must not block for the duration of the run.
type DispatchFunc func(invocationID string)

// Stats is a point-in-time view of the controller.
type Stats struct {
	Limit     int      `json:"limit"`
	Executing int      `json:"executing"`
	Queued    int      `json:"queued"`
	QueueIDs  []string `json:"queueIds,omitempty"`
}

// Controller admits invocations up to a fixed limit. Admission is
// non-preemptive and strictly FIFO.
type Controller struct {
	mu       sync.Mutex
	limit    int
	running  map[string]struct{}
	queue    []string
	dispatch DispatchFunc
}

// NewController creates a controller. A non-positive limit uses DefaultLimit.
func NewController(limit int, dispatch DispatchFunc) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Controller{
		limit:    limit,
		running:  make(map[string]struct{}),
		dispatch: dispatch,
	}
}

// Submit admits id or queues it. It returns the 1-based queue position, or
// 0 when id was dispatched immediately. Submitting a known id is a no-op
// that reports its current state.
func (c *Controller) Submit(id string) (position int, dispatched bool) {
	c.mu.Lock()
	if _, ok := c.running[id]; ok {
		c.mu.Unlock()
		return 0, false
	}
	if pos := c.positionLocked(id); pos > 0 {
		c.mu.Unlock()
		return pos, false
	}
	if len(c.running) < c.limit {
		c.running[id] = struct{}{}
		c.mu.Unlock()

		c.dispatch(id)
		return 0, true
	}
	c.queue = append(c.queue, id)
	position = len(c.queue)
	c.mu.Unlock()

	log.Debug().Str("invocation_id", id).Int("position", position).Msg("Invocation queued")
	return position, false
}

// Release frees the slot held by id and promotes the queue head. Releasing
// a queued id removes it from the queue instead. Unknown ids are ignored.
// It returns the promoted id, if any.
func (c *Controller) Release(id string) string {
	c.mu.Lock()
	if _, ok := c.running[id]; !ok {
		c.removeLocked(id)
		c.mu.Unlock()
		return ""
	}
	delete(c.running, id)

	var next string
	if len(c.queue) > 0 && len(c.running) < c.limit {
		next = c.queue[0]
		c.queue = c.queue[1:]
		c.running[next] = struct{}{}
	}
	c.mu.Unlock()

	if next != "" {
		log.Debug().Str("invocation_id", next).Str("released", id).Msg("Invocation promoted")
		c.dispatch(next)
	}
	return next
}

// Remove drops a queued id without touching the running set. It reports
// whether id was queued.
func (c *Controller) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

// Position returns the current 1-based queue position of id, or 0.
func (c *Controller) Position(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(id)
}

// Running reports whether id holds a slot.
func (c *Controller) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}

// Stats returns counters and the queue order.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Limit:     c.limit,
		Executing: len(c.running),
		Queued:    len(c.queue),
		QueueIDs:  append([]string(nil), c.queue...),
	}
}

func (c *Controller) positionLocked(id string) int {
	for i, q := range c.queue {
		if q == id {
			return i + 1
		}
	}
	return 0
}

func (c *Controller) removeLocked(id string) bool {
	for i, q := range c.queue {
		if q == id {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}
