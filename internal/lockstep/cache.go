package lockstep

import (
	"fmt"

	"tower-wars/lockstep/internal/telemetry"
)

const (
	cachePendingMetricKey = "lockstep_event_cache_pending"
	cacheEvictedMetricKey = "lockstep_event_cache_evicted_total"
)

// Precedence decides which origin runs first when both peers target the same
// frame. The server runs its own events first and the client runs the
// server's events first, so both arrive at one total order.
type Precedence uint8

const (
	LocalFirst Precedence = iota
	RemoteFirst
)

// EventCache holds scheduled events by target frame. It is owned by the frame
// loop and is not safe for concurrent use.
type EventCache struct {
	buckets    map[Frame][]Event
	pending    int
	drained    Frame
	hasDrained bool
	metrics    telemetry.Metrics
}

// NewEventCache constructs an empty cache. metrics may be nil.
func NewEventCache(metrics telemetry.Metrics) *EventCache {
	return &EventCache{
		buckets: make(map[Frame][]Event),
		metrics: metrics,
	}
}

// Add appends event to the bucket for target, after anything already there.
func (c *EventCache) Add(target Frame, event Event) error {
	if c.hasDrained && target <= c.drained {
		return fmt.Errorf("%w: target %d, last drained %d", ErrFrameDrained, target, c.drained)
	}
	c.buckets[target] = append(c.buckets[target], event)
	c.pending++
	c.storePending()
	return nil
}

// Drain removes and returns the events due at current, grouped by origin in
// the given precedence and by arrival order within each group. Buckets older
// than current are evicted without being returned.
func (c *EventCache) Drain(current Frame, order Precedence) []Event {
	bucket := c.buckets[current]
	delete(c.buckets, current)
	c.pending -= len(bucket)
	c.drained = current
	c.hasDrained = true

	for frame, stale := range c.buckets {
		if frame < current {
			c.pending -= len(stale)
			delete(c.buckets, frame)
			if c.metrics != nil {
				c.metrics.Add(cacheEvictedMetricKey, uint64(len(stale)))
			}
		}
	}
	c.storePending()

	if len(bucket) == 0 {
		return nil
	}
	first, second := OriginLocal, OriginRemote
	if order == RemoteFirst {
		first, second = OriginRemote, OriginLocal
	}
	out := make([]Event, 0, len(bucket))
	for _, event := range bucket {
		if event.Origin == first {
			out = append(out, event)
		}
	}
	for _, event := range bucket {
		if event.Origin == second {
			out = append(out, event)
		}
	}
	return out
}

// Pending reports the number of events waiting for a future frame.
func (c *EventCache) Pending() int {
	return c.pending
}

// Scheduled reports whether an event called name is waiting to run.
func (c *EventCache) Scheduled(name string) bool {
	for _, bucket := range c.buckets {
		for _, event := range bucket {
			if event.Name == name {
				return true
			}
		}
	}
	return false
}

// PendingAt reports the number of events targeted at frame.
func (c *EventCache) PendingAt(frame Frame) int {
	return len(c.buckets[frame])
}

func (c *EventCache) storePending() {
	if c.metrics == nil {
		return
	}
	c.metrics.Store(cachePendingMetricKey, uint64(c.pending))
}
