package sim

import (
	"sync"
	"time"
)

const (
	commandBufferOccupancyMetricKey = "sim_command_buffer_occupancy"
	commandBufferOverflowMetricKey  = "sim_command_buffer_overflow_total"
)

// Command is a local action captured outside the loop goroutine (console,
// HTTP, signal handler) and scheduled at the start of the next frame.
type Command struct {
	Name     string    `json:"name"`
	Args     []string  `json:"args,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// CommandStats counts what the buffer has staged since it was created.
type CommandStats struct {
	Staged   uint64 `json:"staged"`
	Rejected uint64 `json:"rejected"`
	// LastBatch is the number of commands handed to the most recent frame.
	LastBatch int `json:"lastBatch"`
	// LargestBatch is the most commands any single frame has taken.
	LargestBatch int `json:"largestBatch"`
}

// CommandBuffer stages commands between frames. Producers on any goroutine
// push; the loop takes the whole batch once per frame, so every command
// staged before a frame starts is scheduled by that frame.
type CommandBuffer struct {
	mu      sync.Mutex
	limit   int
	batch   []Command
	stats   CommandStats
	metrics telemetryMetrics
}

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// NewCommandBuffer bounds the batch at limit commands per frame.
func NewCommandBuffer(limit int, metrics telemetryMetrics) *CommandBuffer {
	if limit < 1 {
		limit = 1
	}
	return &CommandBuffer{limit: limit, metrics: metrics}
}

// Capacity reports the most commands one frame can take.
func (b *CommandBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return b.limit
}

// Push stages cmd for the next frame, returning false if that frame's batch
// is already full.
func (b *CommandBuffer) Push(cmd Command) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.batch) >= b.limit {
		b.stats.Rejected++
		if b.metrics != nil {
			b.metrics.Add(commandBufferOverflowMetricKey, 1)
		}
		return false
	}
	b.batch = append(b.batch, cmd)
	b.stats.Staged++
	b.report()
	return true
}

// Drain hands the staged batch to the current frame in arrival order.
func (b *CommandBuffer) Drain() []Command {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.batch
	b.batch = nil
	b.stats.LastBatch = len(batch)
	if len(batch) > b.stats.LargestBatch {
		b.stats.LargestBatch = len(batch)
	}
	if len(batch) > 0 {
		b.report()
	}
	return batch
}

// Len reports the number of commands waiting for the next frame.
func (b *CommandBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batch)
}

// Stats returns the staging counters.
func (b *CommandBuffer) Stats() CommandStats {
	if b == nil {
		return CommandStats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *CommandBuffer) report() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(commandBufferOccupancyMetricKey, uint64(len(b.batch)))
}
