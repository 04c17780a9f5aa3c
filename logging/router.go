package logging

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// Router stamps, decorates and fans events out to sinks. Publish never
// blocks; each sink is drained by its own goroutine so a slow file does not
// hold up the console.
type Router struct {
	inbox       chan Event
	pumps       []*sinkPump
	clock       Clock
	fallback    *log.Logger
	minSeverity Severity
	fields      map[string]any
	drops       dropLimiter

	stop    chan struct{}
	stopped sync.Once
	closed  atomic.Bool
	wg      sync.WaitGroup

	routed  atomic.Uint64
	dropped atomic.Uint64
}

type RouterStats struct {
	EventsTotal  uint64 `json:"eventsTotal"`
	DroppedTotal uint64 `json:"droppedTotal"`
}

// NewRouter starts a router fanning events out to sinks. Sinks receive events
// in name order.
func NewRouter(cfg Config, clock Clock, fallback *log.Logger, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(io.Discard, "", 0)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 512
	}
	r := &Router{
		inbox:       make(chan Event, size),
		clock:       clock,
		fallback:    fallback,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
		drops:       dropLimiter{interval: cfg.DropWarnInterval},
		stop:        make(chan struct{}),
	}

	backlog := min(max(size, 32), 1024)
	names := make([]string, 0, len(sinks))
	for name, sink := range sinks {
		if sink != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		r.pumps = append(r.pumps, &sinkPump{
			name:     name,
			sink:     sinks[name],
			backlog:  make(chan Event, backlog),
			fallback: fallback,
		})
	}

	r.wg.Add(1 + len(r.pumps))
	go r.fanout()
	for _, pump := range r.pumps {
		go func(p *sinkPump) {
			defer r.wg.Done()
			p.run()
		}(pump)
	}
	return r, nil
}

// Publish queues event without blocking. Events below the configured
// severity are discarded here so callers on the frame loop never pay for them.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || event.Severity < r.minSeverity || r.closed.Load() {
		return
	}
	select {
	case r.inbox <- event:
	default:
		r.dropped.Add(1)
		if r.drops.allow(time.Now()) {
			r.fallback.Printf("dropping event type=%s frame=%d", event.Type, event.Frame)
		}
	}
}

// Close stops accepting events, delivers everything already queued and then
// closes every sink. The first sink error is returned.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.stopped.Do(func() { close(r.stop) })

	flushed := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, pump := range r.pumps {
		if err := pump.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.routed.Load(),
		DroppedTotal: r.dropped.Load(),
	}
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, pump := range r.pumps {
		if pump.name == name {
			return pump.sink
		}
	}
	return nil
}

func (r *Router) fanout() {
	defer func() {
		for _, pump := range r.pumps {
			close(pump.backlog)
		}
		r.wg.Done()
	}()
	for {
		select {
		case event := <-r.inbox:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.inbox:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		event = cloneForFields(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, set := event.Extra[k]; !set {
				event.Extra[k] = v
			}
		}
	}
	r.routed.Add(1)
	for _, pump := range r.pumps {
		select {
		case pump.backlog <- cloneForFields(event):
		default:
			pump.fallback.Printf("sink %s backlog full dropping event type=%s", pump.name, event.Type)
		}
	}
}

// sinkPump feeds one sink, backing off after write failures.
type sinkPump struct {
	name     string
	sink     Sink
	backlog  chan Event
	fallback *log.Logger
	retry    backoff
}

func (p *sinkPump) run() {
	for event := range p.backlog {
		p.retry.wait()
		if err := p.sink.Write(event); err != nil {
			delay := p.retry.fail(time.Now())
			p.fallback.Printf("sink %s failed: %v (retry in %s)", p.name, err, delay)
			continue
		}
		p.retry.reset()
	}
}

// backoff doubles the pause after each consecutive failure, capped at 32s.
type backoff struct {
	failures int
	until    time.Time
}

func (b *backoff) fail(now time.Time) time.Duration {
	b.failures++
	delay := time.Second << min(b.failures, 5)
	b.until = now.Add(delay)
	return delay
}

func (b *backoff) wait() {
	if b.failures == 0 {
		return
	}
	if pause := time.Until(b.until); pause > 0 {
		time.Sleep(pause)
	}
}

func (b *backoff) reset() {
	b.failures = 0
	b.until = time.Time{}
}

// dropLimiter lets one drop warning through per interval.
type dropLimiter struct {
	interval time.Duration
	next     atomic.Int64
}

func (d *dropLimiter) allow(now time.Time) bool {
	interval := d.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	next := d.next.Load()
	if next != 0 && now.UnixNano() < next {
		return false
	}
	return d.next.CompareAndSwap(next, now.Add(interval).UnixNano())
}
