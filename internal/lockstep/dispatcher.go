package lockstep

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/logging"
	loggingsimulation "tower-wars/lockstep/logging/simulation"
)

const (
	dispatchedMetricKey     = "lockstep_events_dispatched_total"
	unknownHandlerMetricKey = "lockstep_unknown_handler_total"
	handlerFailedMetricKey  = "lockstep_handler_failed_total"
)

// Handler reacts to one due event. Returning ErrQuit ends the session once
// the current frame completes; other errors are logged and dispatch goes on.
type Handler func(sim *Context, args []string) error

// TickFunc advances the world by exactly one frame after all due events ran.
type TickFunc func(sim *Context) error

// Dispatcher maps event names to handlers. Registration happens before the
// loop starts; dispatch runs on the loop goroutine only.
type Dispatcher struct {
	handlers map[string]Handler
	names    []string
	tick     TickFunc
	pub      logging.Publisher
	metrics  telemetry.Metrics
}

// DispatchResult summarises one frame's dispatch.
type DispatchResult struct {
	Delivered int
	Unknown   int
	Failed    int
	Quit      bool
}

// NewDispatcher constructs an empty dispatcher. pub and metrics may be nil.
func NewDispatcher(pub logging.Publisher, metrics telemetry.Metrics) *Dispatcher {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		pub:      pub,
		metrics:  metrics,
	}
}

// Register binds name to handler, replacing any earlier binding.
func (d *Dispatcher) Register(name string, handler Handler) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	if isReservedName(name) {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	d.bind(name, handler)
	return nil
}

func (d *Dispatcher) bind(name string, handler Handler) {
	if _, exists := d.handlers[name]; !exists {
		names := append(append([]string(nil), d.names...), name)
		sort.Strings(names)
		d.names = names
	}
	d.handlers[name] = handler
}

// OnTick installs the per-frame world update.
func (d *Dispatcher) OnTick(tick TickFunc) {
	d.tick = tick
}

// Names lists the registered handler names in sorted order. The slice is
// replaced, never modified, on Register, so it may be shared with readers on
// other goroutines.
func (d *Dispatcher) Names() []string {
	return d.names
}

// Dispatch delivers events in order and then runs the tick exactly once.
func (d *Dispatcher) Dispatch(sim *Context, events []Event) DispatchResult {
	ctx := context.Background()
	frame := int64(sim.Frame)
	var result DispatchResult

	for _, event := range events {
		payload := loggingsimulation.DispatchPayload{
			Name:   event.Name,
			Args:   event.Args,
			Origin: event.Origin.String(),
		}
		handler, ok := d.handlers[event.Name]
		if !ok {
			result.Unknown++
			d.add(unknownHandlerMetricKey, 1)
			loggingsimulation.UnknownHandler(ctx, d.pub, frame, payload, nil)
			continue
		}

		err := handler(sim, event.Args)
		result.Delivered++
		d.add(dispatchedMetricKey, 1)
		loggingsimulation.Dispatched(ctx, d.pub, frame, payload, nil)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrQuit) {
			result.Quit = true
			continue
		}
		result.Failed++
		d.add(handlerFailedMetricKey, 1)
		loggingsimulation.HandlerFailed(ctx, d.pub, frame, loggingsimulation.HandlerFailedPayload{
			Name:  event.Name,
			Error: err.Error(),
		}, nil)
	}

	if d.tick != nil {
		if err := d.tick(sim); err != nil {
			if errors.Is(err, ErrQuit) {
				result.Quit = true
			} else {
				result.Failed++
				d.add(handlerFailedMetricKey, 1)
				loggingsimulation.HandlerFailed(ctx, d.pub, frame, loggingsimulation.HandlerFailedPayload{
					Name:  "tick",
					Error: err.Error(),
				}, nil)
			}
		}
	}
	return result
}

func (d *Dispatcher) add(key string, delta uint64) {
	if d.metrics == nil {
		return
	}
	d.metrics.Add(key, delta)
}
