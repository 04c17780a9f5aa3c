package lockstep

import (
	"errors"
	"fmt"
	"strconv"

	"tower-wars/lockstep/internal/random"
	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/internal/transport"
	"tower-wars/lockstep/internal/wire"
	"tower-wars/lockstep/logging"
)

const (
	// EventRandomize reseeds the simulation RNG on both peers.
	EventRandomize = "randomize"
	// EventReset recreates the world.
	EventReset = "reset"
	// EventQuit ends the session on both peers at the same mapped frame.
	EventQuit = "quit"

	protocolViolationMetricKey = "lockstep_protocol_violation_total"
)

// Config carries the tunables shared by every engine role.
type Config struct {
	// DelayFloor is the minimum number of frames between scheduling a local
	// event and running it. Values below one are raised to DefaultDelayFloor.
	DelayFloor Frame
	// SyncSamples is the number of RTT samples the server collects.
	SyncSamples int
	// InitialSeed seeds the simulation RNG before the first randomize event.
	InitialSeed int64
	// Seed produces the value carried by the bootstrap randomize event.
	Seed      func() (int64, error)
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

func (c Config) normalized() Config {
	if c.DelayFloor < 1 {
		c.DelayFloor = DefaultDelayFloor
	}
	if c.SyncSamples <= 0 {
		c.SyncSamples = DefaultSyncSamples
	}
	if c.InitialSeed == 0 {
		c.InitialSeed = DefaultRandomSeed
	}
	if c.Seed == nil {
		c.Seed = random.NewSeed
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	return c
}

// Engine advances one peer's frame counter and merges local and remote
// events into a single deterministic order. It is owned by one goroutine.
type Engine struct {
	cfg        Config
	frame      Frame
	sim        *Context
	cache      *EventCache
	dispatcher *Dispatcher
	conn       *Connection
	quit       bool
}

// StepResult reports what one frame did.
type StepResult struct {
	Frame      Frame
	State      State
	Dispatched int
	Pending    int
	Quit       bool
	Err        error
}

// Status is a point-in-time view of the engine for diagnostics.
type Status struct {
	Frame   int64  `json:"frame"`
	Role    string `json:"role"`
	State   string `json:"state"`
	Offset  int64  `json:"offset"`
	Pending int    `json:"pending"`
	// Handlers lists the event names this peer can run.
	Handlers []string `json:"handlers"`
}

// NewStandalone returns an engine with no peer.
func NewStandalone(cfg Config) *Engine {
	return newEngine(cfg, RoleStandalone, nil, nil)
}

// NewServer returns an engine that waits on listener for exactly one peer.
func NewServer(cfg Config, listener transport.Listener) *Engine {
	return newEngine(cfg, RoleServer, listener, nil)
}

// NewClient returns an engine driving an already connected peer.
func NewClient(cfg Config, peer transport.Transport) *Engine {
	return newEngine(cfg, RoleClient, nil, peer)
}

func newEngine(cfg Config, role Role, listener transport.Listener, peer transport.Transport) *Engine {
	cfg = cfg.normalized()
	e := &Engine{
		cfg:        cfg,
		sim:        NewContext(role, cfg.InitialSeed),
		cache:      NewEventCache(cfg.Metrics),
		dispatcher: NewDispatcher(cfg.Publisher, cfg.Metrics),
		conn:       newConnection(role, listener, peer, cfg.SyncSamples, cfg.Publisher),
	}
	e.dispatcher.bind(EventRandomize, handleRandomize)
	e.dispatcher.bind(EventQuit, handleQuit)
	return e
}

// handleRandomize reseeds the simulation RNG from the event's single argument.
func handleRandomize(sim *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("randomize takes one seed, got %d arguments", len(args))
	}
	seed, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("randomize seed: %w", err)
	}
	sim.Reseed(seed)
	return nil
}

func handleQuit(*Context, []string) error {
	return ErrQuit
}

func (e *Engine) Frame() Frame { return e.frame }

func (e *Engine) State() State { return e.conn.State() }

func (e *Engine) Role() Role { return e.conn.Role() }

func (e *Engine) Offset() Frame { return e.conn.Offset() }

func (e *Engine) Pending() int { return e.cache.Pending() }

func (e *Engine) DelayFloor() Frame { return e.cfg.DelayFloor }

// Context exposes the simulation context handed to handlers.
func (e *Engine) Context() *Context { return e.sim }

// Register binds a handler. It must be called before the loop starts.
func (e *Engine) Register(name string, handler Handler) error {
	return e.dispatcher.Register(name, handler)
}

// OnTick installs the per-frame world update.
func (e *Engine) OnTick(tick TickFunc) {
	e.dispatcher.OnTick(tick)
}

// Status snapshots the engine.
func (e *Engine) Status() Status {
	return Status{
		Frame:    int64(e.frame),
		Role:     e.conn.Role().String(),
		State:    e.conn.State().String(),
		Offset:   int64(e.conn.Offset()),
		Pending:  e.cache.Pending(),
		Handlers: e.dispatcher.Names(),
	}
}

// Wake fires when the transport may have input; nil when standalone.
func (e *Engine) Wake() <-chan struct{} {
	return e.conn.Wake()
}

// Schedule queues a local event at the earliest permitted frame.
func (e *Engine) Schedule(name string, args ...string) (Frame, error) {
	return e.ScheduleAfter(e.cfg.DelayFloor, name, args...)
}

// ScheduleAfter queues a local event delay frames ahead, never closer than
// the delay floor. Once synchronized the event is also sent to the peer
// stamped with its local target frame.
func (e *Engine) ScheduleAfter(delay Frame, name string, args ...string) (Frame, error) {
	if isReservedName(name) {
		return 0, newError(ClassRecoverable, "schedule", e.frame, fmt.Errorf("%w: %s", ErrReservedName, name))
	}
	if delay < e.cfg.DelayFloor {
		delay = e.cfg.DelayFloor
	}
	target := e.frame + delay
	record := wire.Record{Frame: int64(target), Name: name, Args: args}
	if _, err := wire.Encode(record); err != nil {
		return 0, newError(ClassRecoverable, "schedule", e.frame, err)
	}

	event := Event{Origin: OriginLocal, Name: name, Args: append([]string(nil), args...)}
	if err := e.cache.Add(target, event); err != nil {
		return 0, newError(ClassRecoverable, "schedule", e.frame, err)
	}
	if e.conn.State() == StateSynchronized && e.conn.Hangup() == nil {
		if err := e.conn.Send(e.frame, record); err != nil {
			return target, err
		}
	}
	return target, nil
}

// ScheduleRemote queues a peer event stamped with the peer's frame. A stamp
// that maps onto a frame this engine already ran is a protocol violation.
func (e *Engine) ScheduleRemote(name string, args []string, stamp Frame) (Frame, error) {
	target := stamp + e.conn.Offset()
	if target < e.frame {
		return target, newError(ClassProtocol, "schedule remote", e.frame, fmt.Errorf(
			"%w: %s at peer frame %d maps to frame %d, before current frame %d",
			ErrProtocolViolation, name, stamp, target, e.frame))
	}
	event := Event{Origin: OriginRemote, Name: name, Args: append([]string(nil), args...)}
	if err := e.cache.Add(target, event); err != nil {
		return target, newError(ClassProtocol, "schedule remote", e.frame, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	return target, nil
}

// Bootstrap schedules a randomize with a fresh seed followed by a reset.
// The server calls it once synchronized; standalone sessions call it at
// startup. Clients never do.
func (e *Engine) Bootstrap() error {
	seed, err := e.cfg.Seed()
	if err != nil {
		return newError(ClassFatal, "bootstrap", e.frame, fmt.Errorf("seed: %w", err))
	}
	if _, err := e.Schedule(EventRandomize, strconv.FormatInt(seed, 10)); err != nil {
		return err
	}
	_, err = e.Schedule(EventReset)
	return err
}

// Pump moves transport input into the connection without advancing the
// frame. The loop calls it while waiting for the next deadline.
func (e *Engine) Pump() error {
	return e.conn.Pump(e.frame)
}

// Step advances one frame: it takes in peer records, sends the handshake
// ping, drains the due events in precedence order and ticks the world.
func (e *Engine) Step() StepResult {
	e.frame++
	e.sim.Frame = e.frame
	result := StepResult{Frame: e.frame}

	if err := e.receive(); err != nil {
		result.Err = err
		result.State = e.conn.State()
		result.Pending = e.cache.Pending()
		return result
	}
	if err := e.conn.Tick(e.frame); err != nil {
		result.Err = err
		result.State = e.conn.State()
		result.Pending = e.cache.Pending()
		return result
	}

	events := e.cache.Drain(e.frame, e.precedence())
	dispatch := e.dispatcher.Dispatch(e.sim, events)
	if dispatch.Quit {
		e.quit = true
	}

	result.Dispatched = dispatch.Delivered
	result.Quit = e.quit
	result.State = e.conn.State()
	result.Pending = e.cache.Pending()
	return result
}

func (e *Engine) precedence() Precedence {
	if e.conn.Role() == RoleClient {
		return RemoteFirst
	}
	return LocalFirst
}

func (e *Engine) receive() error {
	if err := e.conn.Pump(e.frame); err != nil {
		return err
	}
	records, decodeErr := e.conn.Records()
	for i := range records {
		if e.conn.State() == StateStandalone {
			return nil
		}
		record := records[i]
		forward, synced, err := e.conn.Handle(e.frame, record)
		if err == nil && synced && e.conn.Role() == RoleServer {
			err = e.Bootstrap()
		}
		if err == nil && forward {
			_, err = e.ScheduleRemote(record.Name, record.Args, Frame(record.Frame))
		}
		if err == nil {
			continue
		}
		if Classify(err) != ClassProtocol {
			return err
		}
		e.abort(err, &record)
		return nil
	}
	if decodeErr != nil && e.conn.State() != StateStandalone {
		e.abort(newError(ClassProtocol, "decode", e.frame, fmt.Errorf("%w: %v", ErrProtocolViolation, decodeErr)), nil)
		return nil
	}
	return e.settleHangup()
}

// settleHangup decides what a peer hangup means once every record sent
// before it has been scheduled. A peer closes its end after running quit,
// and that quit always reaches us before the end of stream, so a pending
// quit lets this side finish alone on the same mapped frame.
func (e *Engine) settleHangup() error {
	err := e.conn.Hangup()
	if err == nil {
		return nil
	}
	e.conn.Release()
	if !e.cache.Scheduled(EventQuit) {
		return err
	}
	return nil
}

func (e *Engine) abort(err error, record *wire.Record) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Add(protocolViolationMetricKey, 1)
	}
	e.conn.Abort(e.frame, err, record)
}

// Close releases the transport endpoint.
func (e *Engine) Close() error {
	err := e.conn.Close()
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}
