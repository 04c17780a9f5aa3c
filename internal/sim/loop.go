// Package sim drives a lockstep engine at a fixed frame rate.
package sim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tower-wars/lockstep/internal/lockstep"
	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/logging"
	loggingsimulation "tower-wars/lockstep/logging/simulation"
)

const (
	framesDroppedMetricKey = "sim_frames_dropped_total"
	framesLateMetricKey    = "sim_frames_late_total"
	framePanicMetricKey    = "sim_frame_panics_total"

	defaultFrameRate       = 30
	defaultCommandCapacity = 64
)

// Engine is the part of lockstep.Engine the loop drives.
type Engine interface {
	Step() lockstep.StepResult
	Pump() error
	Wake() <-chan struct{}
	Schedule(name string, args ...string) (lockstep.Frame, error)
	Status() lockstep.Status
}

// LoopConfig tunes frame pacing and the late-frame policy.
type LoopConfig struct {
	FrameRate int
	// LateTolerance is how far behind its deadline a frame may start before
	// it counts as late. Zero disables the check.
	LateTolerance   time.Duration
	FatalLate       bool
	CommandCapacity int
}

// LoopHooks lets the application observe frames without owning the loop.
type LoopHooks struct {
	// Present runs after a frame's events and tick unless the frame was dropped.
	Present func(frame lockstep.Frame)
	// AfterStep runs after every frame, dropped or not.
	AfterStep func(LoopStepResult)
}

// Deps carries shared infrastructure for the loop.
type Deps struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Clock     logging.Clock
}

// LoopStepResult reports one driven frame.
type LoopStepResult struct {
	Step     lockstep.StepResult
	Dropped  bool
	Behind   time.Duration
	Duration time.Duration
	Commands []Command
	Panicked bool
}

// Status is the loop's view of the session, safe to read from any goroutine.
type Status struct {
	lockstep.Status
	DroppedFrames uint64       `json:"droppedFrames"`
	LateFrames    uint64       `json:"lateFrames"`
	Quitting      bool         `json:"quitting"`
	Commands      CommandStats `json:"commands"`
}

// Loop owns the engine and runs it one frame per period.
type Loop struct {
	engine   Engine
	buffer   *CommandBuffer
	hooks    LoopHooks
	config   LoopConfig
	deps     Deps
	wake     chan struct{}
	status   atomic.Value
	dropped  uint64
	late     uint64
	quitting bool
}

// NewLoop wraps engine with a command buffer and frame pacing.
func NewLoop(engine Engine, cfg LoopConfig, hooks LoopHooks, deps Deps) *Loop {
	if engine == nil {
		return nil
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaultFrameRate
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = defaultCommandCapacity
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	loop := &Loop{
		engine: engine,
		buffer: NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:  hooks,
		config: cfg,
		deps:   deps,
		wake:   make(chan struct{}, 1),
	}
	loop.status.Store(Status{Status: engine.Status()})
	return loop
}

// Period is the duration of one frame.
func (l *Loop) Period() time.Duration {
	return time.Second / time.Duration(l.config.FrameRate)
}

// Enqueue stages a local command for the next frame. It is safe to call
// from any goroutine.
func (l *Loop) Enqueue(cmd Command) bool {
	if l == nil {
		return false
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.deps.Clock.Now()
	}
	if !l.buffer.Push(cmd) {
		l.deps.Logger.Printf("[sim] dropping command %s: buffer full", cmd.Name)
		return false
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Status returns the snapshot taken after the last frame.
func (l *Loop) Status() Status {
	if l == nil {
		return Status{}
	}
	status, _ := l.status.Load().(Status)
	return status
}

// Advance runs one frame: staged commands are scheduled, the engine steps
// and, unless dropped, the frame is presented. A panic anywhere in the frame
// is recovered and logged.
func (l *Loop) Advance(dropped bool, behind time.Duration) LoopStepResult {
	start := l.deps.Clock.Now()
	result := LoopStepResult{Dropped: dropped, Behind: behind}
	result.Commands = l.buffer.Drain()

	func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				result.Panicked = true
				l.metricsAdd(framePanicMetricKey, 1)
				loggingsimulation.HandlerFailed(context.Background(), l.deps.Publisher, l.engine.Status().Frame, loggingsimulation.HandlerFailedPayload{
					Name:  "frame",
					Error: fmt.Sprint(recovered),
					Panic: true,
				}, nil)
			}
		}()
		for _, cmd := range result.Commands {
			if _, err := l.engine.Schedule(cmd.Name, cmd.Args...); err != nil {
				l.deps.Logger.Printf("[sim] schedule %s: %v", cmd.Name, err)
			}
		}
		result.Step = l.engine.Step()
		if dropped {
			l.dropped++
			l.metricsAdd(framesDroppedMetricKey, 1)
			loggingsimulation.FrameDropped(context.Background(), l.deps.Publisher, int64(result.Step.Frame), loggingsimulation.FrameDroppedPayload{
				BehindMillis: behind.Milliseconds(),
				Dropped:      l.dropped,
			}, nil)
		} else if l.hooks.Present != nil {
			l.hooks.Present(result.Step.Frame)
		}
	}()

	result.Duration = l.deps.Clock.Now().Sub(start)
	status := l.Status()
	status.Status = l.engine.Status()
	status.DroppedFrames = l.dropped
	status.LateFrames = l.late
	status.Quitting = l.quitting
	status.Commands = l.buffer.Stats()
	l.status.Store(status)

	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
	return result
}

// Run drives frames until a quit event runs or a fatal error occurs.
// Cancelling ctx does not stop the loop directly; it schedules a quit event
// so the peer stops on the same frame.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	period := l.Period()
	done := ctx.Done()
	next := l.deps.Clock.Now()

	for {
		select {
		case <-done:
			done = nil
			l.requestQuit()
		default:
		}
		next = next.Add(period)
		dropped := false
		behind := l.deps.Clock.Now().Sub(next)
		if behind > 0 {
			dropped = true
			if l.config.LateTolerance > 0 && behind > l.config.LateTolerance {
				l.late++
				l.metricsAdd(framesLateMetricKey, 1)
				frame := l.engine.Status().Frame + 1
				loggingsimulation.LateFrame(context.Background(), l.deps.Publisher, frame, loggingsimulation.LateFramePayload{
					BehindMillis:    behind.Milliseconds(),
					ToleranceMillis: l.config.LateTolerance.Milliseconds(),
					Fatal:           l.config.FatalLate,
				}, nil)
				if l.config.FatalLate {
					return &lockstep.Error{
						Class: lockstep.ClassFatal,
						Op:    "loop",
						Frame: lockstep.Frame(frame),
						Err:   fmt.Errorf("%w: %s behind", lockstep.ErrLateFrame, behind),
					}
				}
				next = l.deps.Clock.Now()
			}
		} else {
			if err := l.wait(next, &done); err != nil {
				return err
			}
		}

		result := l.Advance(dropped, behind)
		if err := result.Step.Err; err != nil {
			switch lockstep.Classify(err) {
			case lockstep.ClassFatal:
				return err
			default:
				l.deps.Logger.Printf("[sim] frame %d: %v", result.Step.Frame, err)
			}
		}
		if result.Step.Quit {
			return nil
		}
	}
}

// wait blocks until the deadline, pulling transport bytes whenever the engine
// signals readiness. A cancelled context schedules quit once.
func (l *Loop) wait(deadline time.Time, done *<-chan struct{}) error {
	for {
		remaining := deadline.Sub(l.deps.Clock.Now())
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return nil
		case <-*done:
			timer.Stop()
			*done = nil
			l.requestQuit()
		case <-l.engine.Wake():
			timer.Stop()
			if err := l.engine.Pump(); err != nil {
				if lockstep.Classify(err) == lockstep.ClassFatal {
					return err
				}
				l.deps.Logger.Printf("[sim] pump: %v", err)
			}
		case <-l.wake:
			timer.Stop()
		}
	}
}

func (l *Loop) requestQuit() {
	if l.quitting {
		return
	}
	l.quitting = true
	if _, err := l.engine.Schedule(lockstep.EventQuit); err != nil {
		l.deps.Logger.Printf("[sim] schedule quit: %v", err)
	}
}

func (l *Loop) metricsAdd(key string, delta uint64) {
	if l.deps.Metrics == nil {
		return
	}
	l.deps.Metrics.Add(key, delta)
}
