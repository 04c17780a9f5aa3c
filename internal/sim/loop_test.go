package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"tower-wars/lockstep/internal/lockstep"
	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/internal/transport"
	"tower-wars/lockstep/logging"
	"tower-wars/lockstep/logging/simulation"
	"tower-wars/lockstep/logging/sinks"
)

type fakeEngine struct {
	frame     lockstep.Frame
	quitAt    lockstep.Frame
	panicAt   lockstep.Frame
	failAt    lockstep.Frame
	failWith  error
	scheduled []string
}

func (f *fakeEngine) Step() lockstep.StepResult {
	f.frame++
	if f.frame == f.panicAt {
		panic("handler exploded")
	}
	result := lockstep.StepResult{Frame: f.frame}
	if f.failAt != 0 && f.frame == f.failAt {
		result.Err = f.failWith
	}
	if f.quitAt != 0 && f.frame >= f.quitAt {
		result.Quit = true
	}
	return result
}

func (f *fakeEngine) Pump() error { return nil }

func (f *fakeEngine) Wake() <-chan struct{} { return nil }

func (f *fakeEngine) Schedule(name string, args ...string) (lockstep.Frame, error) {
	f.scheduled = append(f.scheduled, name)
	target := f.frame + lockstep.DefaultDelayFloor
	if name == lockstep.EventQuit && f.quitAt == 0 {
		f.quitAt = target
	}
	return target, nil
}

func (f *fakeEngine) Status() lockstep.Status {
	return lockstep.Status{Frame: int64(f.frame), Role: "standalone", State: "standalone"}
}

func TestAdvanceSchedulesCommandsAndPresents(t *testing.T) {
	engine := &fakeEngine{}
	var presented []lockstep.Frame
	loop := NewLoop(engine, LoopConfig{}, LoopHooks{
		Present: func(frame lockstep.Frame) { presented = append(presented, frame) },
	}, Deps{})

	if !loop.Enqueue(Command{Name: "clear", Args: []string{"3", "4"}}) {
		t.Fatalf("expected enqueue to succeed")
	}
	result := loop.Advance(false, 0)
	if len(result.Commands) != 1 || len(engine.scheduled) != 1 || engine.scheduled[0] != "clear" {
		t.Fatalf("expected command to be scheduled, got %+v / %v", result.Commands, engine.scheduled)
	}
	if len(presented) != 1 || presented[0] != 1 {
		t.Fatalf("expected frame 1 presented, got %v", presented)
	}
	status := loop.Status()
	if status.Frame != 1 {
		t.Fatalf("expected status frame 1, got %d", status.Frame)
	}
	if status.Commands.Staged != 1 || status.Commands.LastBatch != 1 {
		t.Fatalf("expected the staged command in the status, got %+v", status.Commands)
	}
}

func TestAdvanceSkipsPresentationOnDroppedFrame(t *testing.T) {
	engine := &fakeEngine{}
	metrics := &logging.Metrics{}
	sink := sinks.NewMemorySink()
	presented := 0
	loop := NewLoop(engine, LoopConfig{}, LoopHooks{
		Present: func(lockstep.Frame) { presented++ },
	}, Deps{Publisher: sink, Metrics: telemetry.WrapMetrics(metrics)})

	result := loop.Advance(true, 40*time.Millisecond)
	if presented != 0 {
		t.Fatalf("expected presentation to be skipped")
	}
	if result.Step.Frame != 1 {
		t.Fatalf("expected the frame to still advance, got %d", result.Step.Frame)
	}
	if metrics.Snapshot()[framesDroppedMetricKey] != 1 {
		t.Fatalf("expected dropped frame metric")
	}
	if len(sink.OfType(simulation.EventFrameDropped)) != 1 {
		t.Fatalf("expected frame dropped event")
	}
	if loop.Status().DroppedFrames != 1 {
		t.Fatalf("expected status to count the dropped frame")
	}
}

func TestAdvanceRecoversPanics(t *testing.T) {
	engine := &fakeEngine{panicAt: 1}
	sink := sinks.NewMemorySink()
	loop := NewLoop(engine, LoopConfig{}, LoopHooks{}, Deps{Publisher: sink})

	result := loop.Advance(false, 0)
	if !result.Panicked {
		t.Fatalf("expected panic to be reported")
	}
	failed := sink.OfType(simulation.EventHandlerFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one handler failure, got %d", len(failed))
	}
	if payload, ok := failed[0].Payload.(simulation.HandlerFailedPayload); !ok || !payload.Panic {
		t.Fatalf("unexpected payload %+v", failed[0].Payload)
	}
	if next := loop.Advance(false, 0); next.Panicked || next.Step.Frame != 2 {
		t.Fatalf("expected the loop to carry on, got %+v", next)
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	engine := &fakeEngine{quitAt: 4}
	loop := NewLoop(engine, LoopConfig{FrameRate: 500}, LoopHooks{}, Deps{})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.frame != 4 {
		t.Fatalf("expected to stop on frame 4, got %d", engine.frame)
	}
}

func TestRunCancellationSchedulesQuit(t *testing.T) {
	engine := &fakeEngine{}
	loop := NewLoop(engine, LoopConfig{FrameRate: 500}, LoopHooks{}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after cancellation")
	}
	if len(engine.scheduled) != 1 || engine.scheduled[0] != lockstep.EventQuit {
		t.Fatalf("expected exactly one quit scheduled, got %v", engine.scheduled)
	}
	if engine.frame != engine.quitAt {
		t.Fatalf("expected to stop at the quit frame %d, got %d", engine.quitAt, engine.frame)
	}
}

func TestRunFatalError(t *testing.T) {
	engine := &fakeEngine{failAt: 2, failWith: lockstep.ErrDisconnected}
	loop := NewLoop(engine, LoopConfig{FrameRate: 500}, LoopHooks{}, Deps{})
	if err := loop.Run(context.Background()); !errors.Is(err, lockstep.ErrDisconnected) {
		t.Fatalf("expected disconnect to stop the loop, got %v", err)
	}
	if engine.frame != 2 {
		t.Fatalf("expected to stop at frame 2, got %d", engine.frame)
	}
}

func TestRunRecoverableErrorContinues(t *testing.T) {
	engine := &fakeEngine{failAt: 2, failWith: errors.New("bad handler input"), quitAt: 3}
	loop := NewLoop(engine, LoopConfig{FrameRate: 500}, LoopHooks{}, Deps{})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("expected recoverable error to be logged, got %v", err)
	}
	if engine.frame != 3 {
		t.Fatalf("expected to run on to frame 3, got %d", engine.frame)
	}
}

// steppingClock moves forward by step on every read so every frame starts late.
type steppingClock struct {
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func TestRunLateFramePolicy(t *testing.T) {
	t.Run("fatal", func(t *testing.T) {
		engine := &fakeEngine{}
		sink := sinks.NewMemorySink()
		loop := NewLoop(engine, LoopConfig{FrameRate: 30, LateTolerance: 500 * time.Millisecond, FatalLate: true}, LoopHooks{},
			Deps{Publisher: sink, Clock: &steppingClock{now: time.Unix(0, 0), step: time.Second}})
		err := loop.Run(context.Background())
		if !errors.Is(err, lockstep.ErrLateFrame) || lockstep.Classify(err) != lockstep.ClassFatal {
			t.Fatalf("expected fatal late frame, got %v", err)
		}
		late := sink.OfType(simulation.EventLateFrame)
		if len(late) != 1 || late[0].Severity != logging.SeverityError {
			t.Fatalf("expected one late frame error, got %+v", late)
		}
		if engine.frame != 0 {
			t.Fatalf("expected no frame to run, got %d", engine.frame)
		}
	})

	t.Run("tolerated", func(t *testing.T) {
		engine := &fakeEngine{quitAt: 3}
		metrics := &logging.Metrics{}
		loop := NewLoop(engine, LoopConfig{FrameRate: 30, LateTolerance: 500 * time.Millisecond}, LoopHooks{},
			Deps{Metrics: telemetry.WrapMetrics(metrics), Clock: &steppingClock{now: time.Unix(0, 0), step: time.Second}})
		if err := loop.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		snapshot := metrics.Snapshot()
		if snapshot[framesLateMetricKey] == 0 || snapshot[framesDroppedMetricKey] != 3 {
			t.Fatalf("expected late and dropped frames to be counted, got %v", snapshot)
		}
		if status := loop.Status(); status.LateFrames == 0 || status.DroppedFrames != 3 {
			t.Fatalf("unexpected status %+v", status)
		}
	})
}

func TestConnectedLoopsQuitOnTheSameFrame(t *testing.T) {
	ln := transport.NewPipeListener()
	peer, err := ln.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cfg := lockstep.Config{DelayFloor: 10, SyncSamples: 5}
	server := lockstep.NewServer(cfg, ln)
	client := lockstep.NewClient(cfg, peer)

	var serverQuit, clientQuit lockstep.Frame
	quitHook := func(frame *lockstep.Frame) LoopHooks {
		return LoopHooks{AfterStep: func(result LoopStepResult) {
			if result.Step.Quit {
				*frame = result.Step.Frame
			}
		}}
	}
	serverLoop := NewLoop(server, LoopConfig{FrameRate: 100}, quitHook(&serverQuit), Deps{})
	clientLoop := NewLoop(client, LoopConfig{FrameRate: 100}, quitHook(&clientQuit), Deps{})

	run := func(loop *Loop, engine *lockstep.Engine) <-chan error {
		done := make(chan error, 1)
		go func() {
			err := loop.Run(context.Background())
			_ = engine.Close()
			done <- err
		}()
		return done
	}
	serverDone := run(serverLoop, server)
	clientDone := run(clientLoop, client)

	deadline := time.After(10 * time.Second)
	for serverLoop.Status().State != "synchronized" || clientLoop.Status().State != "synchronized" {
		select {
		case <-deadline:
			t.Fatalf("peers did not synchronize: %+v / %+v", serverLoop.Status(), clientLoop.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
	offset := lockstep.Frame(serverLoop.Status().Offset)

	if !serverLoop.Enqueue(Command{Name: lockstep.EventQuit}) {
		t.Fatalf("expected quit to be staged")
	}
	for name, done := range map[string]<-chan error{"server": serverDone, "client": clientDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("%s loop: %v", name, err)
			}
		case <-deadline:
			t.Fatalf("%s loop did not stop", name)
		}
	}
	if serverQuit == 0 || clientQuit+offset != serverQuit {
		t.Fatalf("expected matching quit frames, server %d client %d offset %d", serverQuit, clientQuit, offset)
	}
}
