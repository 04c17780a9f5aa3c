package lockstep

import (
	"errors"
	"testing"

	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/logging"
	"tower-wars/lockstep/logging/simulation"
	"tower-wars/lockstep/logging/sinks"
)

func TestDispatchRunsHandlersThenTickOnce(t *testing.T) {
	sink := sinks.NewMemorySink()
	metrics := &logging.Metrics{}
	d := NewDispatcher(sink, telemetry.WrapMetrics(metrics))

	var calls []string
	if err := d.Register("clear", func(sim *Context, args []string) error {
		calls = append(calls, "clear:"+args[0]+","+args[1])
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register("broken", func(*Context, []string) error {
		calls = append(calls, "broken")
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ticks := 0
	d.OnTick(func(*Context) error {
		ticks++
		return nil
	})

	sim := NewContext(RoleStandalone, 1)
	sim.Frame = 12
	result := d.Dispatch(sim, []Event{
		{Name: "clear", Args: []string{"3", "4"}},
		{Name: "missing"},
		{Name: "broken"},
	})

	if ticks != 1 {
		t.Fatalf("expected exactly one tick, got %d", ticks)
	}
	if len(calls) != 2 || calls[0] != "clear:3,4" || calls[1] != "broken" {
		t.Fatalf("unexpected calls %v", calls)
	}
	if result.Delivered != 2 || result.Unknown != 1 || result.Failed != 1 || result.Quit {
		t.Fatalf("unexpected result %+v", result)
	}

	unknown := sink.OfType(simulation.EventUnknownHandler)
	if len(unknown) != 1 || unknown[0].Frame != 12 || unknown[0].Severity != logging.SeverityWarn {
		t.Fatalf("expected one unknown handler warning, got %+v", unknown)
	}
	if failed := sink.OfType(simulation.EventHandlerFailed); len(failed) != 1 {
		t.Fatalf("expected one handler failure, got %d", len(failed))
	}
	snapshot := metrics.Snapshot()
	if snapshot[unknownHandlerMetricKey] != 1 || snapshot[dispatchedMetricKey] != 2 {
		t.Fatalf("unexpected metrics %v", snapshot)
	}
}

func TestDispatchTicksWithoutEvents(t *testing.T) {
	d := NewDispatcher(nil, nil)
	ticks := 0
	d.OnTick(func(*Context) error {
		ticks++
		return nil
	})
	d.Dispatch(NewContext(RoleStandalone, 1), nil)
	if ticks != 1 {
		t.Fatalf("expected tick on an empty frame, got %d", ticks)
	}
}

func TestDispatchQuit(t *testing.T) {
	d := NewDispatcher(nil, nil)
	_ = d.Register("stop", func(*Context, []string) error { return ErrQuit })
	result := d.Dispatch(NewContext(RoleStandalone, 1), []Event{{Name: "stop"}})
	if !result.Quit || result.Failed != 0 {
		t.Fatalf("expected quit without failure, got %+v", result)
	}
}

func TestRegisterRejectsReservedNames(t *testing.T) {
	d := NewDispatcher(nil, nil)
	noop := func(*Context, []string) error { return nil }
	for _, name := range []string{"ping", "synchronize"} {
		if err := d.Register(name, noop); !errors.Is(err, ErrReservedName) {
			t.Fatalf("expected %s to be reserved, got %v", name, err)
		}
	}
	if err := d.Register("", noop); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
	if err := d.Register("clear", nil); err == nil {
		t.Fatalf("expected nil handler to be rejected")
	}
}
