package playfield

import (
	"math/rand"
	"testing"

	"tower-wars/lockstep/internal/lockstep"
	"tower-wars/lockstep/logging/simulation"
	"tower-wars/lockstep/logging/sinks"
)

func TestMutateFadesAndWrites(t *testing.T) {
	p := New(nil)
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			p.Set(r, c, 5)
		}
	}
	row, col, value := p.Mutate(rand.New(rand.NewSource(1)))
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			want := uint8(4)
			if r == row && c == col {
				want = value
			}
			if got := p.Cell(r, c); got != want {
				t.Fatalf("cell (%d, %d): expected %d, got %d", r, c, want, got)
			}
		}
	}
}

func TestClearUsesPixelCoordinates(t *testing.T) {
	p := New(nil)
	p.Set(2, 1, 200)
	cleared, err := p.Clear(20, 40)
	if err != nil || !cleared {
		t.Fatalf("expected pixel (20, 40) to clear cell (2, 1), got %v %v", cleared, err)
	}
	if p.Cell(2, 1) != 0 {
		t.Fatalf("expected cell to be empty")
	}
	if cleared, _ := p.Clear(20, 40); cleared {
		t.Fatalf("expected clearing an empty cell to report false")
	}
	if _, err := p.Clear(Cols*CellSize, 0); err == nil {
		t.Fatalf("expected out-of-range pixel to fail")
	}
}

func TestSameSeedSameWorld(t *testing.T) {
	a, b := New(nil), New(nil)
	ra, rb := rand.New(rand.NewSource(77)), rand.New(rand.NewSource(77))
	for i := 0; i < 200; i++ {
		a.Mutate(ra)
		b.Mutate(rb)
	}
	if a.Checksum() != b.Checksum() {
		t.Fatalf("expected identical worlds")
	}
	b.Reset()
	if a.Checksum() == b.Checksum() {
		t.Fatalf("expected reset to change the checksum")
	}
}

func TestHandlersDriveTheWorldThroughTheEngine(t *testing.T) {
	sink := sinks.NewMemorySink()
	engine := lockstep.NewStandalone(lockstep.Config{Seed: func() (int64, error) { return 5, nil }})
	p := New(sink)
	if err := p.Register(engine); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := engine.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for engine.Frame() < 20 {
		engine.Step()
	}
	if got := len(sink.OfType(simulation.EventCellMutated)); got != 20 {
		t.Fatalf("expected one mutation per frame, got %d", got)
	}

	// Replay with the same seed: the world after the bootstrap reset must match.
	replay := lockstep.NewStandalone(lockstep.Config{Seed: func() (int64, error) { return 5, nil }})
	q := New(nil)
	_ = q.Register(replay)
	_ = replay.Bootstrap()
	for replay.Frame() < 20 {
		replay.Step()
	}
	if p.Checksum() != q.Checksum() {
		t.Fatalf("expected replay to reproduce the world")
	}
}

func TestClearHandlerRejectsBadArguments(t *testing.T) {
	p := New(nil)
	sim := lockstep.NewContext(lockstep.RoleStandalone, 1)
	if err := p.handleClear(sim, []string{"1"}); err == nil {
		t.Fatalf("expected missing argument to fail")
	}
	if err := p.handleClear(sim, []string{"x", "1"}); err == nil {
		t.Fatalf("expected non-numeric argument to fail")
	}
}
