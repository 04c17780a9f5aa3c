// Package playfield is the demo world driven by the lockstep engine: a grid
// of cells that fade by one each frame while the tick writes a random value
// into one random cell.
package playfield

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"

	"tower-wars/lockstep/internal/lockstep"
	"tower-wars/lockstep/logging"
	loggingsimulation "tower-wars/lockstep/logging/simulation"
)

const (
	Rows     = 48
	Cols     = 32
	CellSize = 16

	// EventClear empties the cell under a pixel position.
	EventClear = "clear"
)

// Playfield holds cell intensities in row-major order.
type Playfield struct {
	cells [Rows][Cols]uint8
	pub   logging.Publisher
}

// New returns an empty playfield. pub may be nil.
func New(pub logging.Publisher) *Playfield {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Playfield{pub: pub}
}

// Registrar is satisfied by *lockstep.Engine.
type Registrar interface {
	Register(name string, handler lockstep.Handler) error
	OnTick(tick lockstep.TickFunc)
}

// Register installs the reset and clear handlers and the world tick.
func (p *Playfield) Register(r Registrar) error {
	if err := r.Register(lockstep.EventReset, p.handleReset); err != nil {
		return fmt.Errorf("register %s: %w", lockstep.EventReset, err)
	}
	if err := r.Register(EventClear, p.handleClear); err != nil {
		return fmt.Errorf("register %s: %w", EventClear, err)
	}
	r.OnTick(p.tick)
	return nil
}

// Reset empties every cell.
func (p *Playfield) Reset() {
	p.cells = [Rows][Cols]uint8{}
}

// Cell returns the value at row, col.
func (p *Playfield) Cell(row, col int) uint8 {
	return p.cells[row][col]
}

// Set writes the value at row, col.
func (p *Playfield) Set(row, col int, value uint8) {
	p.cells[row][col] = value
}

// Mutate fades every lit cell by one and writes a random value into a random
// cell. The draw order is column, row, value.
func (p *Playfield) Mutate(rng *rand.Rand) (row, col int, value uint8) {
	for r := range p.cells {
		for c, v := range p.cells[r] {
			if v > 0 {
				p.cells[r][c] = v - 1
			}
		}
	}
	col = rng.Intn(Cols)
	row = rng.Intn(Rows)
	value = uint8(rng.Intn(256))
	p.cells[row][col] = value
	return row, col, value
}

// Clear empties the cell containing pixel (x, y). It reports whether the
// cell was lit.
func (p *Playfield) Clear(x, y int) (bool, error) {
	row, col := y/CellSize, x/CellSize
	if x < 0 || y < 0 || row >= Rows || col >= Cols {
		return false, fmt.Errorf("pixel (%d, %d) outside the %dx%d playfield", x, y, Cols*CellSize, Rows*CellSize)
	}
	if p.Cell(row, col) == 0 {
		return false, nil
	}
	p.cells[row][col] = 0
	return true, nil
}

// Checksum digests every cell so two peers can compare worlds cheaply.
func (p *Playfield) Checksum() string {
	hasher := fnv.New64a()
	for r := range p.cells {
		hasher.Write(p.cells[r][:])
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], hasher.Sum64())
	return fmt.Sprintf("%x", out)
}

func (p *Playfield) handleReset(*lockstep.Context, []string) error {
	p.Reset()
	return nil
}

func (p *Playfield) handleClear(sim *lockstep.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("clear takes x and y, got %d arguments", len(args))
	}
	x, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("clear x: %w", err)
	}
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("clear y: %w", err)
	}
	cleared, err := p.Clear(x, y)
	if err != nil {
		return err
	}
	if cleared {
		loggingsimulation.CellCleared(context.Background(), p.pub, int64(sim.Frame), loggingsimulation.CellPayload{
			Row: y / CellSize,
			Col: x / CellSize,
		}, nil)
	}
	return nil
}

func (p *Playfield) tick(sim *lockstep.Context) error {
	row, col, value := p.Mutate(sim.Rand)
	loggingsimulation.CellMutated(context.Background(), p.pub, int64(sim.Frame), loggingsimulation.CellPayload{
		Row:   row,
		Col:   col,
		Value: int(value),
	}, nil)
	return nil
}
