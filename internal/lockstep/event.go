// Package lockstep keeps two peers' simulations in step by exchanging only
// frame-stamped action records. Every action is scheduled a few frames ahead,
// merged with the peer's actions in a fixed order, and dispatched to named
// handlers before the world ticks exactly once per frame.
package lockstep

import (
	"math/rand"
	"strings"
)

// Frame is one fixed-duration simulation tick. Each peer counts its own
// frames; remote frames are mapped through the connection offset.
type Frame int64

const (
	// DefaultDelayFloor is the minimum lead, in frames, of a locally scheduled event.
	DefaultDelayFloor Frame = 5
	// DefaultSyncSamples is the number of RTT samples the server waits for.
	DefaultSyncSamples = 30
	// DefaultRandomSeed seeds the simulation RNG until a randomize event arrives.
	DefaultRandomSeed int64 = 1
)

// Origin tells whether an event was scheduled by this peer or received.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Event is a named action bound to a target frame.
type Event struct {
	Origin Origin
	Name   string
	Args   []string
}

func (e Event) String() string {
	if len(e.Args) == 0 {
		return e.Name
	}
	return e.Name + " " + strings.Join(e.Args, " ")
}

// Role is the part this process plays in the session.
type Role uint8

const (
	RoleStandalone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "standalone"
	}
}

// Context is the simulation state handed to every handler. It replaces any
// process-wide frame counter or RNG.
type Context struct {
	Frame Frame
	Role  Role
	Rand  *rand.Rand
}

// NewContext returns a context seeded with seed.
func NewContext(role Role, seed int64) *Context {
	return &Context{Role: role, Rand: rand.New(rand.NewSource(seed))}
}

// Reseed replaces the simulation RNG. Only the randomize event should call it
// so both peers reseed at the same frame.
func (c *Context) Reseed(seed int64) {
	c.Rand = rand.New(rand.NewSource(seed))
}
