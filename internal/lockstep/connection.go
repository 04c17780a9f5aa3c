package lockstep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"tower-wars/lockstep/internal/transport"
	"tower-wars/lockstep/internal/wire"
	"tower-wars/lockstep/logging"
	loggingnetwork "tower-wars/lockstep/logging/network"
)

// State is the handshake state of the peer connection.
type State uint8

const (
	StateStandalone State = iota
	StateListening
	StateConnected
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateSynchronized:
		return "synchronized"
	default:
		return "standalone"
	}
}

// Connection owns either a listening endpoint or a connected peer stream,
// never both, and runs the ping / synchronize handshake over it.
type Connection struct {
	role       Role
	state      State
	listener   transport.Listener
	peer       transport.Transport
	framer     wire.Framer
	clock      *ClockSynchronizer
	lastRemote Frame
	offset     Frame
	halfRTT    Frame
	hangup     error
	pub        logging.Publisher
}

func newConnection(role Role, listener transport.Listener, peer transport.Transport, samples int, pub logging.Publisher) *Connection {
	c := &Connection{
		role:  role,
		state: StateStandalone,
		clock: NewClockSynchronizer(samples),
		pub:   pub,
	}
	switch {
	case peer != nil:
		c.peer = peer
		c.state = StateConnected
	case listener != nil:
		c.listener = listener
		c.state = StateListening
	}
	return c
}

func (c *Connection) State() State { return c.state }

func (c *Connection) Role() Role { return c.role }

// Offset is the number of frames to add to a peer frame stamp to get the
// local frame the event runs on. It is only meaningful once synchronized.
func (c *Connection) Offset() Frame { return c.offset }

// Wake returns a channel that fires when the endpoint may have progress to
// report. It is nil when standalone.
func (c *Connection) Wake() <-chan struct{} {
	switch {
	case c.peer != nil:
		return c.peer.Ready()
	case c.listener != nil:
		return c.listener.Ready()
	default:
		return nil
	}
}

func (c *Connection) actor() logging.EntityRef {
	return logging.EntityRef{ID: c.role.String(), Kind: logging.EntityKindPeer}
}

// Pump moves pending transport input into the framer and promotes an
// accepted peer to the connected state. A failed accept is fatal. A peer
// that hangs up is released but the bytes it sent before hanging up stay in
// the framer; the engine settles the hangup after handling them.
func (c *Connection) Pump(now Frame) error {
	if c.state == StateListening {
		peer, err := c.listener.Poll()
		if err != nil {
			return newError(ClassFatal, "accept", now, fmt.Errorf("%w: %v", ErrConnect, err))
		}
		if peer == nil {
			return nil
		}
		c.listener = nil
		c.peer = peer
		c.state = StateConnected
		loggingnetwork.PeerConnected(context.Background(), c.pub, int64(now), c.actor(), loggingnetwork.PeerConnectedPayload{
			Role:   c.role.String(),
			Remote: peer.RemoteAddr(),
		}, nil)
	}
	if c.peer == nil || !c.peer.CanReceive() {
		return nil
	}
	data, err := c.peer.Read()
	c.framer.Feed(data)
	if err != nil {
		c.hangUp(now, err)
	}
	return nil
}

func (c *Connection) hangUp(now Frame, cause error) {
	reason := cause.Error()
	if errors.Is(cause, io.EOF) {
		reason = "end of stream"
	}
	loggingnetwork.Disconnected(context.Background(), c.pub, int64(now), c.actor(), loggingnetwork.DisconnectedPayload{
		State:  c.state.String(),
		Reason: reason,
	}, nil)
	_ = c.peer.Close()
	c.peer = nil
	c.hangup = newError(ClassFatal, "receive", now, fmt.Errorf("%w: %v", ErrDisconnected, cause))
}

// Hangup returns the fatal disconnect recorded when the peer went away, or
// nil while the peer is still there.
func (c *Connection) Hangup() error { return c.hangup }

// Release drops a hung up peer and reverts to standalone without an error.
func (c *Connection) Release() { c.close() }

// Records returns the complete records received so far.
func (c *Connection) Records() ([]wire.Record, error) {
	return c.framer.Records()
}

// Send encodes and writes one record to the peer. A peer that cannot take
// the record is a fatal disconnect: skipping a record would leave the peers
// running different event sequences.
func (c *Connection) Send(now Frame, record wire.Record) error {
	if c.peer == nil {
		return newError(ClassFatal, "send", now, fmt.Errorf("%w: no peer", ErrDisconnected))
	}
	line, err := wire.Encode(record)
	if err != nil {
		return newError(ClassRecoverable, "send", now, err)
	}
	if !c.peer.CanSend() {
		return newError(ClassFatal, "send", now, fmt.Errorf("%w: peer cannot accept %s", ErrDisconnected, record.Name))
	}
	if err := c.peer.Write(line); err != nil {
		return newError(ClassFatal, "send", now, fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
	return nil
}

// Tick sends this frame's handshake ping while the handshake is running.
func (c *Connection) Tick(now Frame) error {
	if c.state != StateConnected {
		return nil
	}
	return c.Send(now, wire.Record{
		Frame: int64(now),
		Name:  wire.NamePing,
		Args:  []string{strconv.FormatInt(int64(c.lastRemote), 10)},
	})
}

// Handle consumes a handshake record or reports that the record is an event
// to forward to the cache. synced is true when this record completed the
// handshake.
func (c *Connection) Handle(now Frame, record wire.Record) (forward bool, synced bool, err error) {
	switch c.state {
	case StateConnected:
		switch record.Name {
		case wire.NamePing:
			synced, err = c.onPing(now, record)
			return false, synced, err
		case wire.NameSynchronize:
			if c.role != RoleClient {
				return false, false, c.violation(now, "synchronize sent to the server")
			}
			err = c.onSynchronize(now, record)
			return false, err == nil, err
		default:
			return false, false, c.violation(now, "event before synchronization")
		}
	case StateSynchronized:
		switch record.Name {
		case wire.NamePing:
			return false, false, nil
		case wire.NameSynchronize:
			return false, false, c.violation(now, "duplicate synchronize")
		default:
			return true, false, nil
		}
	default:
		return false, false, c.violation(now, "record without a connected peer")
	}
}

func (c *Connection) onPing(now Frame, record wire.Record) (bool, error) {
	if len(record.Args) != 1 {
		return false, c.violation(now, "ping takes exactly one argument")
	}
	echoed, err := strconv.ParseInt(record.Args[0], 10, 64)
	if err != nil {
		return false, c.violation(now, "ping argument is not a frame")
	}
	c.lastRemote = Frame(record.Frame)
	if sample, ok := c.clock.Observe(now, Frame(echoed)); ok {
		loggingnetwork.RTTSample(context.Background(), c.pub, int64(now), c.actor(), loggingnetwork.RTTSamplePayload{
			RTT:     int64(sample),
			Samples: c.clock.Len(),
			Needed:  c.clock.Limit(),
		}, nil)
	}
	if c.role != RoleServer || !c.clock.Ready() {
		return false, nil
	}

	samples := c.clock.Len()
	c.halfRTT = c.clock.HalfRTT()
	c.offset = c.clock.Offset(now, Frame(record.Frame))
	if err := c.Send(now, wire.Record{
		Frame: int64(now),
		Name:  wire.NameSynchronize,
		Args:  []string{strconv.FormatInt(int64(now-c.offset), 10)},
	}); err != nil {
		return false, err
	}
	c.synchronized(now, samples)
	return true, nil
}

func (c *Connection) onSynchronize(now Frame, record wire.Record) error {
	if len(record.Args) != 1 {
		return c.violation(now, "synchronize takes exactly one argument")
	}
	visible, err := strconv.ParseInt(record.Args[0], 10, 64)
	if err != nil {
		return c.violation(now, "synchronize argument is not a frame")
	}
	// The server maps its stamp onto visible; the inverse mapping is ours.
	c.offset = Frame(visible) - Frame(record.Frame)
	c.synchronized(now, c.clock.Len())
	return nil
}

func (c *Connection) synchronized(now Frame, samples int) {
	c.state = StateSynchronized
	c.clock.Reset()
	loggingnetwork.Synchronized(context.Background(), c.pub, int64(now), c.actor(), loggingnetwork.SynchronizedPayload{
		Offset:  int64(c.offset),
		HalfRTT: int64(c.halfRTT),
		Samples: samples,
	}, nil)
}

func (c *Connection) violation(now Frame, reason string) error {
	return newError(ClassProtocol, "handshake", now, fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, reason, c.state))
}

// Abort logs the violation, closes the endpoint and reverts to standalone.
func (c *Connection) Abort(now Frame, cause error, record *wire.Record) {
	payload := loggingnetwork.ViolationPayload{
		State:  c.state.String(),
		Reason: cause.Error(),
	}
	if record != nil {
		payload.Record = record.String()
	}
	loggingnetwork.ProtocolViolation(context.Background(), c.pub, int64(now), c.actor(), payload, nil)
	c.close()
}

// Close releases the endpoint without logging.
func (c *Connection) Close() error {
	var err error
	if c.peer != nil {
		err = c.peer.Close()
	}
	if c.listener != nil {
		if lerr := c.listener.Close(); err == nil {
			err = lerr
		}
	}
	c.close()
	return err
}

func (c *Connection) close() {
	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
	if c.listener != nil {
		_ = c.listener.Close()
		c.listener = nil
	}
	c.state = StateStandalone
	c.framer.Reset()
	c.clock.Reset()
	c.lastRemote = 0
	c.offset = 0
	c.halfRTT = 0
	c.hangup = nil
}

func isReservedName(name string) bool {
	return wire.IsReserved(name)
}
