// Package transport provides the ordered, reliable byte channels the lockstep
// engine talks over. Transports never block the caller: reads return whatever
// has already arrived and writes are queued, while pump goroutines do the
// actual socket I/O.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	KindTCP       = "tcp"
	KindWebSocket = "ws"

	// WebSocketPath is the HTTP path the websocket listener upgrades on.
	WebSocketPath = "/lockstep"

	defaultQueueDepth   = 256
	defaultWriteTimeout = 5 * time.Second
	readChunkSize       = 4096
)

var (
	// ErrClosed is returned when using a transport or listener after Close.
	ErrClosed = errors.New("transport closed")
	// ErrBackpressure is returned when the outbound queue is full.
	ErrBackpressure = errors.New("transport send queue full")
	// ErrUnknownKind is returned for an unsupported transport kind.
	ErrUnknownKind = errors.New("unknown transport kind")
)

// Transport is a connected duplex byte channel to the peer.
type Transport interface {
	// CanSend reports whether Write would accept more bytes right now.
	CanSend() bool
	// CanReceive reports whether Read has bytes or a terminal error to return.
	CanReceive() bool
	// Write queues p for delivery.
	Write(p []byte) error
	// Read returns the bytes received so far, nil when nothing is pending,
	// or io.EOF once the peer has closed the stream.
	Read() ([]byte, error)
	// Ready is signaled whenever new bytes or a terminal error arrive.
	Ready() <-chan struct{}
	RemoteAddr() string
	Close() error
}

// Listener owns a passive endpoint until one peer connects. Poll hands the
// connection over as a Transport and closes the listener: the listener is
// consumed by the handoff.
type Listener interface {
	// Poll returns the accepted peer, or nil when nobody has connected yet.
	Poll() (Transport, error)
	Ready() <-chan struct{}
	Addr() string
	Close() error
}

// Listen opens a passive endpoint of the given kind.
func Listen(kind, addr string) (Listener, error) {
	switch kind {
	case KindTCP, "":
		return ListenTCP(addr)
	case KindWebSocket:
		return ListenWebSocket(addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Dial makes a single active connection attempt.
func Dial(ctx context.Context, kind, addr string) (Transport, error) {
	switch kind {
	case KindTCP, "":
		return DialTCP(ctx, addr)
	case KindWebSocket:
		return DialWebSocket(ctx, addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// pump moves bytes between a blocking connection and the non-blocking
// Transport surface.
type pump struct {
	remote   string
	read     func() ([]byte, error)
	write    func([]byte) error
	shutdown func() error

	incoming   chan []byte
	outgoing   chan []byte
	ready      chan struct{}
	done       chan struct{}
	writerDone chan struct{}

	eof       atomic.Bool
	mu        sync.Mutex
	readErr   error
	writeErr  error
	closeOnce sync.Once
	closeErr  error
}

func newPump(remote string, read func() ([]byte, error), write func([]byte) error, shutdown func() error) *pump {
	p := &pump{
		remote:     remote,
		read:       read,
		write:      write,
		shutdown:   shutdown,
		incoming:   make(chan []byte, defaultQueueDepth),
		outgoing:   make(chan []byte, defaultQueueDepth),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	return p
}

func (p *pump) readLoop() {
	for {
		data, err := p.read()
		if len(data) > 0 {
			select {
			case p.incoming <- data:
				p.signal()
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			p.eof.Store(true)
			close(p.incoming)
			p.signal()
			return
		}
	}
}

func (p *pump) writeLoop() {
	defer close(p.writerDone)
	for {
		select {
		case data := <-p.outgoing:
			if !p.send(data) {
				return
			}
		case <-p.done:
			for {
				select {
				case data := <-p.outgoing:
					if !p.send(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *pump) send(data []byte) bool {
	if err := p.write(data); err != nil {
		p.mu.Lock()
		p.writeErr = err
		p.mu.Unlock()
		return false
	}
	return true
}

func (p *pump) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pump) CanSend() bool {
	if p.closed() {
		return false
	}
	p.mu.Lock()
	failed := p.writeErr != nil
	p.mu.Unlock()
	return !failed && len(p.outgoing) < cap(p.outgoing)
}

func (p *pump) CanReceive() bool {
	return len(p.incoming) > 0 || p.eof.Load()
}

func (p *pump) Write(data []byte) error {
	if p.closed() {
		return ErrClosed
	}
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	copied := append([]byte(nil), data...)
	select {
	case p.outgoing <- copied:
		return nil
	default:
		return ErrBackpressure
	}
}

func (p *pump) Read() ([]byte, error) {
	var out []byte
	for {
		select {
		case data, ok := <-p.incoming:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, p.terminalError()
			}
			out = append(out, data...)
		default:
			return out, nil
		}
	}
}

func (p *pump) terminalError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr == nil || errors.Is(p.readErr, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("%w: %v", io.EOF, p.readErr)
}

func (p *pump) Ready() <-chan struct{} {
	return p.ready
}

func (p *pump) RemoteAddr() string {
	return p.remote
}

// Close flushes queued writes for a bounded time and then closes the
// connection.
func (p *pump) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		select {
		case <-p.writerDone:
		case <-time.After(time.Second):
		}
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}
