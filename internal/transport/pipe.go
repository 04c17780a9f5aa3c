package transport

import (
	"io"
	"sync"
)

type pipeShared struct {
	mu sync.Mutex
}

type pipeEnd struct {
	shared *pipeShared
	name   string
	peer   *pipeEnd
	inbox  []byte
	closed bool
	ready  chan struct{}
}

// Pipe returns two connected in-memory transports. Bytes written on one end
// are readable on the other immediately, which makes two engines steppable
// from a single goroutine.
func Pipe() (Transport, Transport) {
	shared := &pipeShared{}
	a := &pipeEnd{shared: shared, name: "pipe:a", ready: make(chan struct{}, 1)}
	b := &pipeEnd{shared: shared, name: "pipe:b", ready: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) CanSend() bool {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return !p.closed && !p.peer.closed
}

func (p *pipeEnd) CanReceive() bool {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return len(p.inbox) > 0 || p.peer.closed
}

func (p *pipeEnd) Write(data []byte) error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.peer.closed {
		return io.ErrClosedPipe
	}
	p.peer.inbox = append(p.peer.inbox, data...)
	notify(p.peer.ready)
	return nil
}

func (p *pipeEnd) Read() ([]byte, error) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.inbox) > 0 {
		out := p.inbox
		p.inbox = nil
		return out, nil
	}
	if p.peer.closed {
		return nil, io.EOF
	}
	return nil, nil
}

func (p *pipeEnd) Ready() <-chan struct{} {
	return p.ready
}

func (p *pipeEnd) RemoteAddr() string {
	return p.peer.name
}

func (p *pipeEnd) Close() error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	notify(p.peer.ready)
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PipeListener is an in-memory Listener whose peers arrive through Connect.
type PipeListener struct {
	mu      sync.Mutex
	pending []Transport
	closed  bool
	ready   chan struct{}
}

func NewPipeListener() *PipeListener {
	return &PipeListener{ready: make(chan struct{}, 1)}
}

// Connect simulates an inbound connection and returns the dialing side.
func (l *PipeListener) Connect() (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	server, client := Pipe()
	l.pending = append(l.pending, server)
	notify(l.ready)
	return client, nil
}

func (l *PipeListener) Poll() (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if len(l.pending) == 0 {
		return nil, nil
	}
	peer := l.pending[0]
	for _, extra := range l.pending[1:] {
		_ = extra.Close()
	}
	l.pending = nil
	l.closed = true
	return peer, nil
}

func (l *PipeListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *PipeListener) Addr() string {
	return "pipe"
}

func (l *PipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
