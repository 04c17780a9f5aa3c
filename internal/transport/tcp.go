package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// NewStream wraps a connected stream socket.
func NewStream(conn net.Conn) Transport {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	read := func() ([]byte, error) {
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		return buf[:n], err
	}
	write := func(p []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		_, err := conn.Write(p)
		return err
	}
	return newPump(remote, read, write, conn.Close)
}

// DialTCP connects to addr once.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewStream(conn), nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

type tcpListener struct {
	ln       net.Listener
	accepted chan acceptResult
	ready    chan struct{}

	mu     sync.Mutex
	closed bool
}

// ListenTCP binds addr and accepts exactly one peer in the background.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	l := &tcpListener{
		ln:       ln,
		accepted: make(chan acceptResult, 1),
		ready:    make(chan struct{}, 1),
	}
	go l.acceptOnce()
	return l, nil
}

func (l *tcpListener) acceptOnce() {
	conn, err := l.ln.Accept()
	if err == nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}
	l.accepted <- acceptResult{conn: conn, err: err}
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *tcpListener) Poll() (Transport, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	select {
	case res := <-l.accepted:
		_ = l.Close()
		if res.err != nil {
			return nil, fmt.Errorf("accept: %w", res.err)
		}
		return NewStream(res.conn), nil
	default:
		return nil, nil
	}
}

func (l *tcpListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *tcpListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.ln.Close()
}
