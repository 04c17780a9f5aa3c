package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// NewWebSocket wraps an established websocket connection. Every Write is sent
// as one text message; inbound messages are concatenated into the byte stream.
func NewWebSocket(conn *websocket.Conn) Transport {
	conn.SetReadLimit(1 << 20)
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	read := func() ([]byte, error) {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil, io.EOF
				}
				return nil, err
			}
			if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
				return data, nil
			}
		}
	}
	write := func(p []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, p)
	}
	shutdown := func() error {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		return conn.Close()
	}
	return newPump(remote, read, write, shutdown)
}

// DialWebSocket connects to ws://addr/lockstep once.
func DialWebSocket(ctx context.Context, addr string) (Transport, error) {
	target := url.URL{Scheme: "ws", Host: addr, Path: WebSocketPath}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", target.String(), err)
	}
	return NewWebSocket(conn), nil
}

type wsAccept struct {
	conn *websocket.Conn
	err  error
}

type wsListener struct {
	ln       net.Listener
	srv      *nethttp.Server
	upgrader websocket.Upgrader
	accepted chan wsAccept
	ready    chan struct{}
	taken    atomic.Bool

	mu     sync.Mutex
	closed bool
}

// ListenWebSocket serves a websocket upgrade on addr and hands over the first
// peer that connects. Later upgrade attempts are refused.
func ListenWebSocket(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", addr, err)
	}
	l := &wsListener{
		ln:       ln,
		accepted: make(chan wsAccept, 1),
		ready:    make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readChunkSize,
			WriteBufferSize: readChunkSize,
			CheckOrigin:     func(*nethttp.Request) bool { return true },
		},
	}
	mux := nethttp.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handleUpgrade)
	l.srv = &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			l.deliver(wsAccept{err: err})
		}
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w nethttp.ResponseWriter, r *nethttp.Request) {
	if !l.taken.CompareAndSwap(false, true) {
		nethttp.Error(w, "peer already connected", nethttp.StatusConflict)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.taken.Store(false)
		return
	}
	l.deliver(wsAccept{conn: conn})
}

func (l *wsListener) deliver(res wsAccept) {
	select {
	case l.accepted <- res:
	default:
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *wsListener) Poll() (Transport, error) {
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
			return nil, fmt.Errorf("accept websocket: %w", res.err)
		}
		return NewWebSocket(res.conn), nil
	default:
		return nil, nil
	}
}

func (l *wsListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops serving. Hijacked websocket connections are not tracked by the
// HTTP server, so a handed-over peer survives it.
func (l *wsListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.srv.Close()
}
