package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func waitReadable(t *testing.T, tr Transport) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var out []byte
	for {
		data, err := tr.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out = append(out, data...)
		if len(out) > 0 && out[len(out)-1] == '\n' {
			return out
		}
		select {
		case <-tr.Ready():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for data, have %q", out)
		}
	}
}

func waitAccepted(t *testing.T, ln Listener) Transport {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		peer, err := ln.Poll()
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if peer != nil {
			return peer
		}
		select {
		case <-ln.Ready():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for peer")
		}
	}
}

func waitEOF(t *testing.T, tr Transport) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if _, err := tr.Read(); err != nil {
			return err
		}
		select {
		case <-tr.Ready():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for EOF")
		}
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	if data, err := b.Read(); err != nil || data != nil {
		t.Fatalf("expected empty read, got %q %v", data, err)
	}
	if err := a.Write([]byte("1 ping 0\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Write([]byte("2 ping 1\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-b.Ready():
	default:
		t.Fatalf("expected readiness signal")
	}
	if !b.CanReceive() {
		t.Fatalf("expected CanReceive")
	}
	data, err := b.Read()
	if err != nil || string(data) != "1 ping 0\n2 ping 1\n" {
		t.Fatalf("unexpected read %q %v", data, err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after peer close, got %v", err)
	}
	if err := b.Write([]byte("x\n")); err == nil {
		t.Fatalf("expected write to closed peer to fail")
	}
	if b.CanSend() {
		t.Fatalf("expected CanSend false after peer close")
	}
}

func TestPipeListenerHandsOverOnce(t *testing.T) {
	ln := NewPipeListener()
	if peer, err := ln.Poll(); err != nil || peer != nil {
		t.Fatalf("expected nothing pending, got %v %v", peer, err)
	}
	client, err := ln.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server, err := ln.Poll()
	if err != nil || server == nil {
		t.Fatalf("expected handoff, got %v %v", server, err)
	}
	if _, err := ln.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected consumed listener, got %v", err)
	}
	if _, err := ln.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected refused connection, got %v", err)
	}
	if err := client.Write([]byte("hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if data, _ := server.Read(); string(data) != "hi\n" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, ln.Addr())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	server := waitAccepted(t, ln)
	defer server.Close()

	if _, err := ln.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected listener to be consumed, got %v", err)
	}

	if err := client.Write([]byte("5 clear 3 4\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := string(waitReadable(t, server)); got != "5 clear 3 4\n" {
		t.Fatalf("unexpected payload %q", got)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitEOF(t, server); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDialTCPFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, KindTCP, addr); err == nil {
		t.Fatalf("expected dial to a closed port to fail")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	ln, err := Listen(KindWebSocket, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, KindWebSocket, ln.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := waitAccepted(t, ln)
	defer server.Close()

	if err := server.Write([]byte("9 synchronize 7\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := string(waitReadable(t, client)); got != "9 synchronize 7\n" {
		t.Fatalf("unexpected payload %q", got)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitEOF(t, client); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := Listen("carrier-pigeon", "127.0.0.1:0"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Dial(context.Background(), "carrier-pigeon", "x"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
