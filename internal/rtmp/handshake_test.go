package rtmp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

func runHandshake(t *testing.T, complex bool) HandshakeResult {
	t.Helper()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	clientErr := make(chan error, 1)
	go func() {
		clientErr <- ClientHandshake(context.Background(), client, complex)
	}()

	n := NewNegotiator(2 * time.Second)
	res, err := n.Negotiate(context.Background(), server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if !n.Negotiated() {
		t.Error("Negotiated() = false after success")
	}
	return res
}

func TestHandshakeSimple(t *testing.T) {
	t.Parallel()

	res := runHandshake(t, false)
	if res.Complex {
		t.Error("simple client negotiated as complex")
	}
	if !res.EchoMatched {
		t.Error("C2 echo of S1 not recognised")
	}
	if res.Epoch.IsZero() {
		t.Error("epoch not set")
	}
}

func TestHandshakeComplex(t *testing.T) {
	t.Parallel()

	res := runHandshake(t, true)
	if !res.Complex {
		t.Error("digest client negotiated as simple")
	}
	if !res.EchoMatched {
		t.Error("C2 digest not verified")
	}
	if res.PeerVersion != 0x80000702 {
		t.Errorf("peer version: got %#x", res.PeerVersion)
	}
}

func TestHandshakeExactlyOnce(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { _ = ClientHandshake(context.Background(), client, false) }()

	n := NewNegotiator(2 * time.Second)
	if _, err := n.Negotiate(context.Background(), server); err != nil {
		t.Fatalf("first Negotiate: %v", err)
	}
	if _, err := n.Negotiate(context.Background(), server); !errors.Is(err, ErrAlreadyNegotiated) {
		t.Errorf("second Negotiate: got %v, want ErrAlreadyNegotiated", err)
	}
}

func TestHandshakeBadVersion(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		c0c1 := make([]byte, 1+HandshakeSize)
		c0c1[0] = 6
		_, _ = client.Write(c0c1)
	}()

	n := NewNegotiator(2 * time.Second)
	_, err := n.Negotiate(context.Background(), server)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("got %v, want *HandshakeError", err)
	}
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
	if n.Negotiated() {
		t.Error("failed handshake reported as negotiated")
	}
	if _, err := n.Negotiate(context.Background(), server); !errors.Is(err, ErrAlreadyNegotiated) {
		t.Errorf("retry after failure: got %v, want ErrAlreadyNegotiated", err)
	}
}

func TestHandshakeTruncated(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{Version, 0, 0, 0})
		client.Close()
	}()

	_, err := NewNegotiator(time.Second).Negotiate(context.Background(), server)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("got %v, want *HandshakeError", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := NewNegotiator(50*time.Millisecond).Negotiate(context.Background(), server)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestHandshakeCancelled(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewNegotiator(0).Negotiate(ctx, server)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestDigestOffsetBounds(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HandshakeSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	for _, base := range []int{schemeBaseLow, schemeBaseHigh} {
		off := digestOffset(buf, base)
		if off+digestLen > HandshakeSize {
			t.Errorf("base %d: digest at %d overruns block", base, off)
		}
	}
}
