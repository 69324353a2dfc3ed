package rtmp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// HandshakeSize is the length of C1, C2, S1 and S2.
const HandshakeSize = 1536

const (
	digestLen      = 32
	digestModulus  = 728
	schemeBaseLow  = 8
	schemeBaseHigh = 772
)

var (
	clientKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	serverKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	clientKeyShort = clientKey[:30]
	serverKeyShort = serverKey[:36]

	serverVersion = []byte{0x0D, 0x0E, 0x0A, 0x0D}
	clientVersion = []byte{0x80, 0x00, 0x07, 0x02}
)

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
	stateFailed
)

// HandshakeResult describes a completed server-side handshake.
type HandshakeResult struct {
	// Complex is true when the peer used the HMAC digest scheme.
	Complex bool
	// PeerTime and PeerVersion are the first two fields of C1.
	PeerTime    uint32
	PeerVersion uint32
	// EchoMatched reports whether C2 correctly echoed S1. A mismatch is
	// tolerated; many encoders get it wrong.
	EchoMatched bool
	// Epoch is the local time at which C1 was received. Timestamps the
	// server originates are relative to it.
	Epoch time.Time
}

// Negotiator runs the server side of the handshake exactly once for one
// connection. Negotiate fails with ErrAlreadyNegotiated on a second call.
type Negotiator struct {
	timeout time.Duration
	state   atomic.Int32
}

// NewNegotiator returns a Negotiator that bounds the whole exchange by
// timeout when the transport supports deadlines. Zero disables the bound.
func NewNegotiator(timeout time.Duration) *Negotiator {
	return &Negotiator{timeout: timeout}
}

// Negotiated reports whether the handshake completed successfully.
func (n *Negotiator) Negotiated() bool {
	return n.state.Load() == stateDone
}

// Negotiate reads C0/C1, answers with S0/S1/S2 and reads C2. rw must be the
// raw connection: exactly 3073 bytes are read so no chunk data is
// consumed. Any failure is a *HandshakeError.
func (n *Negotiator) Negotiate(ctx context.Context, rw io.ReadWriter) (HandshakeResult, error) {
	if !n.state.CompareAndSwap(stateIdle, stateRunning) {
		return HandshakeResult{}, ErrAlreadyNegotiated
	}
	done := bindDeadline(ctx, rw, n.timeout)
	res, err := serverHandshake(rw)
	done()
	if err != nil {
		if ctx.Err() != nil {
			err = &HandshakeError{Stage: "cancelled", Err: ctx.Err()}
		}
		n.state.Store(stateFailed)
		return HandshakeResult{}, err
	}
	n.state.Store(stateDone)
	return res, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// bindDeadline applies the timeout and context cancellation to rw if it
// supports deadlines. The returned func clears them.
func bindDeadline(ctx context.Context, rw io.ReadWriter, timeout time.Duration) func() {
	d, ok := rw.(deadliner)
	if !ok {
		return func() {}
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = d.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}

func serverHandshake(rw io.ReadWriter) (HandshakeResult, error) {
	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return HandshakeResult{}, &HandshakeError{Stage: "read c0c1", Err: err}
	}
	if c0c1[0] != Version {
		return HandshakeResult{}, &HandshakeError{Stage: "c0", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, c0c1[0])}
	}
	c1 := c0c1[1:]
	res := HandshakeResult{
		PeerTime:    binary.BigEndian.Uint32(c1[0:4]),
		PeerVersion: binary.BigEndian.Uint32(c1[4:8]),
		Epoch:       time.Now(),
	}

	var clientDigest []byte
	base := -1
	if res.PeerVersion != 0 {
		for _, b := range []int{schemeBaseHigh, schemeBaseLow} {
			if off, ok := findDigest(c1, b, clientKeyShort); ok {
				base = b
				clientDigest = c1[off : off+digestLen]
				break
			}
		}
	}
	res.Complex = base >= 0

	out := make([]byte, 1+2*HandshakeSize)
	out[0] = Version
	s1 := out[1 : 1+HandshakeSize]
	s2 := out[1+HandshakeSize:]
	if _, err := rand.Read(s1[8:]); err != nil {
		return HandshakeResult{}, &HandshakeError{Stage: "s1", Err: err}
	}

	var s1Digest []byte
	if res.Complex {
		copy(s1[4:8], serverVersion)
		off := digestOffset(s1, base)
		copy(s1[off:], makeDigest(s1, serverKeyShort, off))
		s1Digest = s1[off : off+digestLen]

		if _, err := rand.Read(s2); err != nil {
			return HandshakeResult{}, &HandshakeError{Stage: "s2", Err: err}
		}
		key := makeDigest(clientDigest, serverKey, -1)
		copy(s2[HandshakeSize-digestLen:], makeDigest(s2, key, HandshakeSize-digestLen))
	} else {
		copy(s2, c1)
		binary.BigEndian.PutUint32(s2[4:8], 0)
	}

	if _, err := rw.Write(out); err != nil {
		return HandshakeResult{}, &HandshakeError{Stage: "write s0s1s2", Err: err}
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return HandshakeResult{}, &HandshakeError{Stage: "read c2", Err: err}
	}
	if res.Complex {
		key := makeDigest(s1Digest, clientKey, -1)
		want := makeDigest(c2, key, HandshakeSize-digestLen)
		res.EchoMatched = hmac.Equal(c2[HandshakeSize-digestLen:], want)
	} else {
		res.EchoMatched = bytes.Equal(c2[8:], s1[8:])
	}
	return res, nil
}

// ClientHandshake performs the client side of the handshake. With complex
// set, C1 carries a digest and S1 must carry a valid server digest.
func ClientHandshake(ctx context.Context, rw io.ReadWriter, complex bool) error {
	done := bindDeadline(ctx, rw, 0)
	defer done()

	c0c1 := make([]byte, 1+HandshakeSize)
	c0c1[0] = Version
	c1 := c0c1[1:]
	if _, err := rand.Read(c1[8:]); err != nil {
		return &HandshakeError{Stage: "c1", Err: err}
	}
	if complex {
		copy(c1[4:8], clientVersion)
		off := digestOffset(c1, schemeBaseLow)
		copy(c1[off:], makeDigest(c1, clientKeyShort, off))
	}
	if _, err := rw.Write(c0c1); err != nil {
		return &HandshakeError{Stage: "write c0c1", Err: err}
	}

	s0s1s2 := make([]byte, 1+2*HandshakeSize)
	if _, err := io.ReadFull(rw, s0s1s2); err != nil {
		return &HandshakeError{Stage: "read s0s1s2", Err: err}
	}
	if s0s1s2[0] != Version {
		return &HandshakeError{Stage: "s0", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, s0s1s2[0])}
	}
	s1 := s0s1s2[1 : 1+HandshakeSize]

	c2 := make([]byte, HandshakeSize)
	if complex {
		off, ok := findDigest(s1, schemeBaseLow, serverKeyShort)
		if !ok {
			return &HandshakeError{Stage: "s1", Err: errors.New("server digest not found")}
		}
		if _, err := rand.Read(c2); err != nil {
			return &HandshakeError{Stage: "c2", Err: err}
		}
		key := makeDigest(s1[off:off+digestLen], clientKey, -1)
		copy(c2[HandshakeSize-digestLen:], makeDigest(c2, key, HandshakeSize-digestLen))
	} else {
		copy(c2, s1)
	}
	if _, err := rw.Write(c2); err != nil {
		return &HandshakeError{Stage: "write c2", Err: err}
	}
	return nil
}

// digestOffset locates the 32-byte digest within a C1/S1 block for the
// scheme whose offset field starts at base.
func digestOffset(buf []byte, base int) int {
	sum := 0
	for _, b := range buf[base : base+4] {
		sum += int(b)
	}
	return sum%digestModulus + base + 4
}

func findDigest(buf []byte, base int, key []byte) (int, bool) {
	off := digestOffset(buf, base)
	want := makeDigest(buf, key, off)
	return off, hmac.Equal(buf[off:off+digestLen], want)
}

// makeDigest computes HMAC-SHA256 over buf, skipping the 32 digest bytes at
// off. A negative off digests the whole buffer.
func makeDigest(buf, key []byte, off int) []byte {
	mac := hmac.New(sha256.New, key)
	if off >= 0 && off < len(buf) {
		mac.Write(buf[:off])
		if off+digestLen < len(buf) {
			mac.Write(buf[off+digestLen:])
		}
	} else {
		mac.Write(buf)
	}
	return mac.Sum(nil)
}
