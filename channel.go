package swtp

import (
	"context"
	"net"
	"time"
)

// Channel is the abstract unreliable datagram transport the core
// consumes (§4.2, C2). It is deliberately narrow: send a frame, receive
// a frame with a bound on how long to wait. Implementations may lose or
// corrupt frames; within this specification's test scope they do not
// reorder, but the protocol tolerates duplicates regardless.
type Channel interface {
	Send(frame []byte) error
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// udpChannel adapts a net.PacketConn exclusively owned by one session
// (the client side, which dials its own socket) into a Channel,
// generalizing the direct net.PacketConn coupling the teacher's Conn
// uses into the interface §4.2 asks for.
type udpChannel struct {
	pconn  net.PacketConn
	remote net.Addr
	maxLen int
}

// NewUDPChannel wraps a net.PacketConn exclusively owned by the caller
// for communication with one fixed peer address.
func NewUDPChannel(pconn net.PacketConn, remote net.Addr, maxFrameSize uint32) Channel {
	return &udpChannel{pconn: pconn, remote: remote, maxLen: int(maxFrameSize) + HeaderSize}
}

func (c *udpChannel) Send(frame []byte) error {
	_, err := c.pconn.WriteTo(frame, c.remote)
	return err
}

func (c *udpChannel) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.pconn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	buf := make([]byte, c.maxLen)
	for {
		n, addr, err := c.pconn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, &timeoutError{op: "recv"}
			}
			return nil, err
		}
		if addr.String() != c.remote.String() {
			// Frame from someone else sharing the socket; keep waiting.
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

func (c *udpChannel) Close() error { return c.pconn.Close() }

// demuxChannel is the server-side Channel handed to each accepted
// session by a Listener (§4.5). The underlying socket is shared across
// every peer the listener has accepted, so reads cannot use
// SetReadDeadline directly; instead the listener's single acceptLoop
// demultiplexes inbound frames by remote address and feeds each
// session's demuxChannel over a one-slot buffered delivery channel.
type demuxChannel struct {
	pconn    net.PacketConn
	remote   net.Addr
	inbound  chan []byte
	detach   func()
	detached bool
}

func (c *demuxChannel) Send(frame []byte) error {
	_, err := c.pconn.WriteTo(frame, c.remote)
	return err
}

func (c *demuxChannel) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-timer.C:
		return nil, &timeoutError{op: "recv"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *demuxChannel) Close() error {
	if !c.detached {
		c.detached = true
		c.detach()
	}
	return nil
}

// deliver hands a frame already known to be from c.remote to the
// session; it never blocks longer than necessary by dropping frames a
// slow consumer hasn't picked up (the protocol is lock-step, so a
// backlog beyond one outstanding frame indicates a duplicate delivery).
func (c *demuxChannel) deliver(frame []byte) {
	select {
	case c.inbound <- frame:
	default:
		select {
		case <-c.inbound:
		default:
		}
		select {
		case c.inbound <- frame:
		default:
		}
	}
}
