package swtp

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Listener accepts sessions from multiple peers over one shared UDP
// socket (§4.5), demultiplexing inbound frames by remote address the
// way opd-ai-go-utp's acceptLoop does, but handing each peer its own
// demuxChannel instead of constructing a Conn directly so the C5 state
// machine stays ignorant of the socket-sharing underneath it.
type Listener struct {
	pconn net.PacketConn
	cfg   Config
	log   zerolog.Logger

	mu       sync.Mutex
	peers    map[string]*demuxChannel
	accepted chan *demuxChannel

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Listen opens a UDP socket at addr and starts demultiplexing inbound
// frames across every peer that dials it. Call Accept in a loop to
// receive one *Session per distinct remote address that completes a
// handshake.
func Listen(addr string, cfg Config, log zerolog.Logger) (*Listener, error) {
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		pconn:    pconn,
		cfg:      cfg.withDefaults(),
		log:      log,
		peers:    make(map[string]*demuxChannel),
		accepted: make(chan *demuxChannel),
		closeCh:  make(chan struct{}),
	}
	go l.demux()
	return l, nil
}

// Addr reports the socket's local address.
func (l *Listener) Addr() net.Addr { return l.pconn.LocalAddr() }

// Close shuts down the listener's socket. Sessions already accepted
// share that socket, so they can no longer send or receive afterwards.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return l.pconn.Close()
}

// Accept blocks until a new peer's handshake is underway and returns a
// Session for it once ServerAccept completes, or an error if ctx is
// canceled or the listener is closed first. Each returned Session has
// already exchanged its three-way handshake.
func (l *Listener) Accept(ctx context.Context, rng Rand, m *Metrics) (*Session, error) {
	select {
	case ch := <-l.accepted:
		return ServerAccept(ctx, ch, rng, l.cfg, m, l.log)
	case <-l.closeCh:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// demux is the listener's single reader: every inbound frame on the
// shared socket passes through here, grounded on opd-ai-go-utp's
// acceptLoop, generalized to forward non-SYN frames to an already
// registered peer's demuxChannel instead of only looking for ST_SYN.
func (l *Listener) demux() {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		n, addr, err := l.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		key := addr.String()
		l.mu.Lock()
		ch, known := l.peers[key]
		if !known {
			pkt, decErr := Decode(frame)
			if decErr != nil || pkt.Type != KindSyn {
				l.mu.Unlock()
				continue // not a handshake opener; nothing to demux to yet
			}
			ch = l.newPeerChannel(addr)
			l.peers[key] = ch
			l.mu.Unlock()
			ch.deliver(frame)
			select {
			case l.accepted <- ch:
			case <-l.closeCh:
			}
			continue
		}
		l.mu.Unlock()
		ch.deliver(frame)
	}
}

func (l *Listener) newPeerChannel(remote net.Addr) *demuxChannel {
	key := remote.String()
	ch := &demuxChannel{
		pconn:   l.pconn,
		remote:  remote,
		inbound: make(chan []byte, 1),
	}
	ch.detach = func() {
		l.mu.Lock()
		delete(l.peers, key)
		l.mu.Unlock()
	}
	return ch
}
