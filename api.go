package swtp

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Dial opens a UDP socket to addr and drives the three-way handshake
// (§4.4), returning a client-role Session on success. Grounded on
// opd-ai-go-utp's Dial, with the teacher's connectedCh/errorCh
// rendezvous replaced by ClientOpen's synchronous handshake now that
// the retry controller already owns the wait/retry loop.
func Dial(ctx context.Context, addr string, rng Rand, cfg Config, m *Metrics, log zerolog.Logger) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pconn, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ch := NewUDPChannel(pconn, raddr, cfg.MaxFrameSize)
	sess, err := ClientOpen(ctx, ch, rng, cfg, m, log)
	if err != nil {
		pconn.Close()
		return nil, err
	}
	return sess, nil
}
