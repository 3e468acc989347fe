package swtp

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Client drives the initiator side of the state machine (§4.4, C4):
// handshake, the lock-step data phase, graceful termination, and
// RST-triggered restart. Grounded on opd-ai-go-utp's Dial/Conn, with
// the teacher's background-goroutine concurrency model collapsed into
// the single-threaded lock-step discipline §5 requires.
type Client struct {
	channel Channel
	cfg     Config
	rng     Rand
	metrics *Metrics
	log     zerolog.Logger
	rc      *RetryController

	cisn uint32
	sisn uint32
	seq  uint32

	phase         Phase
	outboundCRC   RunningCRC
	firstDataSent bool
	bytesSent     uint64

	opened time.Time
}

// ClientOpen performs the three-way handshake (CLOSED → SYN_SENT →
// ESTABLISHED) over ch and returns a Session ready for Send/Close, or a
// *HandshakeFailed error if the handshake's SYN leg exhausts its
// retries (§8 scenario 6).
func ClientOpen(ctx context.Context, ch Channel, rng Rand, cfg Config, m *Metrics, log zerolog.Logger) (*Session, error) {
	if rng == nil {
		rng = DefaultRand()
	}
	if m == nil {
		m = noopMetrics()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		channel: ch,
		cfg:     cfg,
		rng:     rng,
		metrics: m,
		log:     connLog(log, RoleClient, PhaseClosed),
		phase:   PhaseClosed,
	}
	c.rc = NewRetryController(ch, cfg, m, c.log)

	if err := c.handshake(ctx); err != nil {
		return nil, &HandshakeFailed{Cause: err}
	}
	return newSession(RoleClient, c, nil), nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.opened = time.Now()
	c.cisn = c.rng.Uint32()
	c.phase = PhaseSynSent
	c.log = connLog(c.log, RoleClient, c.phase)

	synFrame := NewPacket(KindSyn, c.cisn, nil).Encode()
	leg := Leg{
		Name:       "syn_sent",
		BuildFrame: func(attempt int) []byte { return synFrame },
		Classify: func(p Packet) Disposition {
			if p.Type != KindSynAck {
				return Ignored
			}
			want, err := DecodeSeqPlus1(p.Payload)
			if err != nil || want != c.cisn+1 {
				return Ignored
			}
			return Accept
		},
	}
	reply, err := c.rc.Do(ctx, leg)
	if err != nil {
		return err
	}

	c.sisn = reply.SequenceNo
	ackFrame := NewPacket(KindAck, c.cisn+1, EncodeSeqPlus1(c.sisn)).Encode()
	if err := c.channel.Send(ackFrame); err != nil {
		return &ChannelError{Err: err}
	}

	c.phase = PhaseEstablished
	c.log = connLog(c.log, RoleClient, c.phase)
	c.outboundCRC = RunningCRC{}
	c.firstDataSent = false
	return nil
}

// sendChunk drives one data-phase round (§4.4 step 1–3): send DATA
// (RETRANSMIT on retry), await ACK/NAK/timeout, tolerate a stray
// SYN-ACK by re-sending the handshake ACK without consuming a retry.
func (c *Client) sendChunk(ctx context.Context, chunk []byte) error {
	if c.phase != PhaseEstablished {
		return errors.New("swtp: Send called outside the data phase")
	}
	c.seq++
	seq := c.seq

	leg := Leg{
		Name: "data",
		BuildFrame: func(attempt int) []byte {
			kind := KindData
			if attempt > 0 {
				kind = KindRetransmit
			}
			return NewPacket(kind, seq, chunk).Encode()
		},
		Classify: func(p Packet) Disposition {
			switch p.Type {
			case KindAck:
				return Accept
			case KindNak:
				return Negative
			case KindSynAck:
				if !c.firstDataSent {
					c.resendHandshakeAck()
				}
				return Ignored
			default:
				c.log.Debug().Err(&UnexpectedKind{Kind: p.Type, Phase: c.phase}).Send()
				return Ignored
			}
		},
	}

	if _, err := c.rc.Do(ctx, leg); err != nil {
		c.metrics.SessionDuration.Update(time.Since(c.opened))
		return &Abandoned{Cause: err}
	}
	c.outboundCRC.Update(chunk)
	c.firstDataSent = true
	c.bytesSent += uint64(len(chunk))
	return nil
}

func (c *Client) resendHandshakeAck() {
	ackFrame := NewPacket(KindAck, c.cisn+1, EncodeSeqPlus1(c.sisn)).Encode()
	_ = c.channel.Send(ackFrame)
}

// close drives ESTABLISHED → FIN_SENT → FIN_WAIT → CLOSED_OK (§4.4), or
// returns *RestartRequired if the server RSTs for a checksum mismatch,
// or *Abandoned if any leg exhausts its retries.
func (c *Client) close(ctx context.Context) error {
	if c.phase != PhaseEstablished {
		return errors.New("swtp: Close called outside the data phase")
	}

	finFrame := NewPacket(KindFin, c.seq+1, EncodeCRC(c.outboundCRC.Value())).Encode()
	c.phase = PhaseFinSent
	c.log = connLog(c.log, RoleClient, c.phase)

	ackLeg := Leg{
		Name:       "fin_sent",
		BuildFrame: func(attempt int) []byte { return finFrame },
		Classify: func(p Packet) Disposition {
			switch p.Type {
			case KindAck, KindFin, KindRst:
				return Accept
			default:
				return Ignored
			}
		},
	}
	reply, err := c.rc.Do(ctx, ackLeg)
	if err != nil {
		c.metrics.SessionDuration.Update(time.Since(c.opened))
		return &Abandoned{Cause: err}
	}

	switch reply.Type {
	case KindRst:
		return c.restartRequired()
	case KindFin:
		c.sendFinalAck()
		c.phase = PhaseClosedOK
		c.metrics.SessionDuration.Update(time.Since(c.opened))
		return nil
	}

	c.phase = PhaseFinWait
	c.log = connLog(c.log, RoleClient, c.phase)

	finLeg := Leg{
		Name:       "fin_wait",
		BuildFrame: func(attempt int) []byte { return finFrame },
		Classify: func(p Packet) Disposition {
			switch p.Type {
			case KindFin, KindRst:
				return Accept
			default:
				return Ignored
			}
		},
	}
	reply, err = c.rc.Do(ctx, finLeg)
	if err != nil {
		c.metrics.SessionDuration.Update(time.Since(c.opened))
		return &Abandoned{Cause: err}
	}

	if reply.Type == KindRst {
		return c.restartRequired()
	}

	c.sendFinalAck()
	c.phase = PhaseClosedOK
	c.log = connLog(c.log, RoleClient, c.phase)
	c.metrics.SessionDuration.Update(time.Since(c.opened))
	return nil
}

func (c *Client) sendFinalAck() {
	ackFrame := NewPacket(KindAck, c.seq+2, nil).Encode()
	_ = c.channel.Send(ackFrame)
}

func (c *Client) restartRequired() error {
	c.metrics.Resets.Inc(1)
	// Acknowledge the reset cleanly; the caller decides whether and when
	// to open a fresh session and resend.
	_ = c.channel.Send(NewPacket(KindAck, 0, nil).Encode())
	c.phase = PhaseClosed
	c.metrics.SessionDuration.Update(time.Since(c.opened))
	return &RestartRequired{ChecksumMismatch: true, BytesSent: c.bytesSent}
}
