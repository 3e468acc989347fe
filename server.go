package swtp

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Server drives the passive side of the state machine (§4.5, C5):
// handshake acceptance, the reactive NAK/ACK data-phase loop, checksum
// comparison on FIN, and RST-triggered restart back to CLOSED.
// Grounded on opd-ai-go-utp's listener.go acceptLoop (SYN demux,
// sendSynAck) and conn.go's processPacket switch, restructured so a
// parity failure produces an explicit NAK instead of a silent drop.
type Server struct {
	channel Channel
	cfg     Config
	rng     Rand
	metrics *Metrics
	log     zerolog.Logger
	rc      *RetryController

	cisn uint32
	sisn uint32

	phase      Phase
	inboundCRC RunningCRC

	results chan recvResult
	done    chan struct{}

	opened time.Time
}

type recvResult struct {
	chunk []byte
	err   error
}

// ServerAccept waits for an initial SYN on ch, completes the handshake
// (CLOSED → SYN_RECEIVED → ESTABLISHED), and returns a Session whose
// Recv delivers application bytes as they arrive. Returns
// *HandshakeFailed if the SYN-ACK leg exhausts its retries.
func ServerAccept(ctx context.Context, ch Channel, rng Rand, cfg Config, m *Metrics, log zerolog.Logger) (*Session, error) {
	if rng == nil {
		rng = DefaultRand()
	}
	if m == nil {
		m = noopMetrics()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		channel: ch,
		cfg:     cfg,
		rng:     rng,
		metrics: m,
		log:     connLog(log, RoleServer, PhaseClosed),
		phase:   PhaseClosed,
		results: make(chan recvResult, 4),
		done:    make(chan struct{}),
		opened:  time.Now(),
	}
	s.rc = NewRetryController(ch, cfg, m, s.log)

	synPkt, err := s.awaitInitialSyn(ctx)
	if err != nil {
		return nil, &HandshakeFailed{Cause: err}
	}
	if err := s.acceptFrom(ctx, synPkt); err != nil {
		return nil, &HandshakeFailed{Cause: err}
	}

	sess := newSession(RoleServer, nil, s)
	go s.runDataPhase(ctx)
	return sess, nil
}

// awaitInitialSyn blocks, decoding inbound frames, until a valid SYN
// arrives. The server has nothing to retransmit yet, so this has no
// retry cap of its own; the caller's ctx is the only way to abandon it.
func (s *Server) awaitInitialSyn(ctx context.Context) (Packet, error) {
	for {
		raw, err := s.channel.Recv(ctx, s.cfg.Timeout)
		if err != nil {
			if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
				if ctx.Err() != nil {
					return Packet{}, ctx.Err()
				}
				continue
			}
			return Packet{}, &ChannelError{Err: err}
		}
		pkt, decErr := Decode(raw)
		if decErr != nil {
			continue
		}
		if pkt.Type == KindSyn {
			return pkt, nil
		}
	}
}

// acceptFrom runs SYN_RECEIVED → ESTABLISHED (§4.5) given a SYN already
// read off the wire (either from awaitInitialSyn or from a restart).
func (s *Server) acceptFrom(ctx context.Context, syn Packet) error {
	s.cisn = syn.SequenceNo
	s.sisn = s.rng.Uint32()
	s.phase = PhaseSynReceived
	s.log = connLog(s.log, RoleServer, s.phase)

	synAckFrame := NewPacket(KindSynAck, s.sisn, EncodeSeqPlus1(s.cisn)).Encode()
	leg := Leg{
		Name:       "syn_received",
		BuildFrame: func(attempt int) []byte { return synAckFrame },
		Classify: func(p Packet) Disposition {
			if p.Type != KindAck {
				return Ignored
			}
			want, err := DecodeSeqPlus1(p.Payload)
			if err != nil || want != s.sisn+1 {
				return Ignored
			}
			return Accept
		},
	}
	if _, err := s.rc.Do(ctx, leg); err != nil {
		return err
	}

	s.phase = PhaseEstablished
	s.log = connLog(s.log, RoleServer, s.phase)
	s.inboundCRC = RunningCRC{}
	return nil
}

// runDataPhase is the reactive ESTABLISHED loop (§4.5): verify parity,
// NAK or ACK, deliver bytes, and retransmit the last control frame if
// the peer falls silent after one was sent.
func (s *Server) runDataPhase(ctx context.Context) {
	var lastControl []byte
	nakStreak := 0
	idleRetries := 0

	for {
		select {
		case <-s.done:
			return
		default:
		}

		raw, err := s.channel.Recv(ctx, s.cfg.Timeout)
		if err != nil {
			if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
				if lastControl == nil {
					if ctx.Err() != nil {
						s.deliverFinal(recvResult{err: &Abandoned{Cause: ctx.Err()}})
						return
					}
					continue
				}
				idleRetries++
				if idleRetries > s.cfg.MaxRetries {
					s.deliverFinal(recvResult{err: &Abandoned{Cause: &RetriesExhausted{Leg: "established", Attempts: idleRetries}}})
					return
				}
				s.metrics.RetriesFor("established").Inc(1)
				_ = s.channel.Send(lastControl)
				continue
			}
			s.deliverFinal(recvResult{err: &Abandoned{Cause: &ChannelError{Err: err}}})
			return
		}

		pkt, decErr := Decode(raw)
		if errors.Is(decErr, ErrParity) {
			nakStreak++
			if nakStreak > s.cfg.MaxRetries {
				s.deliverFinal(recvResult{err: &Abandoned{Cause: &RetriesExhausted{Leg: "established.nak", Attempts: nakStreak}}})
				return
			}
			s.metrics.Naks.Inc(1)
			nakFrame := NewPacket(KindNak, 0, nil).Encode()
			_ = s.channel.Send(nakFrame)
			lastControl = nakFrame
			idleRetries = 0
			continue
		}
		if decErr != nil {
			continue // FrameMalformed: dropped silently per §7.
		}

		kind, ok := pkt.Kind()
		if !ok {
			continue // reserved/unknown type: discarded, never NAK'd.
		}

		switch kind {
		case KindData, KindRetransmit:
			nakStreak = 0
			idleRetries = 0
			s.inboundCRC.Update(pkt.Payload)
			s.deliver(recvResult{chunk: pkt.Payload})
			ackFrame := NewPacket(KindAck, 0, nil).Encode()
			_ = s.channel.Send(ackFrame)
			lastControl = ackFrame

		case KindFin:
			s.handleFin(ctx, pkt)
			return

		default:
			// Spurious SYN/ACK from a confused client: ignore, send nothing,
			// but keep it observable.
			s.log.Debug().Err(&UnexpectedKind{Kind: kind, Phase: s.phase}).Send()
		}
	}
}

// handleFin drives ESTABLISHED → CLOSING (→ CLOSED_OK, or a RST-driven
// restart on checksum mismatch) per §4.5.
func (s *Server) handleFin(ctx context.Context, fin Packet) {
	claimed, err := DecodeCRC(fin.Payload)
	if err != nil {
		s.deliverFinal(recvResult{err: &Abandoned{Cause: err}})
		return
	}

	if claimed == s.inboundCRC.Value() {
		s.closeMatching(ctx)
		return
	}
	s.closeMismatched(ctx, claimed)
}

func (s *Server) closeMatching(ctx context.Context) {
	s.phase = PhaseClosing
	s.log = connLog(s.log, RoleServer, s.phase)

	ackFrame := NewPacket(KindAck, 0, nil).Encode()
	if err := s.channel.Send(ackFrame); err != nil {
		s.deliverFinal(recvResult{err: &Abandoned{Cause: &ChannelError{Err: err}}})
		return
	}

	finFrame := NewPacket(KindFin, 0, nil).Encode()
	leg := Leg{
		Name:       "closing",
		BuildFrame: func(attempt int) []byte { return finFrame },
		Classify: func(p Packet) Disposition {
			if p.Type == KindAck {
				return Accept
			}
			return Ignored
		},
	}
	if _, err := s.rc.Do(ctx, leg); err != nil {
		s.deliverFinal(recvResult{err: &Abandoned{Cause: err}})
		return
	}

	s.phase = PhaseClosedOK
	s.log = connLog(s.log, RoleServer, s.phase)
	s.deliverFinal(recvResult{err: io.EOF})
}

func (s *Server) closeMismatched(ctx context.Context, claimed uint32) {
	s.metrics.Resets.Inc(1)
	mismatch := &ChecksumMismatchError{Expected: s.inboundCRC.Value(), Got: claimed}

	rstFrame := NewPacket(KindRst, 0, nil).Encode()
	leg := Leg{
		Name:       "rst",
		BuildFrame: func(attempt int) []byte { return rstFrame },
		Classify: func(p Packet) Disposition {
			switch p.Type {
			case KindSyn, KindAck:
				return Accept
			default:
				return Ignored
			}
		},
	}
	reply, err := s.rc.Do(ctx, leg)
	if err != nil {
		s.deliverFinal(recvResult{err: &Abandoned{Cause: err}})
		return
	}

	s.deliver(recvResult{err: mismatch})

	s.phase = PhaseClosed
	s.log = connLog(s.log, RoleServer, s.phase)
	s.opened = time.Now()

	syn := reply
	if reply.Type == KindAck {
		// The client acknowledged the reset rather than restarting
		// immediately; wait for whatever SYN opens the next attempt.
		syn, err = s.awaitInitialSyn(ctx)
		if err != nil {
			s.deliverFinal(recvResult{err: &Abandoned{Cause: err}})
			return
		}
	}
	if err := s.acceptFrom(ctx, syn); err != nil {
		s.deliverFinal(recvResult{err: &Abandoned{Cause: err}})
		return
	}
	go s.runDataPhase(ctx)
}

func (s *Server) finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Server) deliver(r recvResult) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// deliverFinal delivers a terminal result (EOF or Abandoned) and closes
// s.done so any other goroutine still trying to deliver can give up.
func (s *Server) deliverFinal(r recvResult) {
	s.metrics.SessionDuration.Update(time.Since(s.opened))
	s.deliver(r)
	s.finish()
}

func (s *Server) recv(ctx context.Context) ([]byte, error) {
	select {
	case r := <-s.results:
		return r.chunk, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
