package swtp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/zerolog"
)

// Disposition classifies a decoded reply against the expectation of the
// leg currently in flight (§4.3).
type Disposition int

const (
	// Accept ends the leg successfully; the reply is handed back to the
	// caller and the retry counter resets.
	Accept Disposition = iota
	// Negative ends the current wait as a failed attempt (e.g. a NAK);
	// consumes one retry and resends.
	Negative
	// Ignored means the reply is valid but not relevant to this leg
	// (§4.4's "any other kind → ignore; keep waiting"); it does not
	// consume a retry and does not trigger a resend.
	Ignored
)

// Classify inspects a decoded reply packet and returns how the retry
// controller should treat it.
type Classify func(Packet) Disposition

// Leg describes one send-and-await round (§4.3): a frame builder
// (invoked per attempt so data-phase retransmits can swap in the
// RETRANSMIT variant) and a classifier for replies.
type Leg struct {
	Name       string
	BuildFrame func(attempt int) []byte
	Classify   Classify
}

// RetriesExhausted is returned when a leg fails MaxRetries times in a
// row without an Accept disposition.
type RetriesExhausted struct {
	Leg      string
	Attempts int
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("swtp: leg %q exhausted %d attempts", e.Leg, e.Attempts)
}

// ChannelError wraps an I/O failure from the underlying Channel.
type ChannelError struct{ Err error }

func (e *ChannelError) Error() string { return "swtp: channel error: " + e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }

// RetryController implements C3: send, await a matching reply, else
// retry up to Config.MaxRetries, backed by a constant backoff policy
// from github.com/cenk/backoff for each attempt's wait window (grounded
// on zenhotels-astranet's own use of the same package for its reconnect
// loop, here fixed-interval rather than exponential since the spec asks
// for a flat per-attempt timeout).
type RetryController struct {
	channel Channel
	cfg     Config
	metrics *Metrics
	log     zerolog.Logger
}

// NewRetryController constructs a controller over ch using cfg's
// timeout/retry bounds, recording attempts and RTT into m and logging
// retries/timeouts through log (zerolog.Nop() if unset).
func NewRetryController(ch Channel, cfg Config, m *Metrics, log zerolog.Logger) *RetryController {
	if m == nil {
		m = noopMetrics()
	}
	return &RetryController{channel: ch, cfg: cfg.withDefaults(), metrics: m, log: log}
}

// Do executes one leg to completion: send, wait, classify, retry.
// Malformed frames (failed Decode) are dropped silently per §4.1/§7 and
// do not consume an attempt or end the wait.
func (rc *RetryController) Do(ctx context.Context, leg Leg) (Packet, error) {
	bo := backoff.NewConstantBackOff(rc.cfg.Timeout)

	for attempt := 0; attempt < rc.cfg.MaxRetries; attempt++ {
		frame := leg.BuildFrame(attempt)
		if err := rc.channel.Send(frame); err != nil {
			return Packet{}, &ChannelError{Err: err}
		}

		wait := bo.NextBackOff()
		start := time.Now()
		deadline := start.Add(wait)

		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			raw, err := rc.channel.Recv(ctx, remaining)
			if err != nil {
				if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
					break
				}
				if ctx.Err() != nil {
					return Packet{}, ctx.Err()
				}
				return Packet{}, &ChannelError{Err: err}
			}

			pkt, decErr := Decode(raw)
			if decErr != nil {
				continue
			}

			switch leg.Classify(pkt) {
			case Accept:
				rc.metrics.RTTFor(leg.Name).Update(time.Since(start))
				return pkt, nil
			case Ignored:
				continue
			case Negative:
				goto nextAttempt
			}
		}
	nextAttempt:
		rc.metrics.RetriesFor(leg.Name).Inc(1)
		rc.log.Debug().Str("leg", leg.Name).Int("attempt", attempt+1).Msg("retrying")
	}

	rc.log.Warn().Str("leg", leg.Name).Int("attempts", rc.cfg.MaxRetries).Msg("retries exhausted")
	return Packet{}, &RetriesExhausted{Leg: leg.Name, Attempts: rc.cfg.MaxRetries}
}
