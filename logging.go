package swtp

import "github.com/rs/zerolog"

// connLog returns a logger scoped to one connection's role/phase
// fields, in the chained-field style go-i2p-go-streaming's handshake
// and retransmission logging uses. A zero Logger (the zerolog.Nop()
// default) costs nothing when the caller hasn't configured one.
func connLog(base zerolog.Logger, role Role, phase Phase) zerolog.Logger {
	return base.With().Str("role", role.String()).Str("phase", phase.String()).Logger()
}
