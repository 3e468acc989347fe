package swtp

import "fmt"

// HandshakeFailed wraps the underlying cause (typically *RetriesExhausted
// or *ChannelError) when ClientOpen or ServerAccept cannot establish a
// session (§6, §8 scenario 6).
type HandshakeFailed struct{ Cause error }

func (e *HandshakeFailed) Error() string { return "swtp: handshake failed: " + e.Cause.Error() }
func (e *HandshakeFailed) Unwrap() error { return e.Cause }

// Abandoned wraps the cause (*RetriesExhausted or *ChannelError) when a
// session cannot continue and is given up on (§7).
type Abandoned struct{ Cause error }

func (e *Abandoned) Error() string { return "swtp: session abandoned: " + e.Cause.Error() }
func (e *Abandoned) Unwrap() error { return e.Cause }

// RestartRequired is returned from Session.Close when the server
// detected a checksum mismatch on FIN and reset the connection (§4.4
// FIN_WAIT, §9's restart policy); Session.Send never returns it. Per §9's "do not guess" guidance, the core does
// not replay buffered application data itself: it reports how many
// bytes the client believes it sent so the caller can decide whether to
// re-open the session and resend.
type RestartRequired struct {
	ChecksumMismatch bool
	BytesSent        uint64
}

func (e *RestartRequired) Error() string {
	return fmt.Sprintf("swtp: connection reset (checksum mismatch=%v, %d bytes believed sent)", e.ChecksumMismatch, e.BytesSent)
}

// ChecksumMismatchError is delivered to Session.Recv on the server side
// when the client's FIN payload disagrees with the server's inbound_crc
// (§7). The server has already sent RST by the time this surfaces.
type ChecksumMismatchError struct {
	Expected uint32
	Got      uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("swtp: checksum mismatch: client claimed 0x%08X, server computed 0x%08X", e.Got, e.Expected)
}

// UnexpectedKind marks a decoded packet whose kind is valid but not
// acceptable in the calling phase. Phases generally just ignore these
// (§7); it is exported for tests and logging, not returned from the
// public API.
type UnexpectedKind struct {
	Kind  PacketKind
	Phase Phase
}

func (e *UnexpectedKind) Error() string {
	return fmt.Sprintf("swtp: kind %s unexpected in phase %s", e.Kind, e.Phase)
}
