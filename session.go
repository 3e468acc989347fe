package swtp

import (
	"context"
	"errors"
)

// Session is the public handle returned by ClientOpen and ServerAccept
// (§6). It is deliberately asymmetric: a client-role Session exposes
// Send/Close (the initiator drives the data phase and termination); a
// server-role Session exposes Recv (the passive side only delivers
// bytes to the application). Calling the wrong half for a Session's
// role is a programming error, not a protocol condition.
type Session struct {
	role   Role
	client *Client
	server *Server
}

func newSession(role Role, client *Client, server *Server) *Session {
	return &Session{role: role, client: client, server: server}
}

// Role reports whether this Session is the initiator or the passive side.
func (s *Session) Role() Role { return s.role }

// Send submits one application chunk for lock-step delivery (§4.4 data
// phase). Valid only on a client-role Session.
func (s *Session) Send(ctx context.Context, chunk []byte) error {
	if s.role != RoleClient {
		return errors.New("swtp: Send is only valid on a client session")
	}
	return s.client.sendChunk(ctx, chunk)
}

// Close drives the four-way termination (§4.4). Valid only on a
// client-role Session. Returns nil on CLOSED_OK, *RestartRequired if
// the server detected a checksum mismatch and reset the connection, or
// *Abandoned if a leg exhausted its retries.
func (s *Session) Close(ctx context.Context) error {
	if s.role != RoleClient {
		return errors.New("swtp: Close is only valid on a client session")
	}
	return s.client.close(ctx)
}

// Recv blocks for the next delivered chunk (§4.5 data phase). Valid
// only on a server-role Session. Returns io.EOF once the session has
// reached CLOSED_OK with no more data, *ChecksumMismatchError if the
// client's FIN checksum disagreed with what the server received, or
// *Abandoned if a leg exhausted its retries.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	if s.role != RoleServer {
		return nil, errors.New("swtp: Recv is only valid on a server session")
	}
	return s.server.recv(ctx)
}

// Metrics exposes the session's counters/timers for the caller to read
// or periodically log (§4.6).
func (s *Session) Metrics() *Metrics {
	if s.role == RoleClient {
		return s.client.metrics
	}
	return s.server.metrics
}
