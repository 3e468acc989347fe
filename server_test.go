package swtp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAwaitInitialSynSkipsNonSynFrames(t *testing.T) {
	a, b := NewMemChannelPair()
	defer a.Close()
	defer b.Close()
	cfg := testConfig()

	s := &Server{channel: b, cfg: cfg, log: zerolog.Nop()}

	_ = a.Send(NewPacket(KindAck, 0, nil).Encode())
	_ = a.Send(NewPacket(KindFin, 0, nil).Encode())
	_ = a.Send(NewPacket(KindSyn, 77, nil).Encode())

	pkt, err := s.awaitInitialSyn(context.Background())
	if err != nil {
		t.Fatalf("awaitInitialSyn() error = %v", err)
	}
	if pkt.Type != KindSyn || pkt.SequenceNo != 77 {
		t.Errorf("awaitInitialSyn() = %+v, want SYN with seq 77", pkt)
	}
}

// acceptOverPeer drives ServerAccept to completion against channel a
// acting as the lone peer: it sends the opening SYN itself and answers
// the server's SYN-ACK with a matching handshake ACK, then returns the
// resulting Session.
func acceptOverPeer(t *testing.T, a, b Channel, cisn uint32, sisn Rand, cfg Config) *Session {
	t.Helper()
	sessCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		sess, err := ServerAccept(context.Background(), b, sisn, cfg, nil, zerolog.Nop())
		if err != nil {
			errCh <- err
			return
		}
		sessCh <- sess
	}()

	if err := a.Send(NewPacket(KindSyn, cisn, nil).Encode()); err != nil {
		t.Fatalf("Send(syn) error = %v", err)
	}

	raw, err := a.Recv(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Recv(syn-ack) error = %v", err)
	}
	synAck, err := Decode(raw)
	if err != nil || synAck.Type != KindSynAck {
		t.Fatalf("expected a SYN_ACK, got %+v, err=%v", synAck, err)
	}
	want, err := DecodeSeqPlus1(synAck.Payload)
	if err != nil || want != cisn+1 {
		t.Fatalf("SYN_ACK payload = %v (err %v), want cisn+1 = %d", synAck.Payload, err, cisn+1)
	}

	ack := NewPacket(KindAck, cisn+1, EncodeSeqPlus1(synAck.SequenceNo)).Encode()
	if err := a.Send(ack); err != nil {
		t.Fatalf("Send(ack) error = %v", err)
	}

	select {
	case sess := <-sessCh:
		return sess
	case err := <-errCh:
		t.Fatalf("ServerAccept() error = %v", err)
	case <-time.After(time.Second):
		t.Fatal("ServerAccept() never returned")
	}
	return nil
}

func TestRunDataPhaseIgnoresReservedTypeWithoutResponding(t *testing.T) {
	a, b := NewMemChannelPair()
	defer a.Close()
	defer b.Close()
	cfg := testConfig()

	sess := acceptOverPeer(t, a, b, 55, NewFixedRand(9), cfg)

	// A reserved data-range type (bit3=0, low nibble not 0/1): must be
	// discarded silently, never NAK'd.
	reserved := NewPacket(PacketKind(0b0010), 1, []byte("x")).Encode()
	if err := a.Send(reserved); err != nil {
		t.Fatalf("Send(reserved) error = %v", err)
	}

	if _, err := a.Recv(context.Background(), 30*time.Millisecond); err == nil {
		t.Errorf("server responded to a reserved packet type, want silence")
	}

	// The session should still be healthy: a real DATA frame afterward is
	// delivered normally.
	if err := a.Send(NewPacket(KindData, 2, []byte("HI")).Encode()); err != nil {
		t.Fatalf("Send(data) error = %v", err)
	}
	chunk, err := sess.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(chunk) != "HI" {
		t.Errorf("Recv() = %q, want %q", chunk, "HI")
	}
}

func TestServerClosingDeliversEOFOnMatchingChecksum(t *testing.T) {
	a, b := NewMemChannelPair()
	defer a.Close()
	defer b.Close()
	cfg := testConfig()

	sess := acceptOverPeer(t, a, b, 55, NewFixedRand(9), cfg)

	if err := a.Send(NewPacket(KindData, 2, []byte("HI")).Encode()); err != nil {
		t.Fatalf("Send(data) error = %v", err)
	}
	if _, err := sess.Recv(context.Background()); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if _, err := a.Recv(context.Background(), time.Second); err != nil {
		t.Fatalf("Recv(data-ack) error = %v", err)
	}

	var crc RunningCRC
	crc.Update([]byte("HI"))
	finFrame := NewPacket(KindFin, 3, EncodeCRC(crc.Value())).Encode()

	if err := a.Send(finFrame); err != nil {
		t.Fatalf("Send(fin) error = %v", err)
	}

	// closeMatching: server ACKs the FIN, then sends its own FIN awaiting
	// our ACK.
	if _, err := a.Recv(context.Background(), time.Second); err != nil {
		t.Fatalf("Recv(fin-ack) error = %v", err)
	}
	raw, err := a.Recv(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Recv(server-fin) error = %v", err)
	}
	serverFin, err := Decode(raw)
	if err != nil || serverFin.Type != KindFin {
		t.Fatalf("expected server FIN, got %+v, err=%v", serverFin, err)
	}
	if err := a.Send(NewPacket(KindAck, 0, nil).Encode()); err != nil {
		t.Fatalf("Send(final ack) error = %v", err)
	}

	if _, err := sess.Recv(context.Background()); err != io.EOF {
		t.Fatalf("Recv() error = %v, want io.EOF", err)
	}
}
