package swtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// ErrParity is returned by Decode when a frame's total 1-bit count is
// odd. The caller converts it to a NAK (data phase) or a silent drop
// (every other phase), per §4.1.
var ErrParity = errors.New("swtp: parity check failed")

// FrameMalformed is returned by Decode when the frame is shorter than
// HeaderSize or the declared length disagrees with the bytes received.
type FrameMalformed struct {
	Reason string
}

func (e *FrameMalformed) Error() string { return "swtp: malformed frame: " + e.Reason }

// Packet is the unit of communication. Immutable once constructed;
// Decode always returns a fresh value.
type Packet struct {
	Length     uint32
	Type       PacketKind
	SequenceNo uint32
	Payload    []byte
	Parity     uint8
}

// NewPacket builds a packet and leaves Parity unset; Encode computes it.
func NewPacket(kind PacketKind, seq uint32, payload []byte) Packet {
	return Packet{
		Length:     uint32(len(payload)),
		Type:       kind,
		SequenceNo: seq,
		Payload:    payload,
	}
}

// Encode serializes p into the wire frame layout:
//
//	length(4B BE) ‖ type(1B) ‖ sequence_no(4B BE) ‖ payload(length B) ‖ parity(1B)
//
// Parity is computed last over every byte preceding it, so the total
// 1-bit count of the returned frame is always even.
func (p Packet) Encode() []byte {
	frame := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(p.Payload)))
	frame[4] = byte(p.Type)
	binary.BigEndian.PutUint32(frame[5:9], p.SequenceNo)
	copy(frame[9:9+len(p.Payload)], p.Payload)
	frame[len(frame)-1] = parityByte(frame[:len(frame)-1])
	return frame
}

// Decode parses a wire frame into a Packet. It rejects frames shorter
// than HeaderSize, frames whose declared length disagrees with the
// number of bytes received, and frames that fail the even-parity check.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, &FrameMalformed{Reason: fmt.Sprintf("frame of %d bytes shorter than header", len(frame))}
	}
	declared := binary.BigEndian.Uint32(frame[0:4])
	if int(declared) != len(frame)-HeaderSize {
		return Packet{}, &FrameMalformed{Reason: fmt.Sprintf("declared length %d disagrees with frame size %d", declared, len(frame))}
	}
	if !evenParity(frame) {
		return Packet{}, ErrParity
	}

	payload := make([]byte, declared)
	copy(payload, frame[9:9+declared])

	return Packet{
		Length:     declared,
		Type:       PacketKind(frame[4]),
		SequenceNo: binary.BigEndian.Uint32(frame[5:9]),
		Payload:    payload,
		Parity:     frame[len(frame)-1],
	}, nil
}

// parityByte returns 0x00 if prefix already has an even count of 1-bits,
// else 0x01, restoring even parity across prefix+result.
func parityByte(prefix []byte) uint8 {
	if onesCount(prefix)%2 == 0 {
		return 0x00
	}
	return 0x01
}

func evenParity(frame []byte) bool {
	return onesCount(frame)%2 == 0
}

func onesCount(b []byte) int {
	n := 0
	for _, by := range b {
		n += bits.OnesCount8(by)
	}
	return n
}

// Kind returns the packet's classified kind, or false if the type byte
// is a reserved/unknown bit pattern (§6: must be discarded, never NAK'd).
func (p Packet) Kind() (PacketKind, bool) {
	switch p.Type {
	case KindData, KindRetransmit, KindSyn, KindSynAck, KindAck, KindNak, KindFin, KindRst:
		return p.Type, true
	default:
		return kindInvalid, false
	}
}

// RunningCRC accumulates a CRC-32 (IEEE, polynomial 0xEDB88320) over
// successive chunks of application bytes, matching §4.1's definition of
// outbound_crc/inbound_crc.
type RunningCRC struct {
	crc uint32
	set bool
}

// Update folds chunk into the running checksum and returns the new value.
func (r *RunningCRC) Update(chunk []byte) uint32 {
	if !r.set {
		r.crc = crc32.ChecksumIEEE(chunk)
		r.set = true
		return r.crc
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, chunk)
	return r.crc
}

// Value returns the current checksum (0 if no bytes have been folded in).
func (r *RunningCRC) Value() uint32 { return r.crc }

// EncodeCRC renders a CRC-32 value as the 4-byte big-endian FIN payload.
func EncodeCRC(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DecodeCRC parses a 4-byte big-endian CRC-32 value, as carried in a
// FIN packet's payload.
func DecodeCRC(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("swtp: CRC payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeSeqPlus1 renders seq+1 as a 4-byte big-endian handshake payload
// (the ack-style "I saw your ISN" value exchanged during SYN/SYN-ACK/ACK).
func EncodeSeqPlus1(seq uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, seq+1)
	return buf
}

// DecodeSeqPlus1 parses a 4-byte big-endian handshake payload.
func DecodeSeqPlus1(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("swtp: handshake payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
