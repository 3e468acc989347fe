package swtp

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

// Rand supplies the single source of nondeterminism the core needs: a
// random 32-bit initial sequence number per handshake. Injectable so
// tests can pin deterministic ISNs (§5, §9).
type Rand interface {
	Uint32() uint32
}

// DefaultRand returns a Rand backed by a CSPRNG-seeded PRNG, as §9
// recommends for production use.
func DefaultRand() Rand {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand failing is exceptional; fall back to a fixed,
		// predictable seed rather than panicking a protocol library on
		// startup.
		binary.BigEndian.PutUint64(seed[:8], uint64(len(seed)))
	}
	s1 := binary.BigEndian.Uint64(seed[0:8])
	s2 := binary.BigEndian.Uint64(seed[8:16])
	return &pcgRand{r: mrand.New(mrand.NewPCG(s1, s2))}
}

type pcgRand struct{ r *mrand.Rand }

func (p *pcgRand) Uint32() uint32 { return p.r.Uint32() }

// FixedRand is a deterministic Rand for tests: it returns each value in
// seq in order, then repeats the last one.
type FixedRand struct {
	seq []uint32
	i   int
}

// NewFixedRand builds a FixedRand over the given sequence of ISNs.
func NewFixedRand(seq ...uint32) *FixedRand { return &FixedRand{seq: seq} }

func (f *FixedRand) Uint32() uint32 {
	if len(f.seq) == 0 {
		return 0
	}
	v := f.seq[f.i]
	if f.i < len(f.seq)-1 {
		f.i++
	}
	return v
}
