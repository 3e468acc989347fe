package swtp

import (
	"sync"

	"github.com/rcrowley/go-metrics"
)

// Metrics bundles the counters and timers a session records. Callers
// get a fresh, non-global registry per session (or may share one across
// sessions, since go-metrics' counters/timers are safe for concurrent
// use) rather than polluting metrics.DefaultRegistry, the way
// zenhotels-astranet's example instrumentation registers named timers
// against its own registry.
//
// Retries and round-trip timings are tracked per leg name (swtp.retries.*,
// swtp.rtt.*) rather than as one flat counter, so a caller logging the
// registry via metrics.Log can see whether retries are coming from the
// handshake, the data phase, or termination.
type Metrics struct {
	Registry metrics.Registry

	Naks            metrics.Counter
	Resets          metrics.Counter
	SessionDuration metrics.Timer

	mu      sync.Mutex
	retries map[string]metrics.Counter
	rtts    map[string]metrics.Timer
}

// NewMetrics builds a Metrics bundle backed by a fresh registry and
// registers its fixed counters/timers under the conventional names.
func NewMetrics() *Metrics {
	reg := metrics.NewRegistry()
	m := &Metrics{
		Registry:        reg,
		Naks:            metrics.NewCounter(),
		Resets:          metrics.NewCounter(),
		SessionDuration: metrics.NewTimer(),
		retries:         make(map[string]metrics.Counter),
		rtts:            make(map[string]metrics.Timer),
	}
	reg.Register("swtp.naks", m.Naks)
	reg.Register("swtp.resets", m.Resets)
	reg.Register("swtp.session.duration", m.SessionDuration)
	return m
}

// RetriesFor returns the retry counter for one named leg ("syn_sent",
// "data", "fin_sent", "closing", "rst", ...), registering it against the
// registry the first time that leg name is seen.
func (m *Metrics) RetriesFor(leg string) metrics.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.retries[leg]; ok {
		return c
	}
	c := metrics.NewCounter()
	m.retries[leg] = c
	m.Registry.Register("swtp.retries."+leg, c)
	return c
}

// RTTFor returns the round-trip timer for one named leg, registering it
// against the registry the first time that leg name is seen.
func (m *Metrics) RTTFor(leg string) metrics.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.rtts[leg]; ok {
		return t
	}
	t := metrics.NewTimer()
	m.rtts[leg] = t
	m.Registry.Register("swtp.rtt."+leg, t)
	return t
}

// noopMetrics is used when the caller doesn't supply a *Metrics, so the
// state machines never need a nil check on the hot path.
func noopMetrics() *Metrics {
	return NewMetrics()
}
