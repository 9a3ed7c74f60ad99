// Package circuitbreaker stops calls to endpoints that keep failing.
//
// Each key (typically a webhook URL) has its own circuit. After enough
// consecutive failures the circuit opens and calls are refused until a
// cooldown passes, then a single probe decides whether to close it again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of a single circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autopay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by from-state and to-state.",
}, []string{"from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New returns a breaker that opens a key's circuit after threshold
// consecutive failures and holds it open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call to key may proceed. When an open circuit's
// cooldown has elapsed, Allow admits exactly one probe call and moves the
// circuit to half-open; further calls are refused until the probe reports
// back through RecordSuccess or RecordFailure.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case Open:
		if time.Since(c.openedAt) >= b.cooldown {
			b.setState(c, HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == HalfOpen {
		b.setState(c, Closed)
	}
}

// RecordFailure extends the failure streak. It opens the circuit when the
// streak reaches the threshold, and reopens it when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	switch {
	case c.state == HalfOpen:
		b.setState(c, Open)
	case c.state == Closed && c.failures >= b.threshold:
		b.setState(c, Open)
	}
}

// State returns the circuit state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return Closed
}

// setState is called with b.mu held.
func (b *Breaker) setState(c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(c.state.String(), to.String()).Inc()
	c.state = to
	if to == Open {
		c.openedAt = time.Now()
	}
}
