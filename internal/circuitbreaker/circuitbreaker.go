// Package circuitbreaker implements the per-key closed/open/half-open state
// machine of spec §4.1: consecutive-failure and latency-P95 triggers, a
// single reserved probe while half-open, and doubling cooldown on a failed
// probe.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/llmrelay/llmrelay/internal/ringbuffer"
)

// State is one of closed, open, half_open.
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
	default:
		return "unknown"
	}
}

// Config tunes the breaker per spec §6's circuitBreaker.* knobs.
type Config struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
	SlowLatencyMs    int64
	SlowSampleRun    int
	MinSamples       int
	LatencySamples   int // ring buffer capacity
}

// DefaultConfig mirrors commonly seen production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseCooldown:     1 * time.Second,
		MaxCooldown:      60 * time.Second,
		SlowLatencyMs:    8000,
		SlowSampleRun:    5,
		MinSamples:       20,
		LatencySamples:   128,
	}
}

// Breaker is safe for concurrent use. A single mutex covers both the state
// transition and the latency ring buffer it reads, since §5 requires
// circuit-state transitions to be atomic with respect to the samples that
// trigger them.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state    State
	openedAt time.Time
	cooldown time.Duration

	consecutiveFailures int
	slowRun             int
	probeReserved       bool

	latency *ringbuffer.Ring

	onStateChange func(from, to State)
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = 128
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 60 * time.Second
	}
	return &Breaker{
		cfg:      cfg,
		state:    Closed,
		cooldown: cfg.BaseCooldown,
		latency:  ringbuffer.New(cfg.LatencySamples),
	}
}

// OnStateChange registers a callback invoked (outside the lock) on every
// transition, mirroring the teacher's reference breaker hook.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// State returns the current state without mutating it. Note this differs
// from CanAttempt: State() is a pure read, it never performs the
// open->half_open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanAttempt reports whether a new attempt may be dispatched to this key.
// In Open state, the first caller after cooldown elapses atomically moves
// the breaker to HalfOpen and reserves the single probe slot for itself;
// every other concurrent caller sees the reservation already taken and
// returns false until the probe resolves.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.transitionLocked(HalfOpen)
			b.probeReserved = true
			return true
		}
		return false
	case HalfOpen:
		return false // only the reserving caller gets a probe
	default:
		return false
	}
}

// RecordSuccess zeroes the consecutive-failure counter in Closed state, or
// closes the breaker if this was the reserved half-open probe.
func (b *Breaker) RecordSuccess(latencyMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latency.Add(latencyMs)

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
		if b.cfg.MinSamples > 0 && b.latency.Len() >= b.cfg.MinSamples {
			if b.latency.Percentile(95) >= b.cfg.SlowLatencyMs {
				b.slowRun++
				if b.slowRun >= b.cfg.SlowSampleRun {
					b.transitionLocked(Open)
					b.openedAt = time.Now()
					b.cooldown = b.cfg.BaseCooldown
				}
			} else {
				b.slowRun = 0
			}
		}
	case HalfOpen:
		b.transitionLocked(Closed)
		b.consecutiveFailures = 0
		b.slowRun = 0
		b.cooldown = b.cfg.BaseCooldown
		b.probeReserved = false
	}
}

// RecordFailure is called with the error kind's breaker-counting decision
// already applied by the caller: in Closed state only kinds classified
// "upstream failure" by pkg/errors.CountsAgainstBreaker reach here. The one
// exception is a half-open probe: keypool.Scheduler.Release calls
// RecordFailure for a failed probe whatever its kind.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
			b.openedAt = time.Now()
			b.cooldown = b.cfg.BaseCooldown
		}
	case HalfOpen:
		b.transitionLocked(Open)
		b.openedAt = time.Now()
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.probeReserved = false
	}
}

// ForceState overrides the current state, used by operational tooling and
// tests. Resets counters to a consistent baseline for the new state.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(s)
	b.consecutiveFailures = 0
	b.slowRun = 0
	b.probeReserved = false
	if s == Open {
		b.openedAt = time.Now()
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// CooldownRemaining returns how long until an Open breaker's cooldown
// elapses, or 0 if not Open.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cooldown - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
