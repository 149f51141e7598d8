// Package ratecoordinator tracks upstream 429 pressure across the whole key
// pool and flips it into a pool-wide cooldown when that pressure crosses a
// threshold (spec §4.5). This is distinct from a single key's own cooldown
// (internal/keypool's applyRateLimitCooldown): a pool cooldown blocks every
// selection attempt, key-local or not.
package ratecoordinator

import (
	"math/rand"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Config mirrors spec §6's poolCooldown.* knobs.
type Config struct {
	BaseMs           int64
	CapMs            int64
	DecayMs          int64
	RetryJitterMs    int64
	SleepThresholdMs int64 // pressure threshold expressed as an equivalent ms budget
	Window           time.Duration
}

// DefaultConfig matches commonly seen production defaults.
func DefaultConfig() Config {
	return Config{
		BaseMs:           2000,
		CapMs:            30_000,
		DecayMs:          10_000,
		RetryJitterMs:    500,
		SleepThresholdMs: 3000,
		Window:           time.Second,
	}
}

// Backend persists the 429-event window and cooldown-until marker. The
// in-memory implementation is backed by go-cache; an optional Redis-backed
// implementation lets multiple proxy processes share one cooldown window.
type Backend interface {
	// RecordEvent records one upstream 429 and returns the count of events
	// still within the sliding window.
	RecordEvent(now time.Time) int
	// CooldownUntil returns the unix-nano deadline of an active pool
	// cooldown, or 0 if none is active.
	CooldownUntil() int64
	// SetCooldownUntil stores a new cooldown deadline.
	SetCooldownUntil(untilNano int64)
	// LastEventAt returns the unix-nano timestamp of the most recent 429,
	// or 0 if none has ever been recorded, for decay accounting.
	LastEventAt() int64
}

// Coordinator is the pool-wide 429-storm cooldown tracker.
type Coordinator struct {
	cfg     Config
	backend Backend
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New builds a Coordinator over backend.
func New(cfg Config, backend Backend) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		backend: backend,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CooldownActive reports whether the pool is currently in cooldown, and if
// so the retry-after in milliseconds the caller should surface.
func (c *Coordinator) CooldownActive(now time.Time) (active bool, retryAfterMs int64) {
	until := c.backend.CooldownUntil()
	if until == 0 {
		return false, 0
	}
	remaining := time.Unix(0, until).Sub(now)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining.Milliseconds()
}

// RecordUpstream429 registers one upstream 429 across the pool. Pressure is
// the 429 rate within the sliding window expressed in milliseconds-per-
// event (1000ms / events-per-second); once it drops below
// sleepThresholdMs — i.e. 429s are arriving faster than one per
// sleepThresholdMs — the pool enters cooldown for a jittered duration
// between baseMs and capMs.
func (c *Coordinator) RecordUpstream429(now time.Time) {
	count := c.backend.RecordEvent(now)
	if count < 2 {
		return
	}

	windowMs := c.cfg.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1000
	}
	msPerEvent := windowMs / int64(count)
	if msPerEvent > c.cfg.SleepThresholdMs {
		return
	}

	c.enterCooldown(now)
}

func (c *Coordinator) enterCooldown(now time.Time) {
	base := c.cfg.BaseMs
	capMs := c.cfg.CapMs
	if capMs <= 0 {
		capMs = base
	}

	jitter := c.jitterMs()
	durationMs := base + jitter
	if durationMs > capMs {
		durationMs = capMs
	}
	if durationMs < 0 {
		durationMs = 0
	}

	until := now.Add(time.Duration(durationMs) * time.Millisecond).UnixNano()
	c.backend.SetCooldownUntil(until)
}

func (c *Coordinator) jitterMs() int64 {
	if c.cfg.RetryJitterMs <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Int63n(c.cfg.RetryJitterMs + 1)
}

// Decay halves the remaining cooldown on each call made once DecayMs of
// quiet time (no new 429s) has elapsed, so repeated calls shrink it
// geometrically, not linearly. cmd/server's metrics sampler calls it
// periodically to let the pool recover without waiting for the original
// cooldown to run its full course.
func (c *Coordinator) Decay(now time.Time) {
	if c.cfg.DecayMs <= 0 {
		return
	}
	last := c.backend.LastEventAt()
	if last == 0 {
		return
	}
	quiet := now.Sub(time.Unix(0, last))
	if quiet.Milliseconds() < c.cfg.DecayMs {
		return
	}
	until := c.backend.CooldownUntil()
	if until == 0 {
		return
	}
	remaining := time.Unix(0, until).Sub(now)
	if remaining <= 0 {
		c.backend.SetCooldownUntil(0)
		return
	}
	halved := remaining / 2
	c.backend.SetCooldownUntil(now.Add(halved).UnixNano())
}

// memoryBackend is the default single-process Backend, using go-cache for
// TTL-bucketed 429 counters so expired window entries are swept without a
// hand-rolled cleanup goroutine.
type memoryBackend struct {
	mu            sync.Mutex
	events        *gocache.Cache
	seq           int64
	cooldownUntil int64
	lastEventAt   int64
	window        time.Duration
}

// NewMemoryBackend builds the default in-process Backend.
func NewMemoryBackend(window time.Duration) Backend {
	if window <= 0 {
		window = time.Second
	}
	return &memoryBackend{
		events: gocache.New(window, window/2),
		window: window,
	}
}

func (m *memoryBackend) RecordEvent(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key := eventKey(m.seq)
	m.events.Set(key, now.UnixNano(), m.window)
	m.lastEventAt = now.UnixNano()
	return m.events.ItemCount()
}

func (m *memoryBackend) CooldownUntil() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil
}

func (m *memoryBackend) SetCooldownUntil(untilNano int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownUntil = untilNano
}

func (m *memoryBackend) LastEventAt() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventAt
}

func eventKey(seq int64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if seq == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for seq > 0 {
		buf = append(buf, alphabet[seq%int64(len(alphabet))])
		seq /= int64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
