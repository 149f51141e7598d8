package modelrouter

import (
	"sync/atomic"
	"time"
)

// ModelCooldownConfig is the exponential-backoff-with-decay policy for a
// model's post-429 cooldown (spec §4.4 "Cooldowns").
type ModelCooldownConfig struct {
	BaseMs  int64
	CapMs   int64
	DecayMs int64
	// BurstK/BurstWindow activate "burst-dampened" mode: effective capacity
	// shrinks while >= BurstK 429s occur within BurstWindow.
	BurstK      int
	BurstWindow time.Duration
}

// DefaultModelCooldownConfig matches the router's top-level defaults.
func DefaultModelCooldownConfig() ModelCooldownConfig {
	return ModelCooldownConfig{BaseMs: 1000, CapMs: 60_000, DecayMs: 30_000, BurstK: 5, BurstWindow: 10 * time.Second}
}

// Model is one catalog entry: a tier member with static HardMax capacity and
// an AIMD-managed EffectiveMax (spec §3 "Model").
type Model struct {
	ID   string
	Tier string

	HardMax int64

	inFlight     int64 // atomic
	effectiveMax int64 // atomic, managed by internal/adaptive
	selections   int64 // atomic, for balanced round-robin

	cooldownUntil int64 // atomic, unix nano
	consec429     int64 // atomic
	last429       int64 // atomic, unix nano

	burstWindowStart int64 // atomic, unix nano
	burstCount       int64 // atomic
	burstDampened    int32 // atomic bool
}

// NewModel constructs a Model with EffectiveMax starting at hardMax.
func NewModel(id, tier string, hardMax int64) *Model {
	return &Model{ID: id, Tier: tier, HardMax: hardMax, effectiveMax: hardMax}
}

func (m *Model) InFlight() int64     { return atomic.LoadInt64(&m.inFlight) }
func (m *Model) EffectiveMax() int64 { return atomic.LoadInt64(&m.effectiveMax) }
func (m *Model) Selections() int64   { return atomic.LoadInt64(&m.selections) }

// SetEffectiveMax is called by the adaptive controller; clamps to
// [1, HardMax] so a model is never driven fully unreachable.
func (m *Model) SetEffectiveMax(v int64) {
	if v < 1 {
		v = 1
	}
	if v > m.HardMax {
		v = m.HardMax
	}
	atomic.StoreInt64(&m.effectiveMax, v)
}

// onCooldown reports whether the model's post-429 cooldown is active.
func (m *Model) onCooldown(now time.Time) bool {
	until := atomic.LoadInt64(&m.cooldownUntil)
	return until != 0 && now.UnixNano() < until
}

// available reports whether the model currently has spare capacity and is
// not on cooldown, i.e. whether the scheduler may pick it.
func (m *Model) available(now time.Time) bool {
	if m.onCooldown(now) {
		return false
	}
	eff := m.EffectiveMax()
	if m.isBurstDampened() {
		eff = eff / 2
		if eff < 1 {
			eff = 1
		}
	}
	return m.InFlight() < eff
}

// utilization is inFlight/effectiveMax, the throughput/pool strategies' sort
// key (lower wins).
func (m *Model) utilization() float64 {
	eff := m.EffectiveMax()
	if eff <= 0 {
		return 1
	}
	return float64(m.InFlight()) / float64(eff)
}

func (m *Model) isBurstDampened() bool {
	return atomic.LoadInt32(&m.burstDampened) == 1
}

// reserve unconditionally occupies a slot, used by tests to force a model
// into a saturated state; production code must go through tryReserve so
// capacity is checked and claimed atomically.
func (m *Model) reserve(now time.Time) {
	atomic.AddInt64(&m.inFlight, 1)
	atomic.AddInt64(&m.selections, 1)
}

// tryReserve atomically checks cooldown/capacity and claims a slot in one
// step, closing the TOCTOU window between available() and reserve(): under
// concurrent Select calls, only as many callers as there is spare capacity
// ever succeed.
func (m *Model) tryReserve(now time.Time) bool {
	if m.onCooldown(now) {
		return false
	}
	for {
		eff := m.EffectiveMax()
		if m.isBurstDampened() {
			eff = eff / 2
			if eff < 1 {
				eff = 1
			}
		}
		cur := atomic.LoadInt64(&m.inFlight)
		if cur >= eff {
			return false
		}
		if atomic.CompareAndSwapInt64(&m.inFlight, cur, cur+1) {
			atomic.AddInt64(&m.selections, 1)
			return true
		}
	}
}

func (m *Model) release() {
	if v := atomic.AddInt64(&m.inFlight, -1); v < 0 {
		atomic.StoreInt64(&m.inFlight, 0)
	}
}

// recordRateLimited applies exponential-backoff-with-decay cooldown and
// updates the burst-dampened window.
func (m *Model) recordRateLimited(cfg ModelCooldownConfig, now time.Time) {
	lastNs := atomic.LoadInt64(&m.last429)
	consec := atomic.LoadInt64(&m.consec429)

	if lastNs != 0 && cfg.DecayMs > 0 {
		elapsed := now.Sub(time.Unix(0, lastNs))
		if elapsed.Milliseconds() >= cfg.DecayMs {
			consec = consec / 2
		}
	}
	consec++
	atomic.StoreInt64(&m.consec429, consec)
	atomic.StoreInt64(&m.last429, now.UnixNano())

	cooldownMs := cfg.BaseMs
	for i := int64(0); i < consec-1 && cooldownMs < cfg.CapMs; i++ {
		cooldownMs *= 2
	}
	if cooldownMs > cfg.CapMs {
		cooldownMs = cfg.CapMs
	}
	atomic.StoreInt64(&m.cooldownUntil, now.Add(time.Duration(cooldownMs)*time.Millisecond).UnixNano())

	m.updateBurstWindow(cfg, now)
}

func (m *Model) updateBurstWindow(cfg ModelCooldownConfig, now time.Time) {
	if cfg.BurstK <= 0 || cfg.BurstWindow <= 0 {
		return
	}
	start := atomic.LoadInt64(&m.burstWindowStart)
	if start == 0 || now.Sub(time.Unix(0, start)) > cfg.BurstWindow {
		atomic.StoreInt64(&m.burstWindowStart, now.UnixNano())
		atomic.StoreInt64(&m.burstCount, 1)
		atomic.StoreInt32(&m.burstDampened, 0)
		return
	}
	count := atomic.AddInt64(&m.burstCount, 1)
	if int(count) >= cfg.BurstK {
		atomic.StoreInt32(&m.burstDampened, 1)
	}
}

// recordSuccess clears the burst window once the model has gone quiet; it
// does not reset the cooldown early (that decays on its own schedule above).
func (m *Model) recordSuccess(cfg ModelCooldownConfig, now time.Time) {
	start := atomic.LoadInt64(&m.burstWindowStart)
	if start != 0 && cfg.BurstWindow > 0 && now.Sub(time.Unix(0, start)) > cfg.BurstWindow {
		atomic.StoreInt32(&m.burstDampened, 0)
		atomic.StoreInt64(&m.burstCount, 0)
	}
}
