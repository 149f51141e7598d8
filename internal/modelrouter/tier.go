package modelrouter

import (
	"sort"
	"sync"
	"time"
)

// Strategy is a tier's model-selection algorithm (spec §4.4).
type Strategy string

const (
	StrategyThroughput Strategy = "throughput"
	StrategyBalanced   Strategy = "balanced"
	StrategyQuality    Strategy = "quality"
	StrategyPool       Strategy = "pool"
)

// Tier is a named bucket of candidate models sharing one selection
// strategy. Models is kept in config order since "quality" depends on
// priority order.
type Tier struct {
	Name     string
	Strategy Strategy
	Models   []*Model

	mu          sync.Mutex
	rrCursor    int
	utilization func(modelID string) // optional hook for "pool" strategy events
}

// NewTier builds a Tier over models in priority order.
func NewTier(name string, strategy Strategy, models []*Model) *Tier {
	return &Tier{Name: name, Strategy: strategy, Models: models}
}

// OnUtilizationEvent registers a callback invoked whenever the "pool"
// strategy selects a model, mirroring spec §4.4's "pool ... records
// pool-utilization events".
func (t *Tier) OnUtilizationEvent(fn func(modelID string)) {
	t.mu.Lock()
	t.utilization = fn
	t.mu.Unlock()
}

// Select applies the tier's strategy and returns the chosen model, or nil
// if none is currently available.
func (t *Tier) Select(now time.Time) *Model {
	switch t.Strategy {
	case StrategyQuality:
		return t.selectQuality(now)
	case StrategyBalanced:
		return t.selectBalanced(now)
	case StrategyPool:
		m := t.selectThroughput(now)
		if m != nil {
			t.mu.Lock()
			fn := t.utilization
			t.mu.Unlock()
			if fn != nil {
				fn(m.ID)
			}
		}
		return m
	default: // throughput
		return t.selectThroughput(now)
	}
}

// selectThroughput picks the least-utilized candidate, but availability is
// only advisory at this point: the actual slot is claimed by tryReserve, so
// a candidate that loses the race (another goroutine filled it first) is
// skipped in favor of the next-best one rather than returned anyway.
func (t *Tier) selectThroughput(now time.Time) *Model {
	candidates := make([]*Model, 0, len(t.Models))
	for _, m := range t.Models {
		if m.available(now) {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].utilization() < candidates[j].utilization()
	})
	for _, m := range candidates {
		if m.tryReserve(now) {
			return m
		}
	}
	return nil
}

func (t *Tier) selectBalanced(now time.Time) *Model {
	available := make([]*Model, 0, len(t.Models))
	for _, m := range t.Models {
		if m.available(now) {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil
	}
	t.mu.Lock()
	start := t.rrCursor % len(available)
	t.rrCursor++
	t.mu.Unlock()

	// Claiming the round-robin pick can race with another caller; walk the
	// rest of the rotation rather than give up on the first loss.
	for i := 0; i < len(available); i++ {
		m := available[(start+i)%len(available)]
		if m.tryReserve(now) {
			return m
		}
	}
	return nil
}

func (t *Tier) selectQuality(now time.Time) *Model {
	for _, m := range t.Models {
		if m.tryReserve(now) {
			return m
		}
	}
	return nil
}

// HasCapacity reports whether any model in the tier currently has spare
// room. Router.Route does not call it; its downgrade walk relies on
// Select's result instead.
func (t *Tier) HasCapacity(now time.Time) bool {
	for _, m := range t.Models {
		if m.available(now) {
			return true
		}
	}
	return false
}
