package keypool

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// Reason records why a key was picked, for observability (spec §4.3).
type Reason string

const (
	ReasonLeastLoaded    Reason = "least_loaded"
	ReasonHalfOpenProbe  Reason = "half_open_probe"
	ReasonRoundRobin     Reason = "round_robin"
	ReasonProviderMatch  Reason = "provider_match"
	ReasonQueueDrained   Reason = "queue_drained"
)

// Strategy selects the secondary tiebreak used after the primary
// (inFlight, latencyP50) score.
type Strategy string

const (
	StrategyLeastLoaded        Strategy = "least_loaded"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
)

// Scheduler selects a key for each attempt per spec §4.3's filter-then-score
// algorithm.
type Scheduler struct {
	pool     *Pool
	strategy Strategy
	rrCursor int64 // atomic, counts selections; the tiebreak itself uses Key.Selections
}

// NewScheduler builds a scheduler over pool using strategy.
func NewScheduler(pool *Pool, strategy Strategy) *Scheduler {
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}
	return &Scheduler{pool: pool, strategy: strategy}
}

// Reservation is returned on a successful Select; exactly one Release call
// must follow it on every exit path (spec invariant 5).
type Reservation struct {
	Key    *Key
	Reason Reason
	start  time.Time
}

// Outcome classifies how an attempt using a reservation concluded.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeNeutral // non-retryable 4xx other than 429: no breaker impact in Closed state; resolves a half-open probe as a success
)

type candidate struct {
	key         *Key
	latencyP50  int64
	wasOpen     bool // filtered in only because its cooldown just elapsed
}

// Select applies §4.3's filter-then-score algorithm for the given provider
// tag ("" matches any key). Returns pool_exhausted (retryable) if no key is
// currently selectable.
func (s *Scheduler) Select(provider string) (*Reservation, *llmerrors.ProxyError) {
	keys := s.pool.Keys()
	if len(keys) == 0 {
		return nil, llmerrors.NewProviderNoKeysConfigured("no keys configured")
	}

	now := time.Now()
	candidates := make([]candidate, 0, len(keys))

	for _, k := range keys {
		if provider != "" && k.Provider != "" && k.Provider != provider {
			continue
		}
		if k.onCooldown(now) {
			continue
		}
		if k.bucket.Tokens() < 1 {
			continue
		}

		switch k.breaker.State() {
		case circuitbreaker.Closed:
			candidates = append(candidates, candidate{key: k, latencyP50: k.latency.Percentile(50)})
		case circuitbreaker.Open:
			if k.breaker.CooldownRemaining() == 0 {
				candidates = append(candidates, candidate{key: k, latencyP50: k.latency.Percentile(50), wasOpen: true})
			}
		case circuitbreaker.HalfOpen:
			// Another attempt already holds the single probe.
		}
	}

	if len(candidates) == 0 {
		return nil, llmerrors.NewPoolExhausted("no key currently selectable")
	}

	s.applyFairness(candidates)

	winner := candidates[0]

	// Re-validate the winner atomically: a concurrent selector may have
	// consumed its probe slot or its last token between filtering and now.
	if !winner.key.breaker.CanAttempt() {
		return nil, llmerrors.NewPoolExhausted("selected key lost its reservation race")
	}
	if res := winner.key.bucket.TryAcquire(1); !res.OK {
		return nil, llmerrors.NewPoolExhausted("selected key's bucket emptied before acquire")
	}

	reason := ReasonLeastLoaded
	if winner.wasOpen {
		reason = ReasonHalfOpenProbe
	} else if provider != "" {
		reason = ReasonProviderMatch
	} else if s.strategy == StrategyWeightedRoundRobin {
		reason = ReasonRoundRobin
	}

	winner.key.markSelected(now)
	atomic.AddInt64(&s.rrCursor, 1)

	return &Reservation{Key: winner.key, Reason: reason, start: now}, nil
}

// applyFairness sorts candidates in place, lowest score first. Score is the
// tuple (inFlight, lastLatencyP50, tiebreaker) from §4.3. Under
// weighted_round_robin, any key whose selection count exceeds the median by
// more than 1.5x is deprioritized to the back regardless of its raw score.
func (s *Scheduler) applyFairness(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.key.InFlight() != cj.key.InFlight() {
			return ci.key.InFlight() < cj.key.InFlight()
		}
		if ci.latencyP50 != cj.latencyP50 {
			return ci.latencyP50 < cj.latencyP50
		}
		return ci.key.Selections() < cj.key.Selections()
	})

	if s.strategy != StrategyWeightedRoundRobin || len(candidates) < 2 {
		return
	}

	median := medianSelections(candidates)
	threshold := int64(float64(median) * 1.5)

	fair := candidates[:0:0]
	overloaded := make([]candidate, 0)
	for _, c := range candidates {
		if median > 0 && c.key.Selections() > threshold {
			overloaded = append(overloaded, c)
		} else {
			fair = append(fair, c)
		}
	}
	copy(candidates, append(fair, overloaded...))
}

func medianSelections(candidates []candidate) int64 {
	vals := make([]int64, len(candidates))
	for i, c := range candidates {
		vals[i] = c.key.Selections()
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[len(vals)/2]
}

// Release finalizes a reservation exactly once. latencyMs is recorded for
// OutcomeSuccess, and for OutcomeNeutral when it resolves a half-open
// probe. kind is the classified error for
// OutcomeFailure; pass "" for OutcomeSuccess/OutcomeNeutral.
func (s *Scheduler) Release(r *Reservation, outcome Outcome, latencyMs int64, kind llmerrors.Kind, cooldownCfg CooldownConfig) {
	defer r.Key.markReleased()

	switch outcome {
	case OutcomeSuccess:
		r.Key.breaker.RecordSuccess(latencyMs)
	case OutcomeFailure:
		if kind == llmerrors.KindRateLimited {
			r.Key.applyRateLimitCooldown(cooldownCfg, time.Now())
		}
		if r.Key.breaker.State() == circuitbreaker.HalfOpen {
			// A probe that didn't cleanly succeed is treated conservatively
			// as a failed probe, reopening with a doubled cooldown, even if
			// the error kind wouldn't otherwise count against a closed
			// breaker.
			r.Key.breaker.RecordFailure()
		} else if llmerrors.CountsAgainstBreaker(kind) {
			r.Key.breaker.RecordFailure()
		}
	case OutcomeNeutral:
		if r.Key.breaker.State() == circuitbreaker.HalfOpen {
			r.Key.breaker.RecordSuccess(latencyMs)
		}
	}
}
