package modelrouter

import (
	"time"

	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// coldStartWarmup is the window after startup during which tier downgrade is
// skipped, per spec §4.4 ("Downgrade is skipped during a cold-start warmup
// window (first 60 s)").
const coldStartWarmup = 60 * time.Second

// Config bundles modelRouting.* from spec §6.
type Config struct {
	Enabled           bool
	Rules             []Rule
	ClientModelPolicy ClientModelPolicy
	ComplexityUpgrade ComplexityUpgrade
	Cooldown          ModelCooldownConfig
}

// Event is recorded for observability on classification/selection/failover;
// the handler attaches these to the request trace.
type Event struct {
	Kind   string // "classified", "upgraded", "failover"
	Tier   string
	Model  string
	Reason string
}

// Router classifies requests and selects a model with capacity.
type Router struct {
	cfg       Config
	tiers     map[string]*Tier
	models    map[string]*Model
	startedAt time.Time
}

// New builds a Router over the given tiers (keyed by tier name).
func New(cfg Config, tiers map[string]*Tier) *Router {
	models := make(map[string]*Model)
	for _, t := range tiers {
		for _, m := range t.Models {
			models[m.ID] = m
		}
	}
	return &Router{cfg: cfg, tiers: tiers, models: models, startedAt: time.Now()}
}

// Model looks up a catalog model by ID, for reporting outcomes back after a
// direct (non-routed) dispatch.
func (r *Router) Model(id string) (*Model, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Models returns every catalog model across all tiers, for metrics sampling.
func (r *Router) Models() []*Model {
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// Reservation is returned by Route; exactly one Release call must follow it
// on every exit path.
type Reservation struct {
	Model  *Model
	Tier   string
	Events []Event
}

// Route classifies f, applies the complexity upgrade, and reserves a model
// from the resolved tier, downgrading on exhaustion. now is injected for
// deterministic tests.
func (r *Router) Route(f Features, now time.Time) (*Reservation, *llmerrors.ProxyError) {
	if !r.cfg.Enabled {
		return nil, llmerrors.NewBadRequest("model routing disabled")
	}

	tier, routed := ResolveTier(r.cfg.Rules, f, r.cfg.ClientModelPolicy)
	if !routed {
		return nil, llmerrors.NewBadRequest("no routing rule matched and policy is rule-match-only")
	}

	events := []Event{{Kind: "classified", Tier: tier}}

	if newTier, reason := r.cfg.ComplexityUpgrade.Apply(tier, f.Model, f); reason != "" {
		events = append(events, Event{Kind: "upgraded", Tier: newTier, Reason: reason})
		tier = newTier
	}

	warmingUp := now.Sub(r.startedAt) < coldStartWarmup

	for _, candidateTier := range downgradeChain(tier, warmingUp) {
		t, ok := r.tiers[candidateTier]
		if !ok {
			continue
		}
		m := t.Select(now)
		if m == nil {
			continue
		}
		if candidateTier != tier {
			events = append(events, Event{Kind: "failover", Tier: candidateTier, Model: m.ID, Reason: "tier_downgrade"})
		}
		// t.Select already claimed the slot atomically (tryReserve); no
		// separate reserve step here, so there's no TOCTOU window between
		// picking m and committing to it.
		return &Reservation{Model: m, Tier: candidateTier, Events: events}, nil
	}

	return nil, llmerrors.NewPoolExhausted("no model available in tier " + tier)
}

// downgradeChain returns the tier and its fallbacks in priority order.
// Downgrade is skipped entirely during cold-start warmup: only the
// originally resolved tier is tried.
func downgradeChain(tier string, warmingUp bool) []string {
	if warmingUp {
		return []string{tier}
	}
	switch tier {
	case TierHeavy:
		return []string{TierHeavy, TierMedium, TierLight}
	case TierMedium:
		return []string{TierMedium, TierLight}
	default:
		return []string{TierLight}
	}
}

// RecordRateLimited applies a model-level 429 cooldown without releasing
// the reservation, for retry-loop attempts that reuse the same model
// reservation across several upstream calls; the final outcome is still
// reported through Release exactly once.
func (r *Router) RecordRateLimited(res *Reservation, now time.Time) {
	res.Model.recordRateLimited(r.cfg.Cooldown, now)
}

// Release finalizes a reservation. On OutcomeRateLimited, the model's
// cooldown and burst-dampening are updated.
func (r *Router) Release(res *Reservation, outcome ModelOutcome, now time.Time) {
	defer res.Model.release()

	switch outcome {
	case ModelOutcomeSuccess:
		res.Model.recordSuccess(r.cfg.Cooldown, now)
	case ModelOutcomeRateLimited:
		res.Model.recordRateLimited(r.cfg.Cooldown, now)
	case ModelOutcomeFailure:
		// Upstream 5xx/transport failures don't drive model-level cooldown
		// (that is the circuit breaker's job at the key level); the model
		// catalog only tracks 429 pressure and success.
	}
}

// ModelOutcome classifies how a reserved model's attempt concluded.
type ModelOutcome int

const (
	ModelOutcomeSuccess ModelOutcome = iota
	ModelOutcomeRateLimited
	ModelOutcomeFailure
)
