package modelrouter

import "github.com/llmrelay/llmrelay/internal/adaptive"

// adaptiveTarget adapts *Model to internal/adaptive.Target without that
// package needing to import modelrouter (Model's ID and HardMax are plain
// fields, not methods, so the interface can't be satisfied directly).
type adaptiveTarget struct{ m *Model }

func (a adaptiveTarget) ID() string              { return a.m.ID }
func (a adaptiveTarget) EffectiveMax() int64     { return a.m.EffectiveMax() }
func (a adaptiveTarget) HardMax() int64          { return a.m.HardMax }
func (a adaptiveTarget) SetEffectiveMax(v int64) { a.m.SetEffectiveMax(v) }

// AdaptiveTargets returns every model across all tiers, wrapped for the
// adaptive controller's periodic tick.
func (r *Router) AdaptiveTargets() []adaptive.Target {
	out := make([]adaptive.Target, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, adaptiveTarget{m: m})
	}
	return out
}
