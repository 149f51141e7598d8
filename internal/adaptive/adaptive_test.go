package adaptive

import (
	"context"
	"testing"
	"time"
)

type fakeTarget struct {
	id      string
	eff     int64
	hardMax int64
}

func (f *fakeTarget) ID() string              { return f.id }
func (f *fakeTarget) EffectiveMax() int64     { return f.eff }
func (f *fakeTarget) HardMax() int64          { return f.hardMax }
func (f *fakeTarget) SetEffectiveMax(v int64) { f.eff = v }

func TestController_MultiplicativeDecreaseOn429(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MultiplicativeDecrease = 0.5
	cfg.MinConcurrency = 1
	c := New(cfg, nil)

	target := &fakeTarget{id: "m1", eff: 10, hardMax: 100}
	c.RecordRateLimited("m1")
	c.tick([]Target{target})

	if target.eff != 5 {
		t.Fatalf("eff = %d, want 5 after 0.5x decrease from 10", target.eff)
	}
}

func TestController_AdditiveIncreaseOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdditiveIncrease = 2
	c := New(cfg, nil)

	target := &fakeTarget{id: "m1", eff: 10, hardMax: 100}
	c.RecordSuccess("m1")
	c.tick([]Target{target})

	if target.eff != 12 {
		t.Fatalf("eff = %d, want 12 after +2 increase", target.eff)
	}
}

func TestController_IncreaseCappedAtHardMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdditiveIncrease = 5
	c := New(cfg, nil)

	target := &fakeTarget{id: "m1", eff: 98, hardMax: 100}
	c.RecordSuccess("m1")
	c.tick([]Target{target})

	if target.eff != 100 {
		t.Fatalf("eff = %d, want capped at hardMax 100", target.eff)
	}
}

func TestController_ObserveOnlyDoesNotMutate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeObserveOnly
	c := New(cfg, nil)

	target := &fakeTarget{id: "m1", eff: 10, hardMax: 100}
	c.RecordRateLimited("m1")
	c.tick([]Target{target})

	if target.eff != 10 {
		t.Fatalf("eff = %d, want unchanged in observe_only mode", target.eff)
	}
}

func TestController_DecreaseTakesPriorityOverIncrease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MultiplicativeDecrease = 0.5
	c := New(cfg, nil)

	target := &fakeTarget{id: "m1", eff: 10, hardMax: 100}
	c.RecordSuccess("m1")
	c.RecordRateLimited("m1")
	c.tick([]Target{target})

	if target.eff != 5 {
		t.Fatalf("eff = %d, want decrease to win when both occur in one window", target.eff)
	}
}

func TestController_StartStopIsIdempotentAndClean(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx, func() []Target { return nil })
	c.Start(ctx, func() []Target { return nil }) // second call is a no-op

	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
