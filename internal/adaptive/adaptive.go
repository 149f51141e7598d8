// Package adaptive implements the AIMD controller that retunes each
// model's effective concurrency cap from observed 429/success pressure
// (spec §4.7), ticking on a fixed interval in the style of the teacher's
// healthcheck prober background loop.
package adaptive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmrelay/llmrelay/internal/metrics"
)

// Mode controls whether proposed adjustments are applied.
type Mode string

const (
	ModeObserveOnly Mode = "observe_only"
	ModeEnforce     Mode = "enforce"
)

// Config mirrors spec §6's adaptiveConcurrency.* knobs.
type Config struct {
	Enabled                bool
	Mode                   Mode
	MinConcurrency         int64
	HardMax                int64
	MultiplicativeDecrease float64 // e.g. 0.7
	AdditiveIncrease       int64   // e.g. 1
	SampleWindow           time.Duration
	TickInterval           time.Duration
}

// DefaultConfig matches commonly seen production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Mode:                   ModeEnforce,
		MinConcurrency:         1,
		HardMax:                100,
		MultiplicativeDecrease: 0.7,
		AdditiveIncrease:       1,
		SampleWindow:           10 * time.Second,
		TickInterval:           5 * time.Second,
	}
}

// Target is anything the controller can retune: internal/modelrouter.Model
// satisfies this via thin wrapper methods supplied by the caller, keeping
// this package free of a direct modelrouter import.
type Target interface {
	ID() string
	EffectiveMax() int64
	HardMax() int64
	SetEffectiveMax(v int64)
}

// counters tracks one target's recent pressure, reset each tick.
type counters struct {
	successes int64
	tooMany   int64
}

// Controller runs one ticker across all registered targets.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	counts map[string]*counters

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Controller. log may be nil, in which case slog.Default() is
// used.
func New(cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Controller{cfg: cfg, log: log, counts: make(map[string]*counters)}
}

// RecordSuccess registers a successful attempt against a model for this
// tick's sample window.
func (c *Controller) RecordSuccess(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counterFor(modelID).successes++
}

// RecordRateLimited registers an upstream 429 against a model.
func (c *Controller) RecordRateLimited(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counterFor(modelID).tooMany++
}

func (c *Controller) counterFor(modelID string) *counters {
	cnt, ok := c.counts[modelID]
	if !ok {
		cnt = &counters{}
		c.counts[modelID] = cnt
	}
	return cnt
}

// Start begins the periodic adjustment tick against targets. Calling Start
// twice is a no-op, mirroring the teacher prober's started-guard idiom.
func (c *Controller) Start(ctx context.Context, targets func() []Target) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if !c.cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(targets())
			}
		}
	}()
}

// Stop cancels the ticker loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Controller) tick(targets []Target) {
	c.mu.Lock()
	snapshot := c.counts
	c.counts = make(map[string]*counters)
	c.mu.Unlock()

	for _, t := range targets {
		cnt, ok := snapshot[t.ID()]
		if !ok {
			continue
		}
		c.adjust(t, cnt)
	}
}

func (c *Controller) adjust(t Target, cnt *counters) {
	current := t.EffectiveMax()
	var proposed int64

	switch {
	case cnt.tooMany > 0:
		proposed = int64(float64(current) * c.cfg.MultiplicativeDecrease)
		if proposed < c.cfg.MinConcurrency {
			proposed = c.cfg.MinConcurrency
		}
	case cnt.successes > 0:
		proposed = current + c.cfg.AdditiveIncrease
		hardMax := t.HardMax()
		if c.cfg.HardMax > 0 && c.cfg.HardMax < hardMax {
			hardMax = c.cfg.HardMax
		}
		if proposed > hardMax {
			proposed = hardMax
		}
	default:
		return
	}

	if proposed == current {
		return
	}

	direction := "increase"
	if cnt.tooMany > 0 {
		direction = "decrease"
	}
	metrics.AdaptiveAdjustments.WithLabelValues(t.ID(), direction, string(c.cfg.Mode)).Inc()

	c.log.Info("adaptive concurrency adjustment",
		"model", t.ID(),
		"from", current,
		"to", proposed,
		"mode", c.cfg.Mode,
		"rate_limited", cnt.tooMany,
		"successes", cnt.successes,
	)

	if c.cfg.Mode == ModeEnforce {
		t.SetEffectiveMax(proposed)
	}
}
