package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llmrelay/llmrelay/internal/keypool"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/modelrouter"
	"github.com/llmrelay/llmrelay/internal/ratecoordinator"
)

// startMetricsSampler periodically refreshes the gauges that have no
// natural call site in the request path (key/model in-flight, circuit
// state, pool cooldown) and shortens the pool-wide cooldown during quiet
// periods via Coordinator.Decay (spec §4.5). Grounded on the teacher's
// startDBPoolMetrics ticker+stop-channel shape.
func startMetricsSampler(ctx context.Context, pool *keypool.Pool, router *modelrouter.Router, coordinator *ratecoordinator.Coordinator, logger *slog.Logger, interval time.Duration) func() {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	sample := func() {
		now := time.Now()
		for _, k := range pool.Keys() {
			metrics.KeyInFlight.WithLabelValues(k.ID).Set(float64(k.InFlight()))
			metrics.CircuitState.WithLabelValues(k.ID).Set(metrics.CircuitStateValue(k.BreakerState().String()))
		}
		if router != nil {
			for _, m := range router.Models() {
				metrics.ModelInFlight.WithLabelValues(m.ID).Set(float64(m.InFlight()))
				metrics.ModelEffectiveMax.WithLabelValues(m.ID).Set(float64(m.EffectiveMax()))
			}
		}
		active, _ := coordinator.CooldownActive(now)
		if active {
			metrics.PoolCooldownActive.Set(1)
		} else {
			metrics.PoolCooldownActive.Set(0)
		}
		coordinator.Decay(now)
	}

	sample()

	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopCh) })
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sample()
			case <-ctx.Done():
				stop()
				return
			case <-stopCh:
				return
			}
		}
	}()

	logger.Debug("metrics sampler started", "interval", interval.String())
	return stop
}
