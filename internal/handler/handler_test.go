package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/keypool"
	"github.com/llmrelay/llmrelay/internal/queue"
	"github.com/llmrelay/llmrelay/internal/ratecoordinator"
	"github.com/llmrelay/llmrelay/internal/tracer"
	"github.com/llmrelay/llmrelay/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, upstreamURL string, cfg Config) *Handler {
	t.Helper()

	pool := keypool.NewPool()
	pool.Add(keypool.NewKey("key-a", "sk-test", "", keypool.KeyConfig{
		RateLimitPerMinute: 6000,
		RateLimitBurst:     100,
		Breaker:            circuitbreaker.DefaultConfig(),
	}))
	scheduler := keypool.NewScheduler(pool, keypool.StrategyLeastLoaded)

	coordinator := ratecoordinator.New(ratecoordinator.DefaultConfig(), ratecoordinator.NewMemoryBackend(time.Second))

	admission := queue.New(10)
	traces := tracer.NewRing(16)

	connPool := upstream.NewConnectionPool(upstream.DefaultPoolConfig())
	client := upstream.NewClient(connPool, upstreamURL, "x-api-key", 5*time.Second)

	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.QueueTimeoutMs == 0 {
		cfg.QueueTimeoutMs = 200
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 2000
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.KeyCooldown.BaseMs == 0 {
		cfg.KeyCooldown = keypool.DefaultCooldownConfig()
	}
	if cfg.AttemptTimeoutMs == 0 {
		cfg.AttemptTimeoutMs = cfg.RequestTimeoutMs
	}

	return New(cfg, testLogger(), scheduler, nil, nil, coordinator, admission, traces, client)
}

func TestHandler_PassthroughSuccess(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL, Config{MaxRetries: 1})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"model":"claude-3","messages":[]}`)))
	rr := httptest.NewRecorder()

	h.Handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt64(&h.inFlight) != 0 {
		t.Fatalf("expected in-flight to be released, got %d", h.inFlight)
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid", Config{MaxBodySize: 4, MaxRetries: 0})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"model":"x"}`)))
	rr := httptest.NewRecorder()

	h.Handle(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
}

func TestHandler_QueueFullReturnsServiceUnavailable(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid", Config{MaxInFlight: 0, QueueTimeoutMs: 50})
	// Force admission to always overflow: no free slot (newTestHandler
	// replaces a zero MaxInFlight with 10) and no queue capacity either.
	h.cfg.MaxInFlight = 0
	h.admission = queue.New(0)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()

	h.Handle(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandler_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int64
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstreamSrv.Close()

	// The single key goes on cooldown after the 429; keep it short so the
	// retry can reuse the key within the request deadline.
	h := newTestHandler(t, upstreamSrv.URL, Config{MaxRetries: 2, KeyCooldown: keypool.CooldownConfig{BaseMs: 1, CapMs: 1}})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"model":"claude-3"}`)))
	rr := httptest.NewRecorder()

	h.Handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry, body=%s", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", calls)
	}
}

func TestHandler_ExhaustsRetriesOnRepeated5xx(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL, Config{MaxRetries: 1})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"model":"claude-3"}`)))
	rr := httptest.NewRecorder()

	h.Handle(rr, req)

	if rr.Code != http.StatusServiceUnavailable && rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want a failure status after retries exhausted", rr.Code)
	}
}
