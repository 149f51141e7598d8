// Package handler implements the single orchestration entrypoint of spec
// §4.8: admission, model routing, the key-acquire/forward/retry loop, and
// trace finalization. It is grounded on the teacher's
// internal/api/completions_handler.go (read-limited body -> unmarshal ->
// route -> pick -> build/forward/parse -> report outcome) and
// client_handler.go (body-size guard, streaming dispatch, error-response
// shape), with the retry loop's classify-then-retry-or-return idiom
// borrowed from thushan-olla's ExecuteWithRetry.
package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/adaptive"
	"github.com/llmrelay/llmrelay/internal/keypool"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/modelrouter"
	"github.com/llmrelay/llmrelay/internal/queue"
	"github.com/llmrelay/llmrelay/internal/ratecoordinator"
	"github.com/llmrelay/llmrelay/internal/tracer"
	"github.com/llmrelay/llmrelay/internal/upstream"
	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/types"
)

// Config bundles the handler's own tuning knobs, sourced from
// config.ServerConfig plus the key-level cooldown policy.
type Config struct {
	MaxBodySize      int64
	MaxInFlight      int64
	QueueTimeoutMs   int64
	RequestTimeoutMs int64 // overall per-request deadline (spec §5 "requestTimeout")
	AttemptTimeoutMs int64 // initial per-attempt timeout; grows with attempt, capped by remaining overall budget
	MaxRetries       int
	KeyCooldown      keypool.CooldownConfig
}

// Handler wires the admission queue, model router, key scheduler, pool
// cooldown coordinator, upstream client, and request tracer into the
// request flow of §4.8.
type Handler struct {
	cfg Config

	logger      *slog.Logger
	scheduler   *keypool.Scheduler
	router      *modelrouter.Router // nil when model routing is disabled
	adaptive    *adaptive.Controller // nil when disabled or router is nil
	coordinator *ratecoordinator.Coordinator
	admission   *queue.Queue
	traces      *tracer.Ring
	client      *upstream.Client

	inFlight int64 // atomic
}

// New builds a Handler. router may be nil, in which case every request is
// dispatched passthrough with no tier classification. adaptiveCtrl may be
// nil when AIMD concurrency control is disabled.
func New(cfg Config, logger *slog.Logger, scheduler *keypool.Scheduler, router *modelrouter.Router, adaptiveCtrl *adaptive.Controller, coordinator *ratecoordinator.Coordinator, admission *queue.Queue, traces *tracer.Ring, client *upstream.Client) *Handler {
	return &Handler{
		cfg:         cfg,
		logger:      logger,
		scheduler:   scheduler,
		router:      router,
		adaptive:    adaptiveCtrl,
		coordinator: coordinator,
		admission:   admission,
		traces:      traces,
		client:      client,
	}
}

// ServeHTTP adapts Handle to http.Handler for direct mux registration.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Handle(w, r)
}

// Handle implements spec §4.8's full flow.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	// The overall deadline (spec §5, default 120s) bounds admission wait,
	// routing, and every retry attempt combined, so the request never runs
	// on indefinitely across retries. Expiry found at the start of an
	// attempt gives a 504 with errorType "timeout"; expiry while waiting in
	// the admission queue gives a 503 "queue_timeout", and expiry while
	// sleeping out a pool-wide cooldown gives a 503 "pool_cooldown".
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	body, err := h.readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var parsed map[string]interface{}
	passthrough := json.Unmarshal(body, &parsed) != nil || h.router == nil

	var features modelrouter.Features
	if !passthrough {
		features = modelrouter.ExtractFeatures(parsed)
	}

	trace := tracer.New(r.URL.Path, features.Model)

	if qerr := h.admit(ctx); qerr != nil {
		h.respondError(w, trace, qerr)
		return
	}
	defer h.release()

	var reservation *modelrouter.Reservation
	if !passthrough {
		var rerr *llmerrors.ProxyError
		reservation, rerr = h.router.Route(features, time.Now())
		if rerr != nil {
			h.respondError(w, trace, rerr)
			return
		}
		trace.SetResolved(reservation.Tier, reservation.Model.ID)
	}

	h.dispatch(ctx, w, r, body, reservation, trace)
}

// readBody enforces maxBodySize (spec §4.8 "exceeding returns 413
// immediately").
func (h *Handler) readBody(r *http.Request) ([]byte, *llmerrors.ProxyError) {
	defer func() { _ = r.Body.Close() }()

	limited := io.LimitReader(r.Body, h.cfg.MaxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, llmerrors.NewBadRequest("failed to read request body")
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		return nil, llmerrors.NewPayloadTooLarge("request body exceeds maxBodySize")
	}
	return body, nil
}

// admit applies the backpressure policy: a free in-flight slot is taken
// immediately; otherwise the request waits in the FIFO queue, bounded by
// QueueTimeoutMs and the request's own context.
func (h *Handler) admit(ctx context.Context) *llmerrors.ProxyError {
	for {
		cur := atomic.LoadInt64(&h.inFlight)
		if cur >= h.cfg.MaxInFlight {
			break
		}
		if atomic.CompareAndSwapInt64(&h.inFlight, cur, cur+1) {
			return nil
		}
	}

	id := uuid.NewString()
	ch := h.admission.Enqueue(id, h.cfg.QueueTimeoutMs)
	metrics.QueueDepth.Set(float64(h.admission.Len()))

	select {
	case res := <-ch:
		if !res.Accepted {
			switch res.Reason {
			case queue.ReasonQueueFull:
				return llmerrors.NewQueueFull("admission queue is full")
			case queue.ReasonShutdown:
				return llmerrors.NewShutdown("server is shutting down")
			default:
				return llmerrors.NewQueueTimeout("timed out waiting for a free slot")
			}
		}
		atomic.AddInt64(&h.inFlight, 1)
		return nil
	case <-ctx.Done():
		h.admission.Cancel(id)
		return llmerrors.NewQueueTimeout("client cancelled while queued")
	}
}

// release returns the in-flight slot and wakes the next queued request, if
// any.
func (h *Handler) release() {
	atomic.AddInt64(&h.inFlight, -1)
	h.admission.SignalSlotAvailable()
	metrics.QueueDepth.Set(float64(h.admission.Len()))
}

// dispatch runs the attempt loop of spec §4.8 step 5. reservation is nil
// in passthrough mode.
func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, reservation *modelrouter.Reservation, trace *tracer.Builder) {
	modelOutcome := modelrouter.ModelOutcomeFailure
	if reservation != nil {
		defer func() { h.router.Release(reservation, modelOutcome, time.Now()) }()
	}

	deadline, hasDeadline := ctx.Deadline()

	maxAttempts := h.cfg.MaxRetries + 1
	var lastErr *llmerrors.ProxyError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if hasDeadline && !time.Now().Before(deadline) {
			h.respondError(w, trace, llmerrors.NewTimeout("overall request deadline exceeded"))
			return
		}

		if active, retryAfterMs := h.coordinator.CooldownActive(time.Now()); active {
			if !h.sleep(ctx, retryAfterMs) {
				h.respondError(w, trace, llmerrors.NewPoolCooldown("pool-wide rate-limit cooldown active", retryAfterMs))
				return
			}
		}

		res, kerr := h.scheduler.Select("")
		if kerr != nil {
			lastErr = kerr
			if kerr.Kind == llmerrors.KindPoolExhausted && attempt < maxAttempts-1 {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			break
		}

		// Each attempt's own timeout starts at AttemptTimeoutMs and grows
		// linearly with the attempt number (initial, 2x, 3x, ...). It is
		// capped at the budget remaining under the overall deadline divided
		// across the attempts still to come, so the sum of attempts never
		// exceeds RequestTimeoutMs.
		attemptTimeout := time.Duration(h.cfg.AttemptTimeoutMs*int64(attempt+1)) * time.Millisecond
		if hasDeadline {
			remaining := time.Until(deadline)
			slice := remaining / time.Duration(maxAttempts-attempt)
			if slice < attemptTimeout {
				attemptTimeout = slice
			}
		}

		done, outcome := h.attempt(ctx, w, r, body, res, reservation, trace, attemptTimeout)
		if outcome.err != nil {
			lastErr = outcome.err
		}
		if outcome.modelOutcome != nil {
			modelOutcome = *outcome.modelOutcome
		}
		if done {
			return
		}
		if !outcome.retryable {
			break
		}
	}

	h.respondError(w, trace, lastErr)
}

// attemptOutcome summarizes one pass through attempt.
type attemptOutcome struct {
	err          *llmerrors.ProxyError
	retryable    bool
	modelOutcome *modelrouter.ModelOutcome
}

// attempt executes exactly one upstream call using the already-acquired key
// reservation. It returns done=true once a response has been written to
// the client (2xx, 501, or other non-retryable 4xx).
func (h *Handler) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, res *keypool.Reservation, reservation *modelrouter.Reservation, trace *tracer.Builder, attemptTimeout time.Duration) (bool, attemptOutcome) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	attemptStart := time.Now()

	req, berr := h.client.BuildRequest(attemptCtx, r.Method, r.URL.Path, r.URL.Query(), bytes.NewReader(body), r.Header, res.Key.Credential, uuid.NewString())
	if berr != nil {
		h.scheduler.Release(res, keypool.OutcomeFailure, 0, llmerrors.KindServerError, h.cfg.KeyCooldown)
		return false, attemptOutcome{err: llmerrors.NewServerError(0, "failed to build upstream request: "+berr.Error()), retryable: false}
	}

	resp, derr := h.client.Do(req)
	latencyMs := time.Since(attemptStart).Milliseconds()

	if derr != nil {
		h.scheduler.Release(res, keypool.OutcomeFailure, latencyMs, derr.Kind, h.cfg.KeyCooldown)
		trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), DurationMs: latencyMs, ErrorKind: string(derr.Kind)})
		metrics.AttemptDuration.WithLabelValues(modelID(reservation), string(derr.Kind)).Observe(float64(latencyMs) / 1000)
		return false, attemptOutcome{err: derr, retryable: derr.Retryable}
	}

	retryAfterMs := parseRetryAfterMs(resp.Header)
	metrics.AttemptDuration.WithLabelValues(modelID(reservation), strconv.Itoa(resp.StatusCode)).Observe(float64(latencyMs) / 1000)

	// MapStatus classifies 429 and non-501 5xx into the error taxonomy and
	// returns nil for every other status (2xx, 501, other 4xx), which is
	// passed through verbatim below.
	if mapped := upstream.MapStatus(resp.StatusCode, retryAfterMs); mapped != nil {
		drain(resp)

		if mapped.Kind == llmerrors.KindRateLimited {
			h.scheduler.Release(res, keypool.OutcomeFailure, latencyMs, llmerrors.KindRateLimited, h.cfg.KeyCooldown)
			if reservation != nil {
				h.router.RecordRateLimited(reservation, time.Now())
				if h.adaptive != nil {
					h.adaptive.RecordRateLimited(reservation.Model.ID)
				}
			}
			h.coordinator.RecordUpstream429(time.Now())
			trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), StatusCode: resp.StatusCode, DurationMs: latencyMs, ErrorKind: string(llmerrors.KindRateLimited)})
			outcome := modelrouter.ModelOutcomeRateLimited
			return false, attemptOutcome{err: mapped, retryable: true, modelOutcome: &outcome}
		}

		h.scheduler.Release(res, keypool.OutcomeFailure, latencyMs, llmerrors.KindServerError, h.cfg.KeyCooldown)
		trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), StatusCode: resp.StatusCode, DurationMs: latencyMs, ErrorKind: string(llmerrors.KindServerError)})
		return false, attemptOutcome{err: mapped, retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusNotImplemented:
		// Excluded from server_error breaker-counting (spec §4.1); treated
		// as a neutral, non-retryable response streamed through verbatim.
		h.scheduler.Release(res, keypool.OutcomeNeutral, latencyMs, "", h.cfg.KeyCooldown)
		h.relayBuffered(w, resp)
		trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), StatusCode: resp.StatusCode, DurationMs: latencyMs})
		h.finalize(trace, resp.StatusCode, false)
		return true, attemptOutcome{}

	case resp.StatusCode >= 400:
		h.scheduler.Release(res, keypool.OutcomeNeutral, latencyMs, "", h.cfg.KeyCooldown)
		h.relayBuffered(w, resp)
		trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), StatusCode: resp.StatusCode, DurationMs: latencyMs})
		h.finalize(trace, resp.StatusCode, false)
		return true, attemptOutcome{}

	default: // 2xx
		h.scheduler.Release(res, keypool.OutcomeSuccess, latencyMs, "", h.cfg.KeyCooldown)
		outcome := modelrouter.ModelOutcomeSuccess
		if reservation != nil && h.adaptive != nil {
			h.adaptive.RecordSuccess(reservation.Model.ID)
		}
		if upstream.IsEventStream(resp) {
			h.relaySSE(w, resp)
		} else {
			h.relayBuffered(w, resp)
		}
		trace.AddAttempt(tracer.Attempt{KeyID: res.Key.ID, Model: modelID(reservation), StatusCode: resp.StatusCode, DurationMs: latencyMs})
		h.finalize(trace, resp.StatusCode, true)
		return true, attemptOutcome{modelOutcome: &outcome}
	}
}

// relayBuffered copies resp's status, headers, and full body to w.
func (h *Handler) relayBuffered(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// relaySSE streams resp chunk by chunk with no buffering, so the client
// sees deltas as they arrive (spec §4.8 "no suspension ... beyond the
// upstream call itself").
func (h *Handler) relaySSE(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, ok := w.(http.Flusher)
	if !ok {
		_, _ = io.Copy(w, resp.Body)
		return
	}
	if _, err := upstream.RelaySSE(flushWriter{w, flusher}, resp.Body); err != nil {
		h.logger.Warn("sse relay ended early", "error", err)
	}
}

// sleep waits for ms milliseconds or until ctx is done, returning false in
// the latter case.
func (h *Handler) sleep(ctx context.Context, ms int64) bool {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// respondError writes the taxonomy's JSON error envelope and finalizes the
// trace as unsuccessful. A nil err (admission never reached the router)
// still needs a response, so it is treated as an internal server error.
func (h *Handler) respondError(w http.ResponseWriter, trace *tracer.Builder, err *llmerrors.ProxyError) {
	if err == nil {
		err = llmerrors.NewServerError(0, "request failed for an unknown reason")
	}
	h.writeError(w, err)
	h.finalize(trace, err.HTTPStatusCode(), false)
}

func (h *Handler) writeError(w http.ResponseWriter, err *llmerrors.ProxyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		ErrorType:  string(err.Kind),
		Message:    err.Message,
		Retryable:  err.Retryable,
		RetryAfter: err.RetryAfter,
	})
}

// finalize pushes the completed trace into the ring and records the
// RequestsTotal counter.
func (h *Handler) finalize(trace *tracer.Builder, statusCode int, success bool) {
	t := trace.Finalize(statusCode, success)
	h.traces.Add(t)
	metrics.RequestsTotal.WithLabelValues(t.Tier, t.ResolvedModel, strconv.Itoa(statusCode), strconv.FormatBool(success)).Inc()
}

func modelID(res *modelrouter.Reservation) string {
	if res == nil {
		return ""
	}
	return res.Model.ID
}

func parseRetryAfterMs(h http.Header) int64 {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return seconds * 1000
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// flushWriter adapts an http.ResponseWriter + http.Flusher pair to
// upstream.Flusher.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw flushWriter) Flush()                      { fw.f.Flush() }
