package upstream

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"
)

type recordingFlusher struct {
	buf     bytes.Buffer
	flushes int
}

func (r *recordingFlusher) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *recordingFlusher) Flush()                       { r.flushes++ }

func TestRelaySSE_StopsOnDoneMarker(t *testing.T) {
	body := "data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\ndata: {\"delta\":\"should not appear\"}\n"
	dst := &recordingFlusher{}

	n, err := RelaySSE(dst, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("RelaySSE() error = %v", err)
	}
	if n == 0 {
		t.Fatal("expected non-zero bytes relayed")
	}
	if bytes.Contains(dst.buf.Bytes(), []byte("should not appear")) {
		t.Fatal("expected relay to stop at [DONE] marker")
	}
	if dst.flushes == 0 {
		t.Fatal("expected at least one flush")
	}
}

func TestIsEventStream_DetectsContentType(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}}}
	if !IsEventStream(resp) {
		t.Fatal("expected text/event-stream to be detected")
	}

	resp2 := &http.Response{Header: http.Header{"Content-Type": []string{"application/json"}}}
	if IsEventStream(resp2) {
		t.Fatal("expected application/json to not be detected as SSE")
	}
}

func TestMapStatus_RateLimitedAndServerError(t *testing.T) {
	if e := MapStatus(http.StatusTooManyRequests, 2000); e == nil || e.Kind != "rate_limited" {
		t.Fatalf("MapStatus(429) = %v, want rate_limited", e)
	}
	if e := MapStatus(http.StatusBadGateway, 0); e == nil || e.Kind != "server_error" {
		t.Fatalf("MapStatus(502) = %v, want server_error", e)
	}
	if e := MapStatus(http.StatusNotImplemented, 0); e != nil {
		t.Fatalf("MapStatus(501) = %v, want nil (excluded from server_error)", e)
	}
	if e := MapStatus(http.StatusBadRequest, 0); e != nil {
		t.Fatalf("MapStatus(400) = %v, want nil (handler passes 4xx through verbatim)", e)
	}
}

func TestConnectionPool_ReusesClientPerTarget(t *testing.T) {
	p := NewConnectionPool(DefaultPoolConfig())
	c1 := p.Client("https://api.example.com", time.Second)
	c2 := p.Client("https://api.example.com", time.Second)
	if c1 != c2 {
		t.Fatal("expected the same *http.Client to be reused for the same target")
	}
}

func TestConnectionPool_RecyclesAfterConsecutiveHangups(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ConsecutiveHangupThreshold = 2
	p := NewConnectionPool(cfg)

	transport1 := p.Client("target", time.Second).Transport
	p.RecordHangup("target", time.Second)
	p.RecordHangup("target", time.Second)

	transport2 := p.Client("target", time.Second).Transport
	if transport1 == transport2 {
		t.Fatal("expected transport to be recycled after consecutive hangup threshold")
	}
}

func TestConnectionPool_SuccessResetsHangupCounter(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ConsecutiveHangupThreshold = 2
	p := NewConnectionPool(cfg)
	transport0 := p.Client("target", time.Second).Transport

	p.RecordHangup("target", time.Second)
	p.RecordSuccess("target")
	p.RecordHangup("target", time.Second)

	transport1 := p.Client("target", time.Second).Transport
	if transport1 != transport0 {
		t.Fatal("expected transport not to be recycled after success reset the counter")
	}
}

func TestClient_BuildRequestFiltersHeaders(t *testing.T) {
	pool := NewConnectionPool(DefaultPoolConfig())
	c := NewClient(pool, "https://api.example.com", "x-api-key", time.Second)

	clientHeaders := http.Header{}
	clientHeaders.Set("Authorization", "Bearer should-not-forward")
	clientHeaders.Set("Content-Type", "application/json")
	clientHeaders.Set("User-Agent", "test-agent")

	req, err := c.BuildRequest(context.Background(), http.MethodPost, "/v1/messages", nil, nil, clientHeaders, "sk-real-key", "req-1")
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected Authorization header to be stripped")
	}
	if req.Header.Get("x-api-key") != "sk-real-key" {
		t.Fatal("expected credential header to be set")
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatal("expected content-type to be forwarded")
	}
	if req.Header.Get("x-request-id") != "req-1" {
		t.Fatal("expected x-request-id to be minted")
	}
}

