package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// forwardedRequestHeaders is the allow-list of client headers forwarded
// upstream, per spec §6: everything else (including auth) is stripped and
// replaced with the selected key's credential.
var forwardedRequestHeaders = []string{
	"content-type",
	"accept",
	"accept-encoding",
	"accept-language",
	"user-agent",
	"anthropic-version",
	"anthropic-beta",
}

// Client forwards requests to one upstream target over a pooled
// keep-alive connection.
type Client struct {
	pool       *ConnectionPool
	target     string
	authHeader string
	timeout    time.Duration
}

// NewClient builds a Client for a single upstream target host. authHeader
// is the header name the selected key's credential is written to (e.g.
// "x-api-key" or "authorization").
func NewClient(pool *ConnectionPool, target, authHeader string, timeout time.Duration) *Client {
	return &Client{pool: pool, target: target, authHeader: authHeader, timeout: timeout}
}

// BuildRequest constructs the outbound request: method/path/query/body
// forwarded verbatim, headers filtered to the allow-list plus the
// credential header, and a fresh x-request-id minted.
func (c *Client) BuildRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, clientHeaders http.Header, credential, requestID string) (*http.Request, error) {
	target := strings.TrimRight(c.target, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	for _, h := range forwardedRequestHeaders {
		if v := clientHeaders.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set(c.authHeader, credential)
	req.Header.Set("x-request-id", requestID)

	return req, nil
}

// Do executes req against the pooled client, classifying any transport
// error into the proxy's error taxonomy (spec §4.8 step d) and feeding the
// pool's hangup-recycling counter.
func (c *Client) Do(req *http.Request) (*http.Response, *llmerrors.ProxyError) {
	client := c.pool.Client(c.target, c.timeout)

	resp, err := client.Do(req)
	if err == nil {
		c.pool.RecordSuccess(c.target)
		return resp, nil
	}

	kind, proxyErr := classifyTransportError(err)
	if kind == llmerrors.KindSocketHangup || kind == llmerrors.KindConnectionRefused {
		c.pool.RecordHangup(c.target, c.timeout)
	}
	return nil, proxyErr
}

// classifyTransportError maps a net/http transport error to spec §7's
// taxonomy.
func classifyTransportError(err error) (llmerrors.Kind, *llmerrors.ProxyError) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return llmerrors.KindTimeout, llmerrors.NewTimeout(err.Error())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return llmerrors.KindDNSFailure, llmerrors.NewDNSFailure(err.Error())
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return llmerrors.KindConnectionRefused, llmerrors.NewConnectionRefused(err.Error())
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return llmerrors.KindSocketHangup, llmerrors.NewSocketHangup(err.Error())
	}

	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") || strings.Contains(msg, "broken pipe") {
		return llmerrors.KindSocketHangup, llmerrors.NewSocketHangup(msg)
	}
	if strings.Contains(msg, "connection refused") {
		return llmerrors.KindConnectionRefused, llmerrors.NewConnectionRefused(msg)
	}

	return llmerrors.KindSocketHangup, llmerrors.NewSocketHangup(msg)
}

// MapStatus classifies an upstream HTTP status into the proxy's error
// taxonomy per spec §4.8 step c. It returns a non-nil ProxyError for any
// status the handler must treat as a failure (429 or 5xx other than 501)
// and nil for everything else (2xx, 501, other 4xx), which the caller
// passes through verbatim.
func MapStatus(statusCode int, retryAfterMs int64) *llmerrors.ProxyError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return llmerrors.NewRateLimited("upstream rate limited", retryAfterMs)
	case statusCode == http.StatusNotImplemented:
		// 501 is explicitly excluded from "server_error" breaker-counting
		// per spec §4.1; callers treat it as a neutral non-retryable 4xx.
		return nil
	case statusCode >= 500:
		return llmerrors.NewServerError(statusCode, "upstream server error")
	default:
		return nil
	}
}
