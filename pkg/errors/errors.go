// Package errors defines the unified error taxonomy used across the proxy.
// Every failure the dispatch pipeline can produce is mapped to a ProxyError
// so the retry loop, the circuit breaker, and the client response all agree
// on whether a failure is retryable.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. See spec §7 for the full taxonomy.
type Kind string

const (
	KindTimeout                  Kind = "timeout"
	KindSocketHangup             Kind = "socket_hangup"
	KindConnectionRefused        Kind = "connection_refused"
	KindDNSFailure               Kind = "dns_failure"
	KindServerError              Kind = "server_error"
	KindRateLimited              Kind = "rate_limited"
	KindBadRequest               Kind = "bad_request"
	KindQueueFull                Kind = "queue_full"
	KindQueueTimeout             Kind = "queue_timeout"
	KindPoolExhausted            Kind = "pool_exhausted"
	KindPoolCooldown             Kind = "pool_cooldown"
	KindProviderNoKeysConfigured Kind = "provider_no_keys_configured"
	KindShutdown                 Kind = "shutdown"
)

// retryablePolicy mirrors spec §7's table.
var retryablePolicy = map[Kind]bool{
	KindTimeout:                  true,
	KindSocketHangup:             true,
	KindConnectionRefused:        true,
	KindDNSFailure:               true,
	KindServerError:              true,
	KindRateLimited:              true,
	KindBadRequest:               false,
	KindQueueFull:                false,
	KindQueueTimeout:             false,
	KindPoolExhausted:            true,
	KindPoolCooldown:             true,
	KindProviderNoKeysConfigured: false,
	KindShutdown:                 false,
}

// breakerCounts reports whether a Kind advances a circuit breaker's
// consecutive-failure counter (spec §4.1 "Error-kind policy").
var breakerCounts = map[Kind]bool{
	KindTimeout:           true,
	KindSocketHangup:      true,
	KindConnectionRefused: true,
	KindServerError:       true,
	KindDNSFailure:        true,
}

// CountsAgainstBreaker reports whether kind is an "upstream failure" per
// §4.1: only these kinds advance a key's circuit breaker.
func CountsAgainstBreaker(k Kind) bool {
	return breakerCounts[k]
}

// ProxyError is the unified error type returned by every proxy component.
type ProxyError struct {
	Kind       Kind   `json:"errorType"`
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int64  `json:"retryAfter,omitempty"` // milliseconds, 0 = unset
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d retryable=%t)", e.Kind, e.Message, e.StatusCode, e.Retryable)
}

// HTTPStatusCode returns the status code to surface to the client.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// New builds a ProxyError for kind, looking up its retryability in the
// policy table unless explicitly overridden by callers via the returned
// value's Retryable field.
func New(kind Kind, statusCode int, message string) *ProxyError {
	return &ProxyError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryablePolicy[kind],
	}
}

func NewTimeout(message string) *ProxyError {
	return New(KindTimeout, http.StatusGatewayTimeout, message)
}

func NewSocketHangup(message string) *ProxyError {
	return New(KindSocketHangup, http.StatusBadGateway, message)
}

func NewConnectionRefused(message string) *ProxyError {
	return New(KindConnectionRefused, http.StatusBadGateway, message)
}

func NewDNSFailure(message string) *ProxyError {
	return New(KindDNSFailure, http.StatusBadGateway, message)
}

// NewServerError wraps an upstream 5xx. Per §4.1, HTTP 501 is excluded from
// the "server_error" breaker-counting classification by callers checking the
// original status code before calling this constructor.
func NewServerError(statusCode int, message string) *ProxyError {
	return New(KindServerError, statusCode, message)
}

func NewRateLimited(message string, retryAfterMs int64) *ProxyError {
	e := New(KindRateLimited, http.StatusTooManyRequests, message)
	e.RetryAfter = retryAfterMs
	return e
}

func NewBadRequest(message string) *ProxyError {
	return New(KindBadRequest, http.StatusBadRequest, message)
}

func NewQueueFull(message string) *ProxyError {
	return New(KindQueueFull, http.StatusServiceUnavailable, message)
}

func NewQueueTimeout(message string) *ProxyError {
	return New(KindQueueTimeout, http.StatusServiceUnavailable, message)
}

func NewPoolExhausted(message string) *ProxyError {
	return New(KindPoolExhausted, http.StatusServiceUnavailable, message)
}

func NewPoolCooldown(message string, retryAfterMs int64) *ProxyError {
	e := New(KindPoolCooldown, http.StatusServiceUnavailable, message)
	e.RetryAfter = retryAfterMs
	return e
}

func NewProviderNoKeysConfigured(message string) *ProxyError {
	return New(KindProviderNoKeysConfigured, http.StatusServiceUnavailable, message)
}

func NewShutdown(message string) *ProxyError {
	return New(KindShutdown, http.StatusServiceUnavailable, message)
}

// NewPayloadTooLarge is not part of the Kind taxonomy (it never reaches the
// retry loop) but shares the same response envelope.
func NewPayloadTooLarge(message string) *ProxyError {
	return &ProxyError{
		Kind:       "payload_too_large",
		StatusCode: http.StatusRequestEntityTooLarge,
		Message:    message,
		Retryable:  false,
	}
}

// As reports whether err is (or wraps) a *ProxyError, mirroring errors.As
// without requiring callers to import the standard errors package just for
// this common case.
func As(err error) (*ProxyError, bool) {
	var pe *ProxyError
	ok := stderrors.As(err, &pe)
	return pe, ok
}
