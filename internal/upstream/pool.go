// Package upstream is the pooled HTTP/1.1 client that forwards requests to
// the selected provider and relays SSE streams back to the client (spec
// §4.8's forwarding step and §4.9's streaming contract). The connection
// pool and its hangup-triggered transport recycling are grounded on the
// provider connection-pool reference file retrieved alongside the teacher
// (see DESIGN.md); the SSE relay loop is grounded on the teacher's
// completions_handler.go.
package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig tunes the shared transport, mirroring the retrieved reference
// file's PoolConfig.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ExpectContinueTimeout time.Duration
	DisableCompression    bool

	// ConsecutiveHangupThreshold is how many consecutive connection-hangup
	// errors on one target trigger a transport recycle (spec §5 "on
	// repeated connection-hangup patterns (e.g. >= 3 consecutive), the pool
	// is recycled").
	ConsecutiveHangupThreshold int
}

// DefaultPoolConfig matches commonly seen production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:               256,
		MaxIdleConnsPerHost:        32,
		MaxConnsPerHost:            64,
		IdleConnTimeout:            90 * time.Second,
		TLSHandshakeTimeout:        10 * time.Second,
		DialTimeout:                10 * time.Second,
		KeepAlive:                  30 * time.Second,
		ExpectContinueTimeout:      time.Second,
		ConsecutiveHangupThreshold: 3,
	}
}

// ConnectionPool manages one shared *http.Transport per target host, with
// hangup-triggered recycling so a target stuck behind a broken keep-alive
// connection gets a fresh transport rather than retrying into the same
// dead sockets forever.
type ConnectionPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	hangups    map[string]*int64
	cfg        PoolConfig
}

// NewConnectionPool builds a pool using cfg for every target.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	return &ConnectionPool{
		transports: make(map[string]*http.Transport),
		clients:    make(map[string]*http.Client),
		hangups:    make(map[string]*int64),
		cfg:        cfg,
	}
}

// Client returns the shared *http.Client for target, creating it (and its
// transport) on first access.
func (p *ConnectionPool) Client(target string, timeout time.Duration) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[target]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[target]; ok {
		return c
	}
	return p.createLocked(target, timeout)
}

func (p *ConnectionPool) createLocked(target string, timeout time.Duration) *http.Client {
	t := p.newTransport()
	p.transports[target] = t
	counter := new(int64)
	p.hangups[target] = counter
	c := &http.Client{Transport: t, Timeout: timeout}
	p.clients[target] = c
	return c
}

func (p *ConnectionPool) newTransport() *http.Transport {
	cfg := p.cfg
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableCompression:    cfg.DisableCompression,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// RecordHangup registers a connection-hangup error against target. Once
// ConsecutiveHangupThreshold is reached, the target's transport is closed
// and rebuilt from scratch.
func (p *ConnectionPool) RecordHangup(target string, timeout time.Duration) {
	p.mu.Lock()
	counter, ok := p.hangups[target]
	p.mu.Unlock()
	if !ok {
		return
	}

	n := atomic.AddInt64(counter, 1)
	if int(n) < p.cfg.ConsecutiveHangupThreshold {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.transports[target]; ok {
		old.CloseIdleConnections()
	}
	delete(p.transports, target)
	delete(p.clients, target)
	p.createLocked(target, timeout)
	atomic.StoreInt64(counter, 0)
}

// RecordSuccess clears target's consecutive-hangup counter.
func (p *ConnectionPool) RecordSuccess(target string) {
	p.mu.RLock()
	counter, ok := p.hangups[target]
	p.mu.RUnlock()
	if ok {
		atomic.StoreInt64(counter, 0)
	}
}

// Close closes all idle connections across every target, used on shutdown.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
