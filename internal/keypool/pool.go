package keypool

import "sync"

// Pool stores keys in insertion order. Keys are only ever appended or
// replaced wholesale on reconfiguration (spec §3 "Key" lifecycle); there is
// no in-place removal API because hot-reload is a named Non-goal.
type Pool struct {
	mu   sync.RWMutex
	keys []*Key
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add appends a key, preserving insertion order.
func (p *Pool) Add(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, k)
}

// Keys returns a snapshot slice of all keys in insertion order.
func (p *Pool) Keys() []*Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Key, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Replace swaps the entire key set, used at startup and on reconfiguration.
func (p *Pool) Replace(keys []*Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = keys
}
