// Package tracer stores a bounded ring of per-request traces, each an
// append-only list of attempt sub-records finalized at response end (spec
// §4.9). Unlike internal/ringbuffer's fixed-size numeric samples, a trace
// record is a struct; this ring overwrites oldest-first at a fixed
// capacity the same way, just over []Trace instead of []int64.
package tracer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attempt is one dispatch attempt within a request.
type Attempt struct {
	KeyID      string
	Model      string
	StatusCode int
	DurationMs int64
	ErrorKind  string
}

// Trace is one finalized request record.
type Trace struct {
	TraceID       string
	StartTime     time.Time
	EndTime       time.Time
	Path          string
	ClientModel   string
	ResolvedModel string
	Tier          string
	Attempts      []Attempt
	FinalStatus   int
	TotalDuration time.Duration
	Success       bool
	InputTokens   int64
	OutputTokens  int64
}

// Builder accumulates one in-flight request's attempts before it is
// finalized and pushed into the ring.
type Builder struct {
	trace Trace
}

// New starts a Builder with a fresh trace ID.
func New(path, clientModel string) *Builder {
	return &Builder{trace: Trace{
		TraceID:     uuid.NewString(),
		StartTime:   time.Now(),
		Path:        path,
		ClientModel: clientModel,
	}}
}

// TraceID returns the builder's generated trace ID.
func (b *Builder) TraceID() string { return b.trace.TraceID }

// SetResolved records the tier/model the router resolved for this request.
func (b *Builder) SetResolved(tier, model string) {
	b.trace.Tier = tier
	b.trace.ResolvedModel = model
}

// AddAttempt appends one dispatch attempt.
func (b *Builder) AddAttempt(a Attempt) {
	b.trace.Attempts = append(b.trace.Attempts, a)
}

// SetTokens records input/output token accounting for the final attempt.
func (b *Builder) SetTokens(input, output int64) {
	b.trace.InputTokens = input
	b.trace.OutputTokens = output
}

// Finalize closes out the trace and returns it for storage.
func (b *Builder) Finalize(finalStatus int, success bool) Trace {
	b.trace.EndTime = time.Now()
	b.trace.TotalDuration = b.trace.EndTime.Sub(b.trace.StartTime)
	b.trace.FinalStatus = finalStatus
	b.trace.Success = success
	return b.trace
}

// Ring is a fixed-capacity, overwrite-oldest store of finalized traces.
type Ring struct {
	mu       sync.Mutex
	data     []Trace
	head     int
	count    int
	capacity int
}

// NewRing builds a Ring with the given capacity (spec default 1000).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{data: make([]Trace, capacity), capacity: capacity}
}

// Add stores t, overwriting the oldest entry once at capacity.
func (r *Ring) Add(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % r.capacity
	if r.count < r.capacity {
		r.count++
	} else {
		r.head = (r.head + 1) % r.capacity
		idx = (r.head + r.capacity - 1) % r.capacity
	}
	r.data[idx] = t
}

// Filter is the query surface of spec §4.9.
type Filter struct {
	Success     *bool
	Model       string
	HasRetries  *bool
	MinDuration time.Duration
	Since       time.Time
	Limit       int
}

// Query returns traces matching f, most recent first, capped at f.Limit (0
// = unlimited).
func (r *Ring) Query(f Filter) []Trace {
	r.mu.Lock()
	snapshot := make([]Trace, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % r.capacity
		snapshot[i] = r.data[idx]
	}
	r.mu.Unlock()

	var out []Trace
	for i := len(snapshot) - 1; i >= 0; i-- {
		t := snapshot[i]
		if !matches(t, f) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(t Trace, f Filter) bool {
	if f.Success != nil && t.Success != *f.Success {
		return false
	}
	if f.Model != "" && t.ResolvedModel != f.Model {
		return false
	}
	if f.HasRetries != nil && (len(t.Attempts) > 1) != *f.HasRetries {
		return false
	}
	if f.MinDuration > 0 && t.TotalDuration < f.MinDuration {
		return false
	}
	if !f.Since.IsZero() && t.StartTime.Before(f.Since) {
		return false
	}
	return true
}
