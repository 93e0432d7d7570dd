package eventfeed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"

	"agentdash/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errMissingIdentity marks a payload without its required identity field.
// Such events are dropped one at a time; they never take the feed down.
var errMissingIdentity = errors.New("event payload missing identity field")

type spanPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Depth      int    `json:"depth"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`
}

type tracePayload struct {
	TraceID    string        `json:"trace_id"`
	AgentID    string        `json:"agent_id"`
	AgentName  string        `json:"agent_name"`
	Operation  string        `json:"operation"`
	StartMs    int64         `json:"start_ms"`
	DurationMs int64         `json:"duration_ms"`
	Status     string        `json:"status"`
	TotalCost  float64       `json:"total_cost"`
	Spans      []spanPayload `json:"spans"`
}

type violationPayload struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	AgentID  string `json:"agent_id"`
	Metric   string `json:"metric"`
	Severity string `json:"severity"`
	TsMs     int64  `json:"ts_ms"`
	Resolved bool   `json:"resolved"`
}

func decodeTraceEvent(data []byte) (*trace.AgentTrace, error) {
	var p tracePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("trace payload: %w", err)
	}
	if p.TraceID == "" {
		return nil, fmt.Errorf("trace payload: %w", errMissingIdentity)
	}
	t := &trace.AgentTrace{
		TraceID:   p.TraceID,
		AgentID:   p.AgentID,
		AgentName: p.AgentName,
		Operation: p.Operation,
		StartTime: time.UnixMilli(p.StartMs).UTC(),
		Duration:  time.Duration(p.DurationMs) * time.Millisecond,
		Status:    trace.ParseStatus(p.Status),
		TotalCost: p.TotalCost,
	}
	for _, sp := range p.Spans {
		t.Spans = append(t.Spans, trace.Span{
			ID:       sp.ID,
			Name:     sp.Name,
			Type:     sp.Type,
			Depth:    sp.Depth,
			Duration: time.Duration(sp.DurationMs) * time.Millisecond,
			Status:   trace.ParseStatus(sp.Status),
		})
	}
	return t, nil
}

func decodeViolationEvent(data []byte) (*trace.Violation, error) {
	var p violationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("violation payload: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("violation payload: %w", errMissingIdentity)
	}
	kind := trace.ViolationKind(p.Kind)
	if kind != trace.KindPolicy {
		kind = trace.KindSLA
	}
	return &trace.Violation{
		ID:        p.ID,
		Kind:      kind,
		AgentID:   p.AgentID,
		Metric:    p.Metric,
		Severity:  trace.Severity(p.Severity),
		Timestamp: time.UnixMilli(p.TsMs).UTC(),
		Resolved:  p.Resolved,
	}, nil
}

// deduper suppresses broker redeliveries within a sliding window. The
// underlying delivery is at-least-once; merges downstream are idempotent,
// so dedupe here is volume control, not a correctness requirement. Keys are
// xxh3 over topic plus payload.
type deduper struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[uint64]time.Time
	lastPrune time.Time
	now       func() time.Time

	hits atomic.Uint64
}

func newDeduper(window time.Duration) *deduper {
	if window <= 0 {
		window = time.Minute
	}
	return &deduper{
		window: window,
		seen:   make(map[uint64]time.Time),
		now:    time.Now,
	}
}

// duplicate records the message and reports whether an identical one was
// already seen within the window. Expired entries are pruned at most once
// per half window, so the map stays bounded by the event rate times the
// window without paying a full sweep on every message.
func (d *deduper) duplicate(topic string, payload []byte) bool {
	h := xxh3.Hash(append([]byte(topic), payload...))
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.lastPrune) > d.window/2 {
		for key, when := range d.seen {
			if now.Sub(when) > d.window {
				delete(d.seen, key)
			}
		}
		d.lastPrune = now
	}
	if when, ok := d.seen[h]; ok && now.Sub(when) <= d.window {
		d.hits.Add(1)
		return true
	}
	d.seen[h] = now
	return false
}

// duplicates returns the suppressed-redelivery count.
func (d *deduper) duplicates() uint64 {
	return d.hits.Load()
}
