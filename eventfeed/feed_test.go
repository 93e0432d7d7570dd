package eventfeed

import (
	"sync"
	"testing"
	"time"

	"agentdash/collab"
	"agentdash/trace"
)

func TestRegistryPublishReachesAllHandlers(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var got []string

	for _, tag := range []string{"first", "second"} {
		tag := tag
		if _, err := r.Subscribe(collab.EventTraceCompleted, func(ev collab.Event) {
			mu.Lock()
			got = append(got, tag+":"+ev.Trace.TraceID)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}

	r.Publish(collab.Event{
		Name:  collab.EventTraceCompleted,
		Trace: &trace.AgentTrace{TraceID: "t1"},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handlers called %d times, want 2: %v", len(got), got)
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry()
	var calls int
	id, err := r.Subscribe(collab.EventViolationCreated, func(collab.Event) { calls++ })
	if err != nil {
		t.Fatal(err)
	}

	r.Unsubscribe(collab.EventViolationCreated, id)
	r.Unsubscribe(collab.EventViolationCreated, id) // no-op
	r.Unsubscribe("never-registered", 99)           // no-op

	r.Publish(collab.Event{Name: collab.EventViolationCreated})
	if calls != 0 {
		t.Fatalf("released handler still called %d times", calls)
	}
	if n := r.HandlerCount(collab.EventViolationCreated); n != 0 {
		t.Fatalf("handler count = %d, want 0", n)
	}
	if _, dropped := r.Counts(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestRegistryHandlerMayUnsubscribeItself(t *testing.T) {
	r := NewRegistry()
	var id uint64
	var calls int
	id, _ = r.Subscribe(collab.EventFeedLost, func(collab.Event) {
		calls++
		r.Unsubscribe(collab.EventFeedLost, id)
	})

	r.Publish(collab.Event{Name: collab.EventFeedLost})
	r.Publish(collab.Event{Name: collab.EventFeedLost})
	if calls != 1 {
		t.Fatalf("self-releasing handler called %d times, want 1", calls)
	}
}

func TestDecodeTraceEvent(t *testing.T) {
	payload := []byte(`{
		"trace_id": "t1", "agent_id": "a1", "agent_name": "Support Bot",
		"operation": "respond", "start_ms": 1756120000000, "duration_ms": 2500,
		"status": "success", "total_cost": 0.031,
		"spans": [{"id": "s1", "name": "plan", "type": "llm", "depth": 0, "duration_ms": 900, "status": "success"}]
	}`)
	tr, err := decodeTraceEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.TraceID != "t1" || tr.Status != trace.StatusSuccess || tr.Duration != 2500*time.Millisecond {
		t.Fatalf("decoded trace: %+v", tr)
	}
	if len(tr.Spans) != 1 || tr.Spans[0].Name != "plan" {
		t.Fatalf("decoded spans: %+v", tr.Spans)
	}
	if !tr.StartTime.Equal(time.UnixMilli(1756120000000).UTC()) {
		t.Fatalf("start time: %v", tr.StartTime)
	}
}

func TestDecodeTraceEventRejectsMissingID(t *testing.T) {
	if _, err := decodeTraceEvent([]byte(`{"agent_id": "a1"}`)); err == nil {
		t.Fatal("expected an error for a trace without an id")
	}
	if _, err := decodeTraceEvent([]byte(`{not json`)); err == nil {
		t.Fatal("expected an error for malformed json")
	}
}

func TestDecodeViolationEventKindDefault(t *testing.T) {
	v, err := decodeViolationEvent([]byte(`{"id": "v1", "kind": "policy", "severity": "high", "ts_ms": 1756120000000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind != trace.KindPolicy || v.Severity != trace.SeverityHigh {
		t.Fatalf("decoded violation: %+v", v)
	}

	v, err = decodeViolationEvent([]byte(`{"id": "v2", "kind": "something-new"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind != trace.KindSLA {
		t.Fatalf("unknown kind should default to sla, got %q", v.Kind)
	}

	if _, err := decodeViolationEvent([]byte(`{"kind": "sla"}`)); err == nil {
		t.Fatal("expected an error for a violation without an id")
	}
}

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	d := newDeduper(time.Minute)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	topic := "agentobs/trace/completed"
	payload := []byte(`{"trace_id":"t1"}`)

	if d.duplicate(topic, payload) {
		t.Fatal("first delivery flagged as duplicate")
	}
	if !d.duplicate(topic, payload) {
		t.Fatal("redelivery within the window not suppressed")
	}
	if d.duplicate(topic, []byte(`{"trace_id":"t2"}`)) {
		t.Fatal("different payload suppressed")
	}
	if d.duplicate("other/topic", payload) {
		t.Fatal("same payload on a different topic suppressed")
	}

	clock = clock.Add(2 * time.Minute)
	if d.duplicate(topic, payload) {
		t.Fatal("delivery after the window expired still suppressed")
	}
	if d.duplicates() != 1 {
		t.Fatalf("duplicates = %d, want 1", d.duplicates())
	}
}
