package syncer

import (
	"fmt"
	"testing"
	"time"

	"agentdash/trace"
)

func testTrace(id string, status trace.Status, start time.Time) trace.AgentTrace {
	return trace.AgentTrace{
		TraceID:   id,
		AgentID:   "agent-1",
		Operation: "plan",
		StartTime: start,
		Status:    status,
		TotalCost: 0.01,
	}
}

func TestMergeTraceIdempotent(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	tr := testTrace("t1", trace.StatusSuccess, start)

	list, changed := mergeTrace(nil, tr, 100)
	if !changed || len(list) != 1 {
		t.Fatalf("first merge: changed=%v len=%d", changed, len(list))
	}
	again, changed := mergeTrace(list, tr, 100)
	if changed {
		t.Fatal("second merge of identical trace reported a change")
	}
	if len(again) != 1 || again[0].TraceID != "t1" {
		t.Fatalf("second merge altered the list: %+v", again)
	}
}

func TestMergeTraceReplacesInPlace(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var list []trace.AgentTrace
	for _, id := range []string{"t3", "t2", "t1"} {
		list, _ = mergeTrace(list, testTrace(id, trace.StatusRunning, start), 100)
	}
	// list is now [t1, t2, t3] most-recent-first.

	done := testTrace("t2", trace.StatusSuccess, start)
	merged, changed := mergeTrace(list, done, 100)
	if !changed {
		t.Fatal("status transition did not register as a change")
	}
	if len(merged) != 3 {
		t.Fatalf("length changed on replace: %d", len(merged))
	}
	if merged[1].TraceID != "t2" || merged[1].Status != trace.StatusSuccess {
		t.Fatalf("t2 not replaced in place: %+v", merged[1])
	}
	if merged[0].TraceID != "t1" || merged[2].TraceID != "t3" {
		t.Fatalf("unrelated entries reordered: %+v", merged)
	}
	// Copy-on-write: the published input list must be untouched.
	if list[1].Status != trace.StatusRunning {
		t.Fatal("input list mutated by merge")
	}
}

func TestMergeTraceBound(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var list []trace.AgentTrace
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("t%03d", i)
		list, _ = mergeTrace(list, testTrace(id, trace.StatusSuccess, start), 100)
		if len(list) > 100 {
			t.Fatalf("cap exceeded after %d merges: %d", i+1, len(list))
		}
	}
	if len(list) != 100 {
		t.Fatalf("len = %d, want 100", len(list))
	}
	if list[0].TraceID != "t149" {
		t.Fatalf("newest entry not first: %s", list[0].TraceID)
	}
}

func testViolation(id string, sev trace.Severity, ts time.Time) trace.Violation {
	return trace.Violation{
		ID:        id,
		Kind:      trace.KindSLA,
		AgentID:   "agent-1",
		Metric:    "latency_p99",
		Severity:  sev,
		Timestamp: ts,
	}
}

func TestMergeViolationIdempotentAndReplace(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	v := testViolation("v1", trace.SeverityHigh, ts)

	list, changed := mergeViolation(nil, v, 200)
	if !changed || len(list) != 1 {
		t.Fatalf("first merge: changed=%v len=%d", changed, len(list))
	}
	if _, changed := mergeViolation(list, v, 200); changed {
		t.Fatal("identical violation reported a change")
	}

	resolved := v
	resolved.Resolved = true
	merged, changed := mergeViolation(list, resolved, 200)
	if !changed || len(merged) != 1 || !merged[0].Resolved {
		t.Fatalf("resolution replace failed: changed=%v %+v", changed, merged)
	}
	if list[0].Resolved {
		t.Fatal("input list mutated by merge")
	}
}

func TestMergeViolationKeepsRecencyOrder(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var list []trace.Violation
	list, _ = mergeViolation(list, testViolation("old", trace.SeverityLow, base), 200)
	list, _ = mergeViolation(list, testViolation("new", trace.SeverityLow, base.Add(time.Hour)), 200)
	list, _ = mergeViolation(list, testViolation("mid", trace.SeverityCritical, base.Add(30*time.Minute)), 200)

	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (%+v)", i, list[i].ID, id, list)
		}
	}
}

func TestMergeViolationBound(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var list []trace.Violation
	for i := 0; i < 10; i++ {
		v := testViolation(fmt.Sprintf("v%d", i), trace.SeverityMedium, base.Add(time.Duration(i)*time.Minute))
		list, _ = mergeViolation(list, v, 5)
	}
	if len(list) != 5 {
		t.Fatalf("len = %d, want 5", len(list))
	}
	if list[0].ID != "v9" || list[4].ID != "v5" {
		t.Fatalf("oldest entries should fall off: %+v", list)
	}
}

func TestTopViolationsSeverityThenRecency(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	list := []trace.Violation{
		testViolation("a", trace.SeverityLow, base.Add(3*time.Minute)),
		testViolation("b", trace.SeverityCritical, base),
		testViolation("c", trace.SeverityHigh, base.Add(2*time.Minute)),
		testViolation("d", trace.SeverityHigh, base.Add(2*time.Minute)), // tie with c: id decides
		testViolation("e", trace.SeverityHigh, base.Add(4*time.Minute)),
	}

	top := TopViolations(list, 4)
	want := []string{"b", "e", "c", "d"}
	for i, id := range want {
		if top[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, top[i].ID, id)
		}
	}
	if list[0].ID != "a" {
		t.Fatal("TopViolations must not reorder its input")
	}
}
