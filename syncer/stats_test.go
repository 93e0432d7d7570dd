package syncer

import (
	"math"
	"reflect"
	"testing"
	"time"

	"agentdash/trace"
	"agentdash/window"
)

func TestAggregateTotalCostFromTraces(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := window.Resolve(window.TagDay, now)
	snap := emptySnapshot(w, 0)
	costs := []float64{0.01, 0.02, 0.03}
	for i, c := range costs {
		tr := testTrace(string(rune('a'+i)), trace.StatusSuccess, now.Add(-time.Minute))
		tr.TotalCost = c
		snap.Traces = append(snap.Traces, tr)
	}

	st := Aggregate(snap, 5)
	if st.TraceCount != 3 {
		t.Fatalf("trace count = %d, want 3", st.TraceCount)
	}
	if math.Abs(st.TotalCost-0.06) > 1e-9 {
		t.Fatalf("total cost = %v, want 0.06", st.TotalCost)
	}
}

func TestAggregateActiveCounts(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	snap := emptySnapshot(window.Resolve(window.TagDay, now), 0)
	snap.Traces = []trace.AgentTrace{
		testTrace("t1", trace.StatusRunning, now),
		testTrace("t2", trace.StatusSuccess, now),
		testTrace("t3", trace.StatusRunning, now),
	}
	unresolved := testViolation("v1", trace.SeverityHigh, now)
	resolved := testViolation("v2", trace.SeverityHigh, now)
	resolved.Resolved = true
	snap.SLAViolations = []trace.Violation{unresolved, resolved}
	pv := testViolation("p1", trace.SeverityLow, now)
	pv.Kind = trace.KindPolicy
	snap.PolicyViolations = []trace.Violation{pv}

	st := Aggregate(snap, 5)
	if st.ActiveTraces != 2 {
		t.Errorf("active traces = %d, want 2", st.ActiveTraces)
	}
	if st.ActiveSLAViolations != 1 {
		t.Errorf("active sla = %d, want 1", st.ActiveSLAViolations)
	}
	if st.ActivePolicyViolations != 1 {
		t.Errorf("active policy = %d, want 1", st.ActivePolicyViolations)
	}
}

func TestAggregateTopNDeterministicTies(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	snap := emptySnapshot(window.Resolve(window.TagDay, now), 0)
	snap.Cost = trace.CostAttribution{
		Total: 1.0,
		ByAgent: map[string]float64{
			"zeta":  0.25,
			"alpha": 0.25,
			"mid":   0.40,
			"tiny":  0.10,
		},
		WindowStart: snap.Window.Start,
		WindowEnd:   snap.Window.End,
	}

	st := Aggregate(snap, 3)
	want := []CostShare{
		{Key: "mid", Amount: 0.40},
		{Key: "alpha", Amount: 0.25},
		{Key: "zeta", Amount: 0.25},
	}
	if !reflect.DeepEqual(st.CostByAgent, want) {
		t.Fatalf("top agents = %+v, want %+v", st.CostByAgent, want)
	}

	// Referential transparency: same input, same output, no mutation.
	if again := Aggregate(snap, 3); !reflect.DeepEqual(again, st) {
		t.Fatalf("second aggregate differs: %+v vs %+v", again, st)
	}
}

func TestAggregateTraceCountHintFallback(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	snap := emptySnapshot(window.Resolve(window.TagDay, now), 0)
	snap.TraceCountHint = 7

	if st := Aggregate(snap, 5); st.TraceCount != 7 {
		t.Fatalf("trace count = %d, want hint 7", st.TraceCount)
	}

	snap.Traces = []trace.AgentTrace{testTrace("t1", trace.StatusSuccess, now)}
	if st := Aggregate(snap, 5); st.TraceCount != 1 {
		t.Fatal("fresh trace list must win over the hint")
	}
}
