package syncer

import (
	"sort"

	"agentdash/trace"
	"agentdash/window"
)

// CostShare is one row of a top-N cost breakdown.
type CostShare struct {
	Key    string
	Amount float64
}

// Stats is the derived summary for the current snapshot. It is recomputed on
// every snapshot change and is never itself a source of truth.
type Stats struct {
	Window window.Window
	Seq    uint64

	TraceCount   int
	ActiveTraces int
	TotalCost    float64

	ActiveSLAViolations    int
	ActivePolicyViolations int

	CostByCategory []CostShare // descending amount, ties by key ascending
	CostByAgent    []CostShare
}

// Aggregate derives summary counters from a snapshot without re-querying any
// collaborator. Pure: no I/O, no mutation of the snapshot, identical input
// yields identical output (top-N ties break on the key for determinism).
//
// The trace list is the source for the cost total so the headline number and
// the trace panel always describe the same slice; the cost attribution
// contributes only the per-category and per-agent breakdowns.
func Aggregate(snap Snapshot, topN int) Stats {
	st := Stats{Window: snap.Window, Seq: snap.Seq}

	st.TraceCount = len(snap.Traces)
	if st.TraceCount == 0 && snap.TraceCountHint >= 0 {
		st.TraceCount = snap.TraceCountHint
	}
	for _, t := range snap.Traces {
		if t.Status == trace.StatusRunning {
			st.ActiveTraces++
		}
		st.TotalCost += t.TotalCost
	}

	for _, v := range snap.SLAViolations {
		if !v.Resolved {
			st.ActiveSLAViolations++
		}
	}
	for _, v := range snap.PolicyViolations {
		if !v.Resolved {
			st.ActivePolicyViolations++
		}
	}

	st.CostByCategory = topShares(snap.Cost.ByCategory, topN)
	st.CostByAgent = topShares(snap.Cost.ByAgent, topN)
	return st
}

func topShares(m map[string]float64, n int) []CostShare {
	if len(m) == 0 {
		return nil
	}
	out := make([]CostShare, 0, len(m))
	for k, v := range m {
		out = append(out, CostShare{Key: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
