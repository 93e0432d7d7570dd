package syncer

import (
	"sort"

	"agentdash/trace"
)

// Merge operations fold individual push events into the snapshot's
// list-shaped fields between full resyncs. The event source delivers
// at-least-once, so every operation here is idempotent: applying the same
// event twice leaves the list exactly as one application would.
//
// Lists are treated as immutable once published; a merge that changes
// anything builds a fresh slice (copy-on-write) so concurrent readers of an
// already-returned snapshot never observe a partial update.

// mergeTrace replaces an existing entry by TraceID in place, or prepends and
// truncates to limit. Unrelated entries keep their order. Returns the
// resulting list and whether anything changed.
func mergeTrace(list []trace.AgentTrace, t trace.AgentTrace, limit int) ([]trace.AgentTrace, bool) {
	for i := range list {
		if list[i].TraceID != t.TraceID {
			continue
		}
		if equalTrace(list[i], t) {
			return list, false
		}
		out := make([]trace.AgentTrace, len(list))
		copy(out, list)
		out[i] = t
		return out, true
	}
	out := make([]trace.AgentTrace, 0, len(list)+1)
	out = append(out, t)
	out = append(out, list...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

// equalTrace compares the fields a trace:completed event can carry. Spans
// are compared by length only; producers never shrink a span list for the
// same trace id.
func equalTrace(a, b trace.AgentTrace) bool {
	return a.TraceID == b.TraceID &&
		a.AgentID == b.AgentID &&
		a.AgentName == b.AgentName &&
		a.Operation == b.Operation &&
		a.StartTime.Equal(b.StartTime) &&
		a.Duration == b.Duration &&
		a.Status == b.Status &&
		a.TotalCost == b.TotalCost &&
		len(a.Spans) == len(b.Spans)
}

// mergeViolation replaces an existing entry by ID (e.g. a resolution), or
// inserts keeping timestamp-descending history order, truncating the oldest
// beyond cap. Display-priority ordering (severity then recency) is a view
// concern; see TopViolations.
func mergeViolation(list []trace.Violation, v trace.Violation, limit int) ([]trace.Violation, bool) {
	for i := range list {
		if list[i].ID != v.ID {
			continue
		}
		if list[i] == v {
			return list, false
		}
		out := make([]trace.Violation, len(list))
		copy(out, list)
		out[i] = v
		return out, true
	}
	pos := len(list)
	for i := range list {
		if list[i].Timestamp.Before(v.Timestamp) {
			pos = i
			break
		}
	}
	out := make([]trace.Violation, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, v)
	out = append(out, list[pos:]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

// TopViolations returns the n highest-priority entries for a "top N" panel:
// severity first, then recency, then ID for a stable total order. The input
// is not modified.
func TopViolations(list []trace.Violation, n int) []trace.Violation {
	out := make([]trace.Violation, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
