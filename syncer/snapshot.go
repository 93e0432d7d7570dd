package syncer

import (
	"time"

	"agentdash/trace"
	"agentdash/window"
)

// FieldHealth records whether one collaborator-backed snapshot field is
// fresh. A failed fetch leaves the previous contents in place and flips
// Stale with the recorded error instead of zeroing the field.
type FieldHealth struct {
	Stale bool
	Err   string
}

func freshField() FieldHealth { return FieldHealth{} }

func staleField(err error) FieldHealth {
	h := FieldHealth{Stale: true}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}

// Health tracks per-field freshness for the four collaborator-backed fields.
type Health struct {
	Traces FieldHealth
	Cost   FieldHealth
	SLA    FieldHealth
	Policy FieldHealth
}

// AllStale reports total collaborator failure. The rendering layer shows
// "no data" for such a snapshot; nothing here is fatal.
func (h Health) AllStale() bool {
	return h.Traces.Stale && h.Cost.Stale && h.SLA.Stale && h.Policy.Stale
}

// Snapshot is the aggregate root: one internally consistent view of all
// collaborator data for a single window. Snapshots are immutable once
// published; merges and resyncs build a successor rather than mutating
// shared slices.
//
// Epoch identifies the query-parameter set the snapshot was fetched under
// and only changes when the window tag or agent filter changes (or at
// teardown). Seq increases on every committed mutation, full resync and
// incremental merge alike, so readers can cheaply detect change.
type Snapshot struct {
	Window window.Window

	Traces           []trace.AgentTrace // most-recent-first, bounded
	Cost             trace.CostAttribution
	SLAViolations    []trace.Violation // timestamp-descending, bounded
	PolicyViolations []trace.Violation

	Health Health

	// TraceCountHint is the scalar fallback from Statistics when the full
	// trace query failed; -1 when absent. A fresh trace list always wins.
	TraceCountHint int

	Epoch     uint64
	Seq       uint64
	FetchedAt time.Time
}

func emptySnapshot(w window.Window, epoch uint64) Snapshot {
	pending := FieldHealth{Stale: true, Err: "awaiting first refresh"}
	return Snapshot{
		Window:         w,
		Health:         Health{Traces: pending, Cost: pending, SLA: pending, Policy: pending},
		TraceCountHint: -1,
		Epoch:          epoch,
	}
}

// ActiveViolations filters out resolved entries without reordering.
func ActiveViolations(list []trace.Violation) []trace.Violation {
	out := make([]trace.Violation, 0, len(list))
	for _, v := range list {
		if !v.Resolved {
			out = append(out, v)
		}
	}
	return out
}
