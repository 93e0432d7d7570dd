// Package collab declares the ports the synchronizer expects its backing
// engines to satisfy: windowed query contracts for the trace store, cost
// engine and the two violation trackers, plus the push-event subscription
// contract. The engines themselves live elsewhere; everything here is an
// interface boundary.
package collab

import (
	"context"
	"errors"
	"time"

	"agentdash/trace"
	"agentdash/window"
)

// ErrUnavailable marks a collaborator call that failed or timed out.
// The coordinator records it per field instead of raising it.
var ErrUnavailable = errors.New("collaborator unavailable")

// WindowStatistics is the scalar cross-check a trace store can answer even
// when a full trace query is too expensive or has just failed.
type WindowStatistics struct {
	TraceCount  int
	ActiveCount int
	ErrorCount  int
}

// TraceStore serves agent traces scoped to one window.
// Results are most-recent-first and bounded by limit.
type TraceStore interface {
	QueryTraces(ctx context.Context, w window.Window, agentFilter string, limit int) ([]trace.AgentTrace, error)
	Statistics(ctx context.Context, w window.Window) (WindowStatistics, error)
}

// CostEngine answers the cost breakdown for exactly one window. The returned
// attribution must be stamped with the window it was computed over.
type CostEngine interface {
	CostAttribution(ctx context.Context, w window.Window, agentFilter string) (trace.CostAttribution, error)
}

// ViolationQuerier is the shared query shape of the SLA monitor and the
// policy tracker. A nil resolved filter returns both resolved and active
// violations.
type ViolationQuerier interface {
	QueryViolations(ctx context.Context, kind trace.ViolationKind, w window.Window, agentFilter string, resolved *bool) ([]trace.Violation, error)
}

// SLAMonitor and PolicyTracker are distinct ports even though the contract
// is identical: deployments back them with different engines.
type SLAMonitor interface{ ViolationQuerier }

// PolicyTracker tracks governance/policy breaches.
type PolicyTracker interface{ ViolationQuerier }

// Push-event names delivered by an EventSource.
const (
	EventTraceCompleted    = "trace:completed"
	EventViolationCreated  = "violation:created"
	EventViolationDetected = "violation:detected"

	// EventFeedLost is a control event: the transport behind the source
	// dropped and incremental delivery can no longer be trusted.
	EventFeedLost = "feed:lost"
)

// Event is one push notification. Exactly one of Trace and Violation is set
// for data events; both are nil for EventFeedLost.
type Event struct {
	Name       string
	Trace      *trace.AgentTrace
	Violation  *trace.Violation
	ReceivedAt time.Time
}

// EventHandler receives events on the source's dispatch goroutine and must
// not block.
type EventHandler func(Event)

// EventSource is the subscription contract. Subscribe returns a token for
// exactly-once release; Unsubscribe with an unknown token is a no-op. The
// synchronizer owns its subscriptions and releases them at teardown.
type EventSource interface {
	Subscribe(name string, h EventHandler) (uint64, error)
	Unsubscribe(name string, id uint64)
}
