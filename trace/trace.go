// Package trace defines the canonical domain records shared by the
// synchronizer core and the collaborator adapters: agent traces with their
// spans, windowed cost attributions, and SLA/policy violations.
package trace

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an AgentTrace.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the trace can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus normalizes a wire status string. Unknown values map to
// StatusRunning so a half-written event never marks a trace terminal.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	case StatusTimeout:
		return StatusTimeout
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// Span is one step inside an AgentTrace. Ordering is execution order and
// Depth is the nesting level; both are assigned by the producing agent.
type Span struct {
	ID       string
	Name     string
	Type     string
	Depth    int
	Duration time.Duration
	Status   Status
}

// AgentTrace is one end-to-end agent operation. Immutable once Status is
// terminal; a running trace may be replaced wholesale by a later version
// carrying the same TraceID.
type AgentTrace struct {
	TraceID   string
	AgentID   string
	AgentName string
	Operation string
	StartTime time.Time
	Duration  time.Duration
	Status    Status
	TotalCost float64
	Spans     []Span
}

// CostAttribution is the cost breakdown for exactly one query window.
// It is never merged across windows; the window stamps identify the slice
// the totals were computed over.
type CostAttribution struct {
	Total       float64
	ByCategory  map[string]float64
	ByAgent     map[string]float64
	WindowStart time.Time
	WindowEnd   time.Time
}

// Clone returns a deep copy so a published snapshot never shares maps with
// a caller that keeps mutating its own attribution.
func (c CostAttribution) Clone() CostAttribution {
	out := c
	if c.ByCategory != nil {
		out.ByCategory = make(map[string]float64, len(c.ByCategory))
		for k, v := range c.ByCategory {
			out.ByCategory[k] = v
		}
	}
	if c.ByAgent != nil {
		out.ByAgent = make(map[string]float64, len(c.ByAgent))
		for k, v := range c.ByAgent {
			out.ByAgent[k] = v
		}
	}
	return out
}

// Severity ranks violations for display. Order matters: higher is worse.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight, 0 for unknown severities so malformed
// input sorts last rather than first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ViolationKind separates the two violation-tracking collaborators.
type ViolationKind string

const (
	KindSLA    ViolationKind = "sla"
	KindPolicy ViolationKind = "policy"
)

// Violation is an SLA or policy breach reported against one agent.
// Resolved violations leave "active" views but stay in history.
type Violation struct {
	ID        string
	Kind      ViolationKind
	AgentID   string
	Metric    string
	Severity  Severity
	Timestamp time.Time
	Resolved  bool
}
