package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentdash/collab"
	"agentdash/trace"
	"agentdash/window"
)

// Collaborators bundles the backing engines a Syncer queries. Events may be
// nil; the synchronizer then runs polling-only. Any nil query port is
// reported as unavailable rather than crashing a refresh.
type Collaborators struct {
	Traces collab.TraceStore
	Costs  collab.CostEngine
	SLA    collab.SLAMonitor
	Policy collab.PolicyTracker
	Events collab.EventSource
}

// coordinator fans one refresh out to all four query ports concurrently and
// joins the results. Issuing the calls sequentially would let the wall clock
// drift between panels; every call here observes the same resolved window.
type coordinator struct {
	collabs    Collaborators
	timeout    time.Duration // per collaborator call; 0 disables
	traceLimit int
}

// fetchResult carries the joined outcome of one fan-out, tagged with the
// window it was queried over and the epoch it was issued under. Per-field
// errors are recorded, never raised: one dead collaborator must not blank
// the other panels.
type fetchResult struct {
	window window.Window
	epoch  uint64

	traces    []trace.AgentTrace
	tracesErr error

	cost    trace.CostAttribution
	costErr error

	sla    []trace.Violation
	slaErr error

	policy    []trace.Violation
	policyErr error

	countHint int // Statistics fallback when the trace query failed; -1 none
}

func (c *coordinator) fetch(ctx context.Context, w window.Window, agentFilter string, epoch uint64) fetchResult {
	res := fetchResult{window: w, epoch: epoch, countHint: -1}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		res.traces, res.tracesErr = c.queryTraces(ctx, w, agentFilter)
	}()
	go func() {
		defer wg.Done()
		res.cost, res.costErr = c.queryCost(ctx, w, agentFilter)
	}()
	go func() {
		defer wg.Done()
		res.sla, res.slaErr = c.queryViolations(ctx, c.collabs.SLA, trace.KindSLA, w, agentFilter)
	}()
	go func() {
		defer wg.Done()
		res.policy, res.policyErr = c.queryViolations(ctx, c.collabs.Policy, trace.KindPolicy, w, agentFilter)
	}()
	wg.Wait()

	if res.tracesErr != nil && c.collabs.Traces != nil {
		// Scalar fallback so the dashboard can still show a count while the
		// full trace query is down.
		callCtx, cancel := c.callContext(ctx)
		stats, err := c.collabs.Traces.Statistics(callCtx, w)
		cancel()
		if err == nil {
			res.countHint = stats.TraceCount
		}
	}
	return res
}

func (c *coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *coordinator) queryTraces(ctx context.Context, w window.Window, agentFilter string) ([]trace.AgentTrace, error) {
	if c.collabs.Traces == nil {
		return nil, fmt.Errorf("trace store: %w", collab.ErrUnavailable)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	traces, err := c.collabs.Traces.QueryTraces(callCtx, w, agentFilter, c.traceLimit)
	if err != nil {
		return nil, fmt.Errorf("trace store: %w", err)
	}
	return traces, nil
}

func (c *coordinator) queryCost(ctx context.Context, w window.Window, agentFilter string) (trace.CostAttribution, error) {
	if c.collabs.Costs == nil {
		return trace.CostAttribution{}, fmt.Errorf("cost engine: %w", collab.ErrUnavailable)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	cost, err := c.collabs.Costs.CostAttribution(callCtx, w, agentFilter)
	if err != nil {
		return trace.CostAttribution{}, fmt.Errorf("cost engine: %w", err)
	}
	return cost, nil
}

func (c *coordinator) queryViolations(ctx context.Context, q collab.ViolationQuerier, kind trace.ViolationKind, w window.Window, agentFilter string) ([]trace.Violation, error) {
	if q == nil {
		return nil, fmt.Errorf("%s tracker: %w", kind, collab.ErrUnavailable)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	violations, err := q.QueryViolations(callCtx, kind, w, agentFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("%s tracker: %w", kind, err)
	}
	return violations, nil
}
