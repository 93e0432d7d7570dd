// Package syncer keeps one internally consistent snapshot of agent
// observability data fresh against a set of independent backing engines.
//
// A Syncer resolves the symbolic window tag to a concrete range, fans one
// query per collaborator out concurrently for that range, and commits the
// joined result as the new snapshot only while its epoch is still current.
// Between full resyncs, push events are folded into the snapshot's bounded
// lists. Summary statistics are derived from the snapshot on every change,
// never by re-querying.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"agentdash/collab"
	"agentdash/trace"
	"agentdash/window"
)

const (
	defaultRefreshInterval = 5 * time.Second
	defaultTraceCap        = 100
	defaultViolationCap    = 200
	defaultTopN            = 5
	pendingMergeCap        = 256
)

// Options tunes a Syncer. Zero values fall back to defaults; Now and Logf
// exist so tests can drive time and capture degradation logs.
type Options struct {
	RefreshInterval     time.Duration
	CollaboratorTimeout time.Duration // 0 disables the per-call bound
	WindowTag           window.Tag
	TraceCap            int
	ViolationCap        int
	TopN                int
	Now                 func() time.Time
	Logf                func(format string, args ...any)
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.WindowTag == "" {
		o.WindowTag = window.TagDay
	}
	if o.TraceCap <= 0 {
		o.TraceCap = defaultTraceCap
	}
	if o.ViolationCap <= 0 {
		o.ViolationCap = defaultViolationCap
	}
	if o.TopN <= 0 {
		o.TopN = defaultTopN
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
	return o
}

// pendingMerge is one push event queued while a full resync is in flight.
// The merge has already been applied to the live snapshot; the queue exists
// so it can be replayed onto the post-resync snapshot too (replay is safe
// because merges are idempotent).
type pendingMerge struct {
	trace     *trace.AgentTrace
	violation *trace.Violation
}

type subToken struct {
	name string
	id   uint64
}

// Syncer owns the snapshot and the refresh loop. The rendering layer only
// reads through CurrentSnapshot/CurrentStats; all mutation goes through the
// scheduler and the merge path, serialized on one mutex.
type Syncer struct {
	opts  Options
	coord *coordinator

	events collab.EventSource

	mu            sync.Mutex
	snap          Snapshot
	stats         Stats
	epoch         uint64
	tag           window.Tag
	agentFilter   string
	inflight      bool
	inflightEpoch uint64
	pending       []pendingMerge
	running       bool
	pollOnly      bool
	lostLogged    bool
	subs          []subToken

	trigger chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// New builds a stopped Syncer around the given collaborators. The initial
// snapshot is empty with every field marked stale until the first refresh
// lands.
func New(collabs Collaborators, opts Options) *Syncer {
	opts = opts.withDefaults()
	s := &Syncer{
		opts: opts,
		coord: &coordinator{
			collabs:    collabs,
			timeout:    opts.CollaboratorTimeout,
			traceLimit: opts.TraceCap,
		},
		events: collabs.Events,
		tag:    opts.WindowTag,
	}
	s.snap = emptySnapshot(window.Resolve(s.tag, opts.Now()), s.epoch)
	s.stats = Aggregate(s.snap, opts.TopN)
	return s
}

// Start subscribes to the event source and launches the refresh loop: one
// immediate fetch, then one per interval. Starting a running Syncer is a
// no-op.
func (s *Syncer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.pollOnly = s.events == nil
	s.trigger = make(chan struct{}, 1)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.subscribeEvents()

	go s.run()
}

// Stop bumps the epoch so any in-flight fetch is discarded on arrival,
// stops the timer loop, and releases every event subscription exactly once.
// No further timers fire after Stop returns.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.epoch++
	subs := s.subs
	s.subs = nil
	s.pending = nil
	quit, done := s.quit, s.done
	s.mu.Unlock()

	close(quit)
	<-done

	if s.events != nil {
		for _, sub := range subs {
			s.events.Unsubscribe(sub.name, sub.id)
		}
	}
}

// CurrentSnapshot returns the latest committed snapshot. The contained
// slices are immutable once published; callers must not modify them.
func (s *Syncer) CurrentSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// CurrentStats returns the summary derived from the latest snapshot.
func (s *Syncer) CurrentStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SetWindowTag switches the symbolic range. The epoch bump invalidates any
// in-flight fetch and a fetch for the new window is issued immediately.
func (s *Syncer) SetWindowTag(tag window.Tag) {
	s.mu.Lock()
	if tag == s.tag {
		s.mu.Unlock()
		return
	}
	s.tag = tag
	s.epoch++
	s.mu.Unlock()
	s.requestRefresh()
}

// SetAgentFilter scopes all queries to one agent; the empty string clears
// the filter. Same cancellation contract as SetWindowTag.
func (s *Syncer) SetAgentFilter(agentID string) {
	s.mu.Lock()
	if agentID == s.agentFilter {
		s.mu.Unlock()
		return
	}
	s.agentFilter = agentID
	s.epoch++
	s.mu.Unlock()
	s.requestRefresh()
}

// MergeTrace folds one trace event into the snapshot: replace by TraceID if
// present, else prepend and truncate to the cap. Idempotent.
func (s *Syncer) MergeTrace(t trace.AgentTrace) {
	if t.TraceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, changed := mergeTrace(s.snap.Traces, t, s.opts.TraceCap)
	if changed {
		s.snap.Traces = list
		s.snap.Seq++
		s.recomputeStatsLocked()
	}
	s.queuePendingLocked(pendingMerge{trace: &t})
}

// MergeViolation folds one violation event into the matching list.
// Idempotent; a known ID is replaced in place (e.g. a resolution).
func (s *Syncer) MergeViolation(v trace.Violation) {
	if v.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyViolationLocked(v)
	s.queuePendingLocked(pendingMerge{violation: &v})
}

func (s *Syncer) applyViolationLocked(v trace.Violation) {
	var list []trace.Violation
	var changed bool
	switch v.Kind {
	case trace.KindPolicy:
		list, changed = mergeViolation(s.snap.PolicyViolations, v, s.opts.ViolationCap)
		if changed {
			s.snap.PolicyViolations = list
		}
	default:
		list, changed = mergeViolation(s.snap.SLAViolations, v, s.opts.ViolationCap)
		if changed {
			s.snap.SLAViolations = list
		}
	}
	if changed {
		s.snap.Seq++
		s.recomputeStatsLocked()
	}
}

func (s *Syncer) queuePendingLocked(pm pendingMerge) {
	if !s.inflight {
		return
	}
	if len(s.pending) >= pendingMergeCap {
		// The resync under way will re-derive the lists anyway; dropping the
		// oldest queued replay is safe.
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, pm)
}

func (s *Syncer) requestRefresh() {
	s.mu.Lock()
	trigger := s.trigger
	running := s.running
	s.mu.Unlock()
	if !running || trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

func (s *Syncer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	s.refreshOnce()
	for {
		select {
		case <-ticker.C:
			s.refreshOnce()
		case <-s.trigger:
			s.refreshOnce()
		case <-s.quit:
			return
		}
	}
}

// refreshOnce claims the in-flight slot and dispatches one full resync on
// its own goroutine: resolve the window, fan out, commit. The caller is
// never blocked by a slow collaborator, so the run loop can service a
// parameter-change trigger immediately while an older fetch is still out;
// commit's epoch check disposes of whichever result arrives stale. A call
// while a fetch for the same epoch is in flight is coalesced: the in-flight
// one will produce an equally current result.
func (s *Syncer) refreshOnce() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.inflight && s.inflightEpoch == s.epoch {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.inflight = true
	s.inflightEpoch = epoch
	w := window.Resolve(s.tag, s.opts.Now())
	filter := s.agentFilter
	s.mu.Unlock()

	go func() {
		s.commit(s.coord.fetch(context.Background(), w, filter, epoch))
	}()
}

// commit applies a joined fetch result. Stale results (epoch moved on while
// the fetch was in flight) are silently dropped; a slow response for an old
// window must never overwrite a newer snapshot.
func (s *Syncer) commit(res fetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight && s.inflightEpoch == res.epoch {
		s.inflight = false
	}
	if res.epoch != s.epoch || !s.running {
		return
	}

	prev := s.snap
	next := Snapshot{
		Window:         res.window,
		Epoch:          res.epoch,
		Seq:            prev.Seq + 1,
		FetchedAt:      s.opts.Now(),
		TraceCountHint: -1,
	}

	if res.tracesErr == nil {
		next.Traces = capList(res.traces, s.opts.TraceCap)
		next.Health.Traces = freshField()
	} else {
		next.Traces = prev.Traces
		next.Health.Traces = staleField(res.tracesErr)
		next.TraceCountHint = res.countHint
	}
	if res.costErr == nil {
		next.Cost = res.cost.Clone()
		next.Health.Cost = freshField()
	} else {
		next.Cost = prev.Cost
		next.Health.Cost = staleField(res.costErr)
	}
	if res.slaErr == nil {
		next.SLAViolations = capList(res.sla, s.opts.ViolationCap)
		next.Health.SLA = freshField()
	} else {
		next.SLAViolations = prev.SLAViolations
		next.Health.SLA = staleField(res.slaErr)
	}
	if res.policyErr == nil {
		next.PolicyViolations = capList(res.policy, s.opts.ViolationCap)
		next.Health.Policy = freshField()
	} else {
		next.PolicyViolations = prev.PolicyViolations
		next.Health.Policy = staleField(res.policyErr)
	}

	s.snap = next

	// Replay merges that raced the fan-out so none are lost to the wholesale
	// replacement. Idempotence makes double-application harmless.
	pending := s.pending
	s.pending = nil
	for _, pm := range pending {
		if pm.trace != nil {
			if list, changed := mergeTrace(s.snap.Traces, *pm.trace, s.opts.TraceCap); changed {
				s.snap.Traces = list
				s.snap.Seq++
			}
		}
		if pm.violation != nil {
			s.applyViolationLocked(*pm.violation)
		}
	}

	s.recomputeStatsLocked()
}

func (s *Syncer) recomputeStatsLocked() {
	s.stats = Aggregate(s.snap, s.opts.TopN)
}

func (s *Syncer) subscribeEvents() {
	if s.events == nil {
		return
	}
	subs := make([]subToken, 0, 4)
	add := func(name string, h collab.EventHandler) bool {
		id, err := s.events.Subscribe(name, h)
		if err != nil {
			s.opts.Logf("syncer: subscribe %s failed, polling only: %v", name, err)
			return false
		}
		subs = append(subs, subToken{name: name, id: id})
		return true
	}

	ok := add(collab.EventTraceCompleted, s.onTraceCompleted)
	ok = add(collab.EventViolationCreated, s.onViolation) && ok
	ok = add(collab.EventViolationDetected, s.onViolation) && ok
	add(collab.EventFeedLost, s.onFeedLost)

	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	if !ok {
		s.pollOnly = true
	}
	s.mu.Unlock()
}

func (s *Syncer) onTraceCompleted(ev collab.Event) {
	if ev.Trace == nil {
		return
	}
	s.MergeTrace(*ev.Trace)
}

// onViolation merges immediately for responsiveness and additionally
// triggers an out-of-band full resync: a new violation moves aggregate
// counters the merge path cannot re-derive on its own.
func (s *Syncer) onViolation(ev collab.Event) {
	if ev.Violation == nil {
		return
	}
	s.MergeViolation(*ev.Violation)
	s.requestRefresh()
}

// onFeedLost degrades to polling-only. Logged once; the periodic resync
// keeps the snapshot converging without the incremental stream.
func (s *Syncer) onFeedLost(collab.Event) {
	s.mu.Lock()
	logIt := !s.lostLogged
	s.lostLogged = true
	s.pollOnly = true
	s.mu.Unlock()
	if logIt {
		s.opts.Logf("syncer: event feed lost, continuing with periodic refresh only")
	}
}

// PollingOnly reports whether incremental delivery is currently trusted.
func (s *Syncer) PollingOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollOnly
}

func capList[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
