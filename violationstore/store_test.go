package violationstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agentdash/trace"
	"agentdash/window"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func violation(id string, kind trace.ViolationKind, agent string, ts time.Time) trace.Violation {
	return trace.Violation{
		ID:        id,
		Kind:      kind,
		AgentID:   agent,
		Metric:    "latency_p99",
		Severity:  trace.SeverityHigh,
		Timestamp: ts,
	}
}

func TestQueryViolationsWindowKindAndOrder(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := window.Resolve(window.TagDay, now)

	for _, v := range []trace.Violation{
		violation("sla-old", trace.KindSLA, "a1", now.Add(-20*time.Hour)),
		violation("sla-new", trace.KindSLA, "a1", now.Add(-time.Minute)),
		violation("sla-outside", trace.KindSLA, "a1", now.Add(-30*time.Hour)),
		violation("pol-1", trace.KindPolicy, "a1", now.Add(-time.Hour)),
	} {
		if err := s.Upsert(v); err != nil {
			t.Fatalf("upsert %s: %v", v.ID, err)
		}
	}

	got, err := s.QueryViolations(context.Background(), trace.KindSLA, w, "", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d violations, want 2: %+v", len(got), got)
	}
	if got[0].ID != "sla-new" || got[1].ID != "sla-old" {
		t.Fatalf("not most-recent-first: %s, %s", got[0].ID, got[1].ID)
	}

	pol, err := s.QueryViolations(context.Background(), trace.KindPolicy, w, "", nil)
	if err != nil {
		t.Fatalf("query policy: %v", err)
	}
	if len(pol) != 1 || pol[0].ID != "pol-1" {
		t.Fatalf("kinds bled together: %+v", pol)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	v := violation("v1", trace.KindSLA, "a1", now.Add(-time.Hour))

	if err := s.Upsert(v); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(v); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryViolations(context.Background(), trace.KindSLA, window.Resolve(window.TagDay, now), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate upsert produced %d rows", len(got))
	}
}

func TestUpsertMovesTimestampWithoutDuplicating(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	v := violation("v1", trace.KindSLA, "a1", now.Add(-2*time.Hour))
	if err := s.Upsert(v); err != nil {
		t.Fatal(err)
	}
	v.Timestamp = now.Add(-time.Minute)
	if err := s.Upsert(v); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryViolations(context.Background(), trace.KindSLA, window.Resolve(window.TagDay, now), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("timestamp move left %d rows, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(now.Add(-time.Minute)) {
		t.Fatalf("timestamp not updated: %v", got[0].Timestamp)
	}
}

func TestResolveAndFilters(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := window.Resolve(window.TagDay, now)

	if err := s.Upsert(violation("v1", trace.KindSLA, "a1", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(violation("v2", trace.KindSLA, "a2", now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Resolve("v1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Unknown ids are tolerated.
	if err := s.Resolve("ghost"); err != nil {
		t.Fatalf("resolve unknown: %v", err)
	}

	v1, ok, err := s.Get("v1")
	if err != nil || !ok {
		t.Fatalf("get v1: ok=%v err=%v", ok, err)
	}
	if !v1.Resolved {
		t.Fatal("v1 should be resolved")
	}

	unresolved := false
	open, err := s.QueryViolations(context.Background(), trace.KindSLA, w, "", &unresolved)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "v2" {
		t.Fatalf("unresolved filter: %+v", open)
	}

	scoped, err := s.QueryViolations(context.Background(), trace.KindSLA, w, "a2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].AgentID != "a2" {
		t.Fatalf("agent filter: %+v", scoped)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s, err := Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		v := violation(fmt.Sprintf("v%d", i), trace.KindSLA, "a1", now.Add(-time.Duration(i+1)*time.Minute))
		if err := s.Upsert(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.QueryViolations(context.Background(), trace.KindSLA, window.Resolve(window.TagDay, now), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("reopen lost rows: %d of 10", len(got))
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	s.Close()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if err := s.Upsert(violation("v1", trace.KindSLA, "a1", now)); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
