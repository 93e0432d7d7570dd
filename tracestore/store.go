// Package tracestore persists agent traces, spans and cost line items in
// SQLite and serves the windowed queries the synchronizer's trace-store and
// cost-engine ports require. One store instance owns one database file.
package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentdash/collab"
	"agentdash/trace"
	"agentdash/window"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("tracestore: store is closed")

const schema = `
create table if not exists traces (
	trace_id    text primary key,
	agent_id    text not null,
	agent_name  text not null,
	operation   text not null,
	start_ms    integer not null,
	duration_ms integer not null,
	status      text not null,
	total_cost  real not null
);
create index if not exists idx_traces_start on traces(start_ms);
create index if not exists idx_traces_agent on traces(agent_id, start_ms);

create table if not exists spans (
	trace_id    text not null,
	seq         integer not null,
	span_id     text not null,
	name        text not null,
	span_type   text not null,
	depth       integer not null,
	duration_ms integer not null,
	status      text not null,
	primary key (trace_id, seq)
);

create table if not exists costs (
	trace_id text not null,
	agent_id text not null,
	category text not null,
	amount   real not null,
	at_ms    integer not null
);
create index if not exists idx_costs_at on costs(at_ms);
create index if not exists idx_costs_agent on costs(agent_id, at_ms);
`

// CostItem is one attributable cost line recorded alongside a trace.
type CostItem struct {
	Category string
	Amount   float64
}

// Store is a SQLite-backed trace store. It implements collab.TraceStore and
// collab.CostEngine.
type Store struct {
	db     *sql.DB
	path   string
	closed bool
}

// Open creates the parent directory, opens the database and applies the
// schema. Connections are serialized and WAL-mode with a busy timeout so a
// slow concurrent writer degrades to waiting instead of erroring.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tracestore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tracestore: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"pragma journal_mode=WAL",
		"pragma busy_timeout=5000",
		"pragma synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("tracestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RecordTrace upserts a trace together with its spans and cost lines in one
// transaction. Re-recording the same trace id replaces spans and costs
// wholesale, which keeps running→terminal status transitions simple.
func (s *Store) RecordTrace(ctx context.Context, t trace.AgentTrace, costs []CostItem) error {
	if s == nil || s.closed {
		return ErrClosed
	}
	if strings.TrimSpace(t.TraceID) == "" {
		return errors.New("tracestore: trace id is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tracestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into traces (trace_id, agent_id, agent_name, operation, start_ms, duration_ms, status, total_cost)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(trace_id) do update set
			agent_id=excluded.agent_id, agent_name=excluded.agent_name,
			operation=excluded.operation, start_ms=excluded.start_ms,
			duration_ms=excluded.duration_ms, status=excluded.status,
			total_cost=excluded.total_cost`,
		t.TraceID, t.AgentID, t.AgentName, t.Operation,
		t.StartTime.UnixMilli(), t.Duration.Milliseconds(), string(t.Status), t.TotalCost)
	if err != nil {
		return fmt.Errorf("tracestore: upsert trace %s: %w", t.TraceID, err)
	}

	if _, err := tx.ExecContext(ctx, "delete from spans where trace_id = ?", t.TraceID); err != nil {
		return fmt.Errorf("tracestore: clear spans %s: %w", t.TraceID, err)
	}
	for i, sp := range t.Spans {
		_, err := tx.ExecContext(ctx, `
			insert into spans (trace_id, seq, span_id, name, span_type, depth, duration_ms, status)
			values (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TraceID, i, sp.ID, sp.Name, sp.Type, sp.Depth, sp.Duration.Milliseconds(), string(sp.Status))
		if err != nil {
			return fmt.Errorf("tracestore: insert span %s/%d: %w", t.TraceID, i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "delete from costs where trace_id = ?", t.TraceID); err != nil {
		return fmt.Errorf("tracestore: clear costs %s: %w", t.TraceID, err)
	}
	for _, item := range costs {
		_, err := tx.ExecContext(ctx, `
			insert into costs (trace_id, agent_id, category, amount, at_ms)
			values (?, ?, ?, ?, ?)`,
			t.TraceID, t.AgentID, item.Category, item.Amount, t.StartTime.UnixMilli())
		if err != nil {
			return fmt.Errorf("tracestore: insert cost %s/%s: %w", t.TraceID, item.Category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tracestore: commit %s: %w", t.TraceID, err)
	}
	return nil
}

// QueryTraces returns traces whose start time lies in the half-open window,
// most-recent-first, optionally scoped to one agent and bounded by limit.
func (s *Store) QueryTraces(ctx context.Context, w window.Window, agentFilter string, limit int) ([]trace.AgentTrace, error) {
	if s == nil || s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		select trace_id, agent_id, agent_name, operation, start_ms, duration_ms, status, total_cost
		from traces where start_ms >= ? and start_ms < ?`
	args := []any{w.Start.UnixMilli(), w.End.UnixMilli()}
	if agentFilter != "" {
		query += " and agent_id = ?"
		args = append(args, agentFilter)
	}
	query += " order by start_ms desc limit ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracestore: query traces: %w", err)
	}
	defer rows.Close()

	var out []trace.AgentTrace
	for rows.Next() {
		var t trace.AgentTrace
		var startMs, durMs int64
		var status string
		if err := rows.Scan(&t.TraceID, &t.AgentID, &t.AgentName, &t.Operation, &startMs, &durMs, &status, &t.TotalCost); err != nil {
			return nil, fmt.Errorf("tracestore: scan trace: %w", err)
		}
		t.StartTime = time.UnixMilli(startMs).UTC()
		t.Duration = time.Duration(durMs) * time.Millisecond
		t.Status = trace.ParseStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracestore: iterate traces: %w", err)
	}

	for i := range out {
		spans, err := s.loadSpans(ctx, out[i].TraceID)
		if err != nil {
			return nil, err
		}
		out[i].Spans = spans
	}
	return out, nil
}

func (s *Store) loadSpans(ctx context.Context, traceID string) ([]trace.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		select span_id, name, span_type, depth, duration_ms, status
		from spans where trace_id = ? order by seq`, traceID)
	if err != nil {
		return nil, fmt.Errorf("tracestore: query spans %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []trace.Span
	for rows.Next() {
		var sp trace.Span
		var durMs int64
		var status string
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Type, &sp.Depth, &durMs, &status); err != nil {
			return nil, fmt.Errorf("tracestore: scan span %s: %w", traceID, err)
		}
		sp.Duration = time.Duration(durMs) * time.Millisecond
		sp.Status = trace.ParseStatus(status)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CostAttribution aggregates cost lines over exactly one window. The result
// is stamped with the window it was computed over; callers never merge
// attributions across windows.
func (s *Store) CostAttribution(ctx context.Context, w window.Window, agentFilter string) (trace.CostAttribution, error) {
	if s == nil || s.closed {
		return trace.CostAttribution{}, ErrClosed
	}
	out := trace.CostAttribution{
		ByCategory:  make(map[string]float64),
		ByAgent:     make(map[string]float64),
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}

	filter := ""
	args := []any{w.Start.UnixMilli(), w.End.UnixMilli()}
	if agentFilter != "" {
		filter = " and agent_id = ?"
		args = append(args, agentFilter)
	}

	rows, err := s.db.QueryContext(ctx,
		"select category, agent_id, sum(amount) from costs where at_ms >= ? and at_ms < ?"+filter+" group by category, agent_id", args...)
	if err != nil {
		return trace.CostAttribution{}, fmt.Errorf("tracestore: query costs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, agentID string
		var amount float64
		if err := rows.Scan(&category, &agentID, &amount); err != nil {
			return trace.CostAttribution{}, fmt.Errorf("tracestore: scan cost: %w", err)
		}
		out.ByCategory[category] += amount
		out.ByAgent[agentID] += amount
		out.Total += amount
	}
	if err := rows.Err(); err != nil {
		return trace.CostAttribution{}, fmt.Errorf("tracestore: iterate costs: %w", err)
	}
	return out, nil
}

// Statistics answers the scalar cross-check without materializing traces.
func (s *Store) Statistics(ctx context.Context, w window.Window) (collab.WindowStatistics, error) {
	if s == nil || s.closed {
		return collab.WindowStatistics{}, ErrClosed
	}
	var stats collab.WindowStatistics
	err := s.db.QueryRowContext(ctx, `
		select count(*),
			coalesce(sum(case when status = 'running' then 1 else 0 end), 0),
			coalesce(sum(case when status = 'error' then 1 else 0 end), 0)
		from traces where start_ms >= ? and start_ms < ?`,
		w.Start.UnixMilli(), w.End.UnixMilli()).
		Scan(&stats.TraceCount, &stats.ActiveCount, &stats.ErrorCount)
	if err != nil {
		return collab.WindowStatistics{}, fmt.Errorf("tracestore: statistics: %w", err)
	}
	return stats, nil
}
