// Package violationstore keeps SLA and policy violations in a Pebble
// key/value store, ordered by timestamp for windowed range scans and
// indexed by id for in-place resolution updates. It backs both the SLA
// monitor and policy tracker ports.
package violationstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	jsoniter "github.com/json-iterator/go"

	"agentdash/trace"
	"agentdash/window"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrClosed = errors.New("violationstore: store is closed")

const (
	// Primary keys sort by kind, then big-endian timestamp, then id:
	// v|<kind>|<ts_be8><id>. The id index i|<id> points at the primary key.
	primaryPrefix = "v|"
	indexPrefix   = "i|"

	defaultCacheBytes = int64(8 << 20)
	bloomBitsPerKey   = 10
)

// record is the stored value encoding. Timestamps are unix millis.
type record struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	AgentID  string `json:"agent_id"`
	Metric   string `json:"metric"`
	Severity string `json:"severity"`
	TsMs     int64  `json:"ts_ms"`
	Resolved bool   `json:"resolved"`
}

func toRecord(v trace.Violation) record {
	return record{
		ID:       v.ID,
		Kind:     string(v.Kind),
		AgentID:  v.AgentID,
		Metric:   v.Metric,
		Severity: string(v.Severity),
		TsMs:     v.Timestamp.UnixMilli(),
		Resolved: v.Resolved,
	}
}

func (r record) violation() trace.Violation {
	return trace.Violation{
		ID:        r.ID,
		Kind:      trace.ViolationKind(r.Kind),
		AgentID:   r.AgentID,
		Metric:    r.Metric,
		Severity:  trace.Severity(r.Severity),
		Timestamp: time.UnixMilli(r.TsMs).UTC(),
		Resolved:  r.Resolved,
	}
}

// Store is a Pebble-backed violation history. Writes go through a single
// mutex; reads use Pebble snapshotted iterators and need no coordination.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
	path  string

	writeMu sync.Mutex
	closed  bool
}

// Open opens (or creates) the store at path. cacheBytes <= 0 selects a
// small default block cache; every level carries a bloom filter since the
// id index makes point lookups common.
func Open(path string, cacheBytes int64) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("violationstore: empty path")
	}
	if cacheBytes <= 0 {
		cacheBytes = defaultCacheBytes
	}
	opts := &pebble.Options{
		Cache: pebble.NewCache(cacheBytes),
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(bloomBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		opts.Cache.Unref()
		return nil, fmt.Errorf("violationstore: open %s: %w", path, err)
	}
	return &Store{db: db, cache: opts.Cache, path: path}, nil
}

// Close releases Pebble resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
	}
	return err
}

func primaryKey(kind trace.ViolationKind, tsMs int64, id string) []byte {
	key := make([]byte, 0, len(primaryPrefix)+len(kind)+1+8+len(id))
	key = append(key, primaryPrefix...)
	key = append(key, kind...)
	key = append(key, '|')
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tsMs))
	key = append(key, ts[:]...)
	key = append(key, id...)
	return key
}

func indexKey(id string) []byte {
	return append([]byte(indexPrefix), id...)
}

// Upsert writes a violation, replacing any previous version with the same
// id even if its timestamp (and therefore primary key) changed. Applying
// the same violation twice leaves the store unchanged.
func (s *Store) Upsert(v trace.Violation) error {
	if s == nil || strings.TrimSpace(v.ID) == "" {
		return errors.New("violationstore: violation id is empty")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pk := primaryKey(v.Kind, v.Timestamp.UnixMilli(), v.ID)
	value, err := json.Marshal(toRecord(v))
	if err != nil {
		return fmt.Errorf("violationstore: encode %s: %w", v.ID, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if old, closer, err := s.db.Get(indexKey(v.ID)); err == nil {
		if string(old) != string(pk) {
			if err := batch.Delete(old, nil); err != nil {
				closer.Close()
				return fmt.Errorf("violationstore: drop old key %s: %w", v.ID, err)
			}
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("violationstore: index lookup %s: %w", v.ID, err)
	}

	if err := batch.Set(pk, value, nil); err != nil {
		return fmt.Errorf("violationstore: set %s: %w", v.ID, err)
	}
	if err := batch.Set(indexKey(v.ID), pk, nil); err != nil {
		return fmt.Errorf("violationstore: set index %s: %w", v.ID, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("violationstore: commit %s: %w", v.ID, err)
	}
	return nil
}

// Resolve marks a violation resolved by id. Unknown ids are not an error:
// resolution events can outlive the retention of their violation.
func (s *Store) Resolve(id string) error {
	if s == nil || strings.TrimSpace(id) == "" {
		return errors.New("violationstore: violation id is empty")
	}
	v, ok, err := s.Get(id)
	if err != nil || !ok {
		return err
	}
	if v.Resolved {
		return nil
	}
	v.Resolved = true
	return s.Upsert(v)
}

// Get fetches one violation by id.
func (s *Store) Get(id string) (trace.Violation, bool, error) {
	if s == nil {
		return trace.Violation{}, false, ErrClosed
	}
	pk, closer, err := s.db.Get(indexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return trace.Violation{}, false, nil
	}
	if err != nil {
		return trace.Violation{}, false, fmt.Errorf("violationstore: index lookup %s: %w", id, err)
	}
	key := append([]byte(nil), pk...)
	closer.Close()

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return trace.Violation{}, false, nil
	}
	if err != nil {
		return trace.Violation{}, false, fmt.Errorf("violationstore: get %s: %w", id, err)
	}
	defer closer.Close()

	var r record
	if err := json.Unmarshal(value, &r); err != nil {
		return trace.Violation{}, false, fmt.Errorf("violationstore: decode %s: %w", id, err)
	}
	return r.violation(), true, nil
}

// QueryViolations scans one kind over the half-open window, most-recent
// first, optionally filtered by agent and resolution state. It satisfies
// the violation-querier port for both the SLA monitor and policy tracker.
func (s *Store) QueryViolations(_ context.Context, kind trace.ViolationKind, w window.Window, agentFilter string, resolved *bool) ([]trace.Violation, error) {
	if s == nil {
		return nil, ErrClosed
	}
	lower := primaryKey(kind, w.Start.UnixMilli(), "")
	upper := primaryKey(kind, w.End.UnixMilli(), "")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("violationstore: iterator: %w", err)
	}
	defer iter.Close()

	var out []trace.Violation
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var r record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("violationstore: decode at %q: %w", iter.Key(), err)
		}
		v := r.violation()
		if agentFilter != "" && v.AgentID != agentFilter {
			continue
		}
		if resolved != nil && v.Resolved != *resolved {
			continue
		}
		out = append(out, v)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("violationstore: scan: %w", err)
	}
	return out, nil
}
