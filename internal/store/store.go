// Package store holds the spiral-indexed associative memory: the canonical
// entry map, its resonance index, and the maintenance passes that prune and
// consolidate them. The map and index form one unit behind a single RWMutex;
// no method ever leaves one updated without the other.
package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/spiral"
)

// Config holds store construction parameters.
type Config struct {
	Capacity      int           // maximum live entries after a pruning pass
	Step          float64       // resonance quantization step
	Threshold     float64       // default consolidation coherence threshold
	Boost         float64       // weight multiplier applied to consolidated groups
	Phase         float64       // phase correction used by Insert
	LockTimeout   time.Duration // how long maintenance waits for the write lock
	DeferEviction bool          // leave capacity enforcement to maintenance instead of Insert
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		Step:        spiral.DefaultStep,
		Threshold:   0.7,
		Boost:       1.2,
		LockTimeout: 2 * time.Second,
	}
}

// Publisher receives lifecycle events. *bus.Bus implements it.
type Publisher interface {
	Broadcast(bus.Event)
}

type record struct {
	entry Entry
	hits  atomic.Uint64
}

func (r *record) snapshot() Entry {
	e := r.entry
	e.Accesses = r.hits.Load()
	return e
}

// Stats summarizes store state.
type Stats struct {
	Entries  int    `json:"entries"`
	Buckets  int    `json:"buckets"`
	Sequence uint64 `json:"sequence"`
	Capacity int    `json:"capacity"`
}

// Store is the in-process memory store. All methods are safe for concurrent use.
type Store struct {
	cfg     Config
	pub     Publisher
	seq     atomic.Uint64
	entries map[EntryID]*record
	index   *resonanceIndex
	mu      sync.RWMutex
}

// New creates a Store. Zero-valued tuning fields take their defaults; a
// non-positive capacity is rejected. pub may be nil.
func New(cfg Config, pub Publisher) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("new store: capacity %d: %w", cfg.Capacity, ErrCapacityMisconfigured)
	}
	def := DefaultConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Boost <= 0 {
		cfg.Boost = def.Boost
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	return &Store{
		cfg:     cfg,
		pub:     pub,
		entries: make(map[EntryID]*record),
		index:   newResonanceIndex(cfg.Step),
	}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Insert stores content with the given weight using the configured phase
// correction and returns the new entry's id.
func (s *Store) Insert(content any, weight float64) (EntryID, error) {
	return s.InsertPhased(content, weight, s.cfg.Phase)
}

// InsertPhased is Insert with an explicit phase correction. Insert never
// fails because the store is full: unless eviction is deferred, the
// lowest-weight entries (possibly the new one) are evicted afterwards.
func (s *Store) InsertPhased(content any, weight, phase float64) (EntryID, error) {
	if !spiral.ValidWeight(weight) {
		return "", fmt.Errorf("insert: weight %v: %w", weight, ErrInvalidWeight)
	}

	digest := contentDigest(content)

	s.mu.Lock()
	seq := s.seq.Add(1)
	pos, res := spiral.Encode(seq, weight, phase, s.cfg.Step)
	e := Entry{
		ID:        newID(digest, seq),
		CreatedAt: seq,
		Weight:    weight,
		Content:   content,
		Position:  pos,
		Resonance: res,
	}
	s.putLocked(e)

	var evicted []Entry
	if !s.cfg.DeferEviction {
		evicted = s.evictLocked(s.cfg.Capacity)
	}
	s.mu.Unlock()

	s.publish(bus.EntryCreated, e, nil)
	for _, ev := range evicted {
		s.publish(bus.EntryEvicted, ev, nil)
	}
	return e.ID, nil
}

// Get returns the entry for id and counts the access.
func (s *Store) Get(id EntryID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	rec.hits.Add(1)
	return rec.snapshot(), true
}

// Peek returns the entry for id without counting an access.
func (s *Store) Peek(id EntryID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(), true
}

// Remove deletes the entry for id from the store and its index.
func (s *Store) Remove(id EntryID) (Entry, bool) {
	s.mu.Lock()
	rec, ok := s.entries[id]
	if ok {
		s.deleteLocked(rec)
	}
	s.mu.Unlock()

	if !ok {
		return Entry{}, false
	}
	e := rec.snapshot()
	s.publish(bus.EntryRemoved, e, nil)
	return e, true
}

// All returns a lazy sequence over the live entries in creation order. Each
// call starts from the current state; entries removed while iterating are
// skipped. The lock is not held while yielding, so callers may mutate the
// store from inside the loop.
func (s *Store) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		s.mu.RLock()
		recs := s.orderedLocked()
		s.mu.RUnlock()

		for _, rec := range recs {
			s.mu.RLock()
			cur, ok := s.entries[rec.entry.ID]
			s.mu.RUnlock()
			if !ok || cur != rec {
				continue
			}
			if !yield(rec.snapshot()) {
				return
			}
		}
	}
}

// LookupNear returns the ids of entries whose resonance is within tolerance
// of target.
func (s *Store) LookupNear(target, tolerance float64) []EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.near(target, tolerance)
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns a consistent summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Entries:  len(s.entries),
		Buckets:  s.index.len(),
		Sequence: s.seq.Load(),
		Capacity: s.cfg.Capacity,
	}
}

func (s *Store) putLocked(e Entry) {
	s.entries[e.ID] = &record{entry: e}
	s.index.add(e)
}

func (s *Store) deleteLocked(rec *record) {
	delete(s.entries, rec.entry.ID)
	s.index.remove(rec.entry)
}

// orderedLocked returns the live records sorted by creation sequence.
func (s *Store) orderedLocked() []*record {
	recs := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.entry.CreatedAt, b.entry.CreatedAt)
	})
	return recs
}

// lock acquires the write lock for a maintenance pass, giving up with
// ErrBusy after the configured timeout.
func (s *Store) lock(ctx context.Context) error {
	if s.mu.TryLock() {
		return nil
	}

	timer := time.NewTimer(s.cfg.LockTimeout)
	defer timer.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("acquire write lock after %s: %w", s.cfg.LockTimeout, ErrBusy)
		case <-tick.C:
			if s.mu.TryLock() {
				return nil
			}
		}
	}
}

func (s *Store) publish(kind bus.Kind, e Entry, data map[string]any) {
	if s.pub == nil {
		return
	}
	s.pub.Broadcast(bus.Event{
		Kind:    kind,
		EntryID: string(e.ID),
		Entry:   e,
		Data:    data,
	})
}
