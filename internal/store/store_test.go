package store

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/spiral"
)

func testStore(t *testing.T, capacity int) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// putEntry places an entry at an explicit position and sequence, bypassing
// the encoder, so scenarios can pin exact geometry.
func putEntry(t *testing.T, s *Store, seq uint64, pos spiral.Position, weight float64, content any) Entry {
	t.Helper()
	e := Entry{
		ID:        newID(contentDigest(content), seq),
		CreatedAt: seq,
		Weight:    weight,
		Content:   content,
		Position:  pos,
		Resonance: spiral.ResonanceAt(weight, pos.Angle(), s.cfg.Step),
	}
	s.mu.Lock()
	s.putLocked(e)
	if s.seq.Load() < seq {
		s.seq.Store(seq)
	}
	s.mu.Unlock()
	return e
}

func ids(entries []Entry) []EntryID {
	out := make([]EntryID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	for _, capacity := range []int{0, -3} {
		cfg := DefaultConfig()
		cfg.Capacity = capacity
		if _, err := New(cfg, nil); !errors.Is(err, ErrCapacityMisconfigured) {
			t.Errorf("New(capacity=%d) error = %v, want ErrCapacityMisconfigured", capacity, err)
		}
	}
}

func TestNewFillsDefaults(t *testing.T) {
	s, err := New(Config{Capacity: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := s.Config()
	if cfg.Step != spiral.DefaultStep || cfg.Threshold != 0.7 || cfg.Boost != 1.2 || cfg.LockTimeout <= 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestInsertRoundTrip(t *testing.T) {
	s := testStore(t, 10)

	id, err := s.Insert("remember the milk", 0.42)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e, ok := s.Get(id)
	if !ok {
		t.Fatal("Get: entry not found")
	}
	if e.Content != "remember the milk" {
		t.Errorf("Content = %v, want %q", e.Content, "remember the milk")
	}
	if e.Weight != 0.42 {
		t.Errorf("Weight = %v, want 0.42", e.Weight)
	}
	if e.CreatedAt != 1 {
		t.Errorf("CreatedAt = %d, want 1", e.CreatedAt)
	}

	pos, res := spiral.Encode(e.CreatedAt, 0.42, 0, spiral.DefaultStep)
	if e.Position != pos || e.Resonance != res {
		t.Errorf("geometry = %v/%v, want %v/%v", e.Position, e.Resonance, pos, res)
	}
}

func TestInsertStructuredContent(t *testing.T) {
	s := testStore(t, 10)

	content := map[string]any{"topic": "weather", "temp": 21}
	id, err := s.Insert(content, 1)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := s.Peek(id)
	got, ok := e.Content.(map[string]any)
	if !ok || got["topic"] != "weather" {
		t.Errorf("Content = %#v, want the inserted map", e.Content)
	}
}

func TestInsertInvalidWeight(t *testing.T) {
	s := testStore(t, 10)

	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -0.01} {
		if _, err := s.Insert("x", w); !errors.Is(err, ErrInvalidWeight) {
			t.Errorf("Insert(weight=%v) error = %v, want ErrInvalidWeight", w, err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after rejected inserts", s.Len())
	}
	if s.Stats().Sequence != 0 {
		t.Errorf("Sequence = %d, rejected inserts should not consume sequence numbers", s.Stats().Sequence)
	}
}

func TestIDsUnique(t *testing.T) {
	s := testStore(t, 100)

	seen := make(map[EntryID]bool)
	for i := 0; i < 50; i++ {
		id, err := s.Insert("same content", 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestIDsDeterministic(t *testing.T) {
	a := testStore(t, 10)
	b := testStore(t, 10)

	idA, _ := a.Insert("hello", 0.3)
	idB, _ := b.Insert("hello", 0.9)
	if idA != idB {
		t.Errorf("ids differ for identical content and sequence: %s vs %s", idA, idB)
	}
}

// storeAwareContent renders itself by reading from the store it lives in.
type storeAwareContent struct {
	s *Store
}

func (c storeAwareContent) String() string {
	return fmt.Sprintf("note #%d", c.s.Len())
}

func TestInsertSerializesOutsideLock(t *testing.T) {
	s := testStore(t, 10)

	done := make(chan error, 1)
	go func() {
		_, err := s.Insert(storeAwareContent{s: s}, 0.5)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Insert deadlocked serializing content that reads the store")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestGetCountsAccess(t *testing.T) {
	s := testStore(t, 10)
	id, _ := s.Insert("x", 1)

	s.Get(id)
	s.Get(id)
	e, _ := s.Get(id)
	if e.Accesses != 3 {
		t.Errorf("Accesses = %d, want 3", e.Accesses)
	}

	p, _ := s.Peek(id)
	if p.Accesses != 3 {
		t.Errorf("Peek Accesses = %d, want 3 (peek must not count)", p.Accesses)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t, 10)

	if _, ok := s.Get("nope"); ok {
		t.Error("Get of unknown id reported found")
	}
	if _, ok := s.Remove("nope"); ok {
		t.Error("Remove of unknown id reported found")
	}
}

func TestRemoveUpdatesIndex(t *testing.T) {
	s := testStore(t, 10)
	id, _ := s.Insert("x", 0.7)
	e, _ := s.Peek(id)

	if got := s.Stats().Buckets; got != 1 {
		t.Fatalf("Buckets = %d, want 1", got)
	}

	removed, ok := s.Remove(id)
	if !ok || removed.ID != id {
		t.Fatalf("Remove = %v, %v", removed.ID, ok)
	}
	if _, ok := s.Get(id); ok {
		t.Error("entry still retrievable after Remove")
	}
	if slices.Contains(s.LookupNear(e.Resonance, 0), id) {
		t.Error("index still references removed entry")
	}
	if got := s.Stats().Buckets; got != 0 {
		t.Errorf("Buckets = %d, want 0 (empty bucket should be dropped)", got)
	}
}

func TestIndexConsistency(t *testing.T) {
	s := testStore(t, 150)
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 300; i++ {
		if _, err := s.Insert(i, rng.Float64()*3); err != nil {
			t.Fatal(err)
		}
		if i%40 == 0 {
			for e := range s.All() {
				if e.CreatedAt%3 == 0 {
					s.Remove(e.ID)
				}
			}
		}
	}

	count := 0
	for e := range s.All() {
		count++
		if !slices.Contains(s.LookupNear(e.Resonance, 0), e.ID) {
			t.Errorf("LookupNear(%v, 0) missing %s", e.Resonance, e.ID)
		}
	}

	// Every indexed id must be live.
	s.View(func(r Reader) {
		total := 0
		for _, bucket := range s.index.buckets {
			for id := range bucket {
				total++
				if _, ok := r.Lookup(id); !ok {
					t.Errorf("index references dead id %s", id)
				}
			}
		}
		if total != count {
			t.Errorf("index holds %d ids, store holds %d entries", total, count)
		}
	})
}

func TestHugeWeightsIndexed(t *testing.T) {
	s := testStore(t, 10)

	for _, w := range []float64{1e20, math.MaxFloat64} {
		id, err := s.Insert("heavy", w)
		if err != nil {
			t.Fatalf("Insert(%g): %v", w, err)
		}
		e, _ := s.Peek(id)
		if math.IsInf(e.Resonance, 0) || math.IsNaN(e.Resonance) {
			t.Fatalf("weight %g: resonance %v not finite", w, e.Resonance)
		}
		if !slices.Contains(s.LookupNear(e.Resonance, 0), id) {
			t.Errorf("weight %g: LookupNear(%g, 0) missing %s", w, e.Resonance, id)
		}
	}
	if got := s.Stats().Buckets; got != 2 {
		t.Errorf("Buckets = %d, want 2", got)
	}
}

func TestLookupNearTolerance(t *testing.T) {
	s := testStore(t, 10)

	// Angle pi/2 puts resonance at weight+1.
	up := func(w float64) spiral.Position { return spiral.Position{X: 0, Y: w} }
	a := putEntry(t, s, 1, up(0.00), 0.00, "a") // 1.00
	b := putEntry(t, s, 2, up(0.02), 0.02, "b") // 1.02
	c := putEntry(t, s, 3, up(0.05), 0.05, "c") // 1.05

	tests := []struct {
		name      string
		target    float64
		tolerance float64
		want      []EntryID
	}{
		{name: "exact", target: 1.00, tolerance: 0, want: []EntryID{a.ID}},
		{name: "covers two", target: 1.01, tolerance: 0.01, want: []EntryID{a.ID, b.ID}},
		{name: "covers all", target: 1.02, tolerance: 0.03, want: []EntryID{a.ID, b.ID, c.ID}},
		{name: "negative tolerance is absolute", target: 1.05, tolerance: -0.01, want: []EntryID{c.ID}},
		{name: "gap", target: 1.035, tolerance: 0.005, want: nil},
		{name: "far", target: -4, tolerance: 0.5, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.LookupNear(tt.target, tt.tolerance)
			want := slices.Clone(tt.want)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Errorf("LookupNear(%v, %v) = %v, want %v", tt.target, tt.tolerance, got, want)
			}
		})
	}
}

func TestAllRestartable(t *testing.T) {
	s := testStore(t, 10)
	for i := 0; i < 4; i++ {
		s.Insert(i, 1)
	}

	var first []uint64
	for e := range s.All() {
		first = append(first, e.CreatedAt)
	}
	if !slices.Equal(first, []uint64{1, 2, 3, 4}) {
		t.Fatalf("All order = %v, want creation order", first)
	}

	// Removing during iteration skips the removed entry.
	var seen []uint64
	for e := range s.All() {
		seen = append(seen, e.CreatedAt)
		if e.CreatedAt == 1 {
			for other := range s.All() {
				if other.CreatedAt == 3 {
					s.Remove(other.ID)
				}
			}
		}
	}
	if !slices.Equal(seen, []uint64{1, 2, 4}) {
		t.Errorf("iteration with removal = %v, want [1 2 4]", seen)
	}

	// A fresh call reflects the current state.
	n := 0
	for range s.All() {
		n++
	}
	if n != 3 {
		t.Errorf("fresh All yielded %d entries, want 3", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := testStore(t, 64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id, err := s.Insert(w*1000+i, float64(i%17)/4)
				if err != nil {
					t.Error(err)
					return
				}
				s.Get(id)
				if i%10 == 0 {
					s.Remove(id)
				}
				s.View(func(r Reader) {
					for e := range r.Entries() {
						if !s.index.contains(e) {
							t.Errorf("entry %s not indexed", e.ID)
						}
					}
				})
			}
		}(w)
	}
	wg.Wait()

	if s.Len() > 64 {
		t.Errorf("Len = %d, want <= 64", s.Len())
	}
}

func TestEventsPublished(t *testing.T) {
	b := bus.New()
	var kinds []bus.Kind
	var created []Entry
	b.Subscribe("capture", func(ev bus.Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == bus.EntryCreated {
			created = append(created, ev.Entry.(Entry))
		}
	})

	cfg := DefaultConfig()
	cfg.Capacity = 1
	s, err := New(cfg, b)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := s.Insert("low", 0.1)
	second, _ := s.Insert("high", 0.9) // evicts "low"
	s.Remove(second)

	want := []bus.Kind{bus.EntryCreated, bus.EntryCreated, bus.EntryEvicted, bus.EntryRemoved}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	if len(created) != 2 || created[0].ID != first || created[0].Content != "low" {
		t.Errorf("created payloads = %+v", created)
	}
}
