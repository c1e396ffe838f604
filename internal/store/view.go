package store

import "iter"

// Reader is a read-only handle on the store that is valid only inside the
// View callback that produced it. Its methods may be called from several
// goroutines at once.
type Reader struct {
	s *Store
}

// View runs fn with the read lock held, so every Reader call inside fn sees
// the same store and index state.
func (s *Store) View(fn func(r Reader)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(Reader{s: s})
}

// Entries yields the live entries in creation order.
func (r Reader) Entries() iter.Seq[Entry] {
	recs := r.s.orderedLocked()
	return func(yield func(Entry) bool) {
		for _, rec := range recs {
			if !yield(rec.snapshot()) {
				return
			}
		}
	}
}

// Lookup returns the entry for id without counting an access.
func (r Reader) Lookup(id EntryID) (Entry, bool) {
	rec, ok := r.s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(), true
}

// Near is LookupNear against the held state.
func (r Reader) Near(target, tolerance float64) []EntryID {
	return r.s.index.near(target, tolerance)
}

// Len returns the number of live entries.
func (r Reader) Len() int {
	return len(r.s.entries)
}
