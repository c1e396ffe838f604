package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/lazypower/spiralmem/internal/bus"
)

// EnforceCapacity evicts the lowest-weight entries until at most maxSize
// remain and returns what was evicted. Equal weights go oldest first.
func (s *Store) EnforceCapacity(ctx context.Context, maxSize int) ([]Entry, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("enforce capacity: max size %d: %w", maxSize, ErrCapacityMisconfigured)
	}
	if err := s.lock(ctx); err != nil {
		return nil, fmt.Errorf("enforce capacity: %w", err)
	}
	evicted := s.evictLocked(maxSize)
	s.mu.Unlock()

	for _, e := range evicted {
		s.publish(bus.EntryEvicted, e, nil)
	}
	return evicted, nil
}

func (s *Store) evictLocked(maxSize int) []Entry {
	excess := len(s.entries) - maxSize
	if excess <= 0 {
		return nil
	}

	// Creation order first, then a stable weight sort keeps it as the tie-break.
	recs := s.orderedLocked()
	slices.SortStableFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.entry.Weight, b.entry.Weight)
	})

	evicted := make([]Entry, 0, excess)
	for _, rec := range recs[:excess] {
		s.deleteLocked(rec)
		evicted = append(evicted, rec.snapshot())
	}
	return evicted
}
