package store

import (
	"context"
	"fmt"
	"math"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/spiral"
)

// DefaultPrefilterTolerance is the resonance window used to pick candidate
// pairs when ConsolidateOptions.Prefilter is set.
const DefaultPrefilterTolerance = 0.1

// ConsolidateOptions tunes a consolidation pass. Zero values take the store
// defaults.
type ConsolidateOptions struct {
	Threshold float64
	Boost     float64

	// Prefilter limits pair comparisons to entries whose resonance lies
	// within PrefilterTolerance of each other. Nil or false scores every
	// pair, which is quadratic in the store size.
	Prefilter          *bool
	PrefilterTolerance float64
}

// Merge records one consolidated group.
type Merge struct {
	Entry   Entry   `json:"entry"`
	Sources []Entry `json:"sources"`
}

// Consolidate replaces every transitively coherent group of entries with a
// single entry whose weight is the boosted group mean and whose position is
// the group centroid. The pass holds the write lock throughout and is
// all-or-nothing: if ctx ends before the groups are known, nothing changes.
func (s *Store) Consolidate(ctx context.Context, opts ConsolidateOptions) ([]Merge, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.Threshold
	}
	if opts.Boost <= 0 {
		opts.Boost = s.cfg.Boost
	}
	if opts.PrefilterTolerance <= 0 {
		opts.PrefilterTolerance = DefaultPrefilterTolerance
	}

	if err := s.lock(ctx); err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}

	groups, err := s.coherentGroupsLocked(ctx, opts)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("consolidate: %w", err)
	}

	merges := make([]Merge, 0, len(groups))
	for _, group := range groups {
		merges = append(merges, s.mergeLocked(group, opts.Boost))
	}
	s.mu.Unlock()

	for _, m := range merges {
		sources := make([]string, len(m.Sources))
		for i, src := range m.Sources {
			sources[i] = string(src.ID)
		}
		s.publish(bus.EntryConsolidated, m.Entry, map[string]any{"sources": sources})
	}
	return merges, nil
}

// coherentGroupsLocked scores entry pairs and returns the groups of two or
// more entries linked by coherence at or above the threshold, each in
// creation order.
func (s *Store) coherentGroupsLocked(ctx context.Context, opts ConsolidateOptions) ([][]*record, error) {
	recs := s.orderedLocked()
	pos := make(map[EntryID]int, len(recs))
	for i, rec := range recs {
		pos[rec.entry.ID] = i
	}

	prefilter := opts.Prefilter != nil && *opts.Prefilter
	uf := newUnionFind(len(recs))
	for i, a := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if prefilter {
			for _, id := range s.index.near(a.entry.Resonance, opts.PrefilterTolerance) {
				j := pos[id]
				if j <= i {
					continue
				}
				if spiral.Coherence(a.entry.sample(), recs[j].entry.sample()) >= opts.Threshold {
					uf.union(i, j)
				}
			}
			continue
		}

		for j := i + 1; j < len(recs); j++ {
			if spiral.Coherence(a.entry.sample(), recs[j].entry.sample()) >= opts.Threshold {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]*record)
	var roots []int
	for i, rec := range recs {
		root := uf.find(i)
		if _, seen := members[root]; !seen {
			roots = append(roots, root)
		}
		members[root] = append(members[root], rec)
	}

	var groups [][]*record
	for _, root := range roots {
		if len(members[root]) > 1 {
			groups = append(groups, members[root])
		}
	}
	return groups, nil
}

func (s *Store) mergeLocked(group []*record, boost float64) Merge {
	sources := make([]Entry, len(group))
	ids := make([]EntryID, len(group))
	points := make([]spiral.Position, len(group))
	var total float64
	for i, rec := range group {
		sources[i] = rec.snapshot()
		ids[i] = rec.entry.ID
		points[i] = rec.entry.Position
		total += rec.entry.Weight
	}

	weight := boost * total / float64(len(group))
	if !spiral.ValidWeight(weight) {
		weight = math.MaxFloat64
	}
	centroid := spiral.Centroid(points)
	content := Consolidated{Type: ConsolidatedType, Sources: ids}

	seq := s.seq.Add(1)
	merged := Entry{
		ID:        newID(contentDigest(content), seq),
		CreatedAt: seq,
		Weight:    weight,
		Content:   content,
		Position:  centroid,
		Resonance: spiral.ResonanceAt(weight, centroid.Angle(), s.cfg.Step),
	}

	for _, rec := range group {
		s.deleteLocked(rec)
	}
	s.putLocked(merged)

	return Merge{Entry: merged, Sources: sources}
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
