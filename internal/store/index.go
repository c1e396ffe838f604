package store

import (
	"math"
	"slices"

	"github.com/lazypower/spiralmem/internal/spiral"
)

// keySlack absorbs float error at the edges of a tolerance window, in steps.
const keySlack = 1e-9

// resonanceIndex maps quantized resonance values to the ids sharing them.
// Keys are kept sorted so range lookups touch only matching buckets. Keys are
// the quantized values themselves, so any finite resonance has a bucket.
// Not safe for concurrent use; the Store lock guards it.
type resonanceIndex struct {
	step    float64
	buckets map[float64]map[EntryID]struct{}
	keys    []float64
}

func newResonanceIndex(step float64) *resonanceIndex {
	return &resonanceIndex{
		step:    step,
		buckets: make(map[float64]map[EntryID]struct{}),
	}
}

func (ix *resonanceIndex) key(resonance float64) float64 {
	return spiral.Quantize(resonance, ix.step)
}

func (ix *resonanceIndex) add(e Entry) {
	key := ix.key(e.Resonance)
	bucket, ok := ix.buckets[key]
	if !ok {
		bucket = make(map[EntryID]struct{})
		ix.buckets[key] = bucket
		pos, _ := slices.BinarySearch(ix.keys, key)
		ix.keys = slices.Insert(ix.keys, pos, key)
	}
	bucket[e.ID] = struct{}{}
}

func (ix *resonanceIndex) remove(e Entry) {
	key := ix.key(e.Resonance)
	bucket, ok := ix.buckets[key]
	if !ok {
		return
	}
	delete(bucket, e.ID)
	if len(bucket) > 0 {
		return
	}
	delete(ix.buckets, key)
	if pos, found := slices.BinarySearch(ix.keys, key); found {
		ix.keys = slices.Delete(ix.keys, pos, pos+1)
	}
}

func (ix *resonanceIndex) contains(e Entry) bool {
	_, ok := ix.buckets[ix.key(e.Resonance)][e.ID]
	return ok
}

// near returns the ids in every bucket whose value is within tolerance of
// target, sorted for stable output.
func (ix *resonanceIndex) near(target, tolerance float64) []EntryID {
	if math.IsNaN(target) || math.IsNaN(tolerance) {
		return nil
	}
	tolerance = math.Abs(tolerance) + keySlack*ix.step

	lo := target - tolerance
	hi := target + tolerance
	start, _ := slices.BinarySearch(ix.keys, lo)

	var ids []EntryID
	for _, key := range ix.keys[start:] {
		if key > hi {
			break
		}
		for id := range ix.buckets[key] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (ix *resonanceIndex) len() int {
	return len(ix.buckets)
}
