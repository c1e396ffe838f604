package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/spiralmem/internal/spiral"
	"github.com/lazypower/spiralmem/internal/store"
)

// Strategy names a retrieval strategy.
type Strategy string

const (
	DirectMatch    Strategy = "direct_match"
	ResonanceMatch Strategy = "resonance_match"
	ProximityMatch Strategy = "proximity_match"
)

// Strategies lists every strategy in descending base relevance.
var Strategies = []Strategy{DirectMatch, ResonanceMatch, ProximityMatch}

// Relevance returns the base relevance a strategy assigns to its hits.
func (s Strategy) Relevance() float64 {
	switch s {
	case DirectMatch:
		return 1.0
	case ResonanceMatch:
		return 0.8
	case ProximityMatch:
		return 0.6
	default:
		return 0
	}
}

// ParseStrategy resolves a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", name)
}

// Recall defaults.
const (
	DefaultMaxResults = 10
	DefaultTolerance  = 0.05
	DefaultRadius     = 0.1
)

// RecallOpts controls a recall.
type RecallOpts struct {
	MaxResults int        // default 10
	Strategies []Strategy // empty = all

	// TargetResonance is the resonance probe; nil probes 0.0.
	TargetResonance *float64
	Tolerance       float64 // default 0.05

	// Reference is the proximity anchor. When nil it is the centroid of the
	// direct hits, or the origin if there are none.
	Reference *spiral.Position
	Radius    float64 // default 0.1
}

func (o RecallOpts) maxResults() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

func (o RecallOpts) tolerance() float64 {
	if o.Tolerance <= 0 {
		return DefaultTolerance
	}
	return o.Tolerance
}

func (o RecallOpts) radius() float64 {
	if o.Radius <= 0 {
		return DefaultRadius
	}
	return o.Radius
}

func (o RecallOpts) target() float64 {
	if o.TargetResonance == nil {
		return 0
	}
	return *o.TargetResonance
}

func (o RecallOpts) enabled(s Strategy) bool {
	return len(o.Strategies) == 0 || slices.Contains(o.Strategies, s)
}

// Result is a single recalled entry.
type Result struct {
	Entry     store.Entry `json:"entry"`
	Relevance float64     `json:"relevance_score"`
	Strategy  Strategy    `json:"strategy"`
}

// Score is the ranking key: relevance scaled by the entry's weight.
func (r Result) Score() float64 {
	return r.Relevance * r.Entry.Weight
}

// Recall runs the enabled strategies against one consistent view of the
// store, keeps the best hit per entry, and returns them ranked by
// relevance*weight. An empty query simply produces no direct matches.
func Recall(ctx context.Context, st *store.Store, query any, opts RecallOpts) ([]Result, error) {
	needle := strings.ToLower(store.Serialize(query))

	var hits [][]Result
	var err error
	st.View(func(r store.Reader) {
		hits, err = runStrategies(ctx, r, needle, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}

	return blend(hits, opts.maxResults()), nil
}

func runStrategies(ctx context.Context, r store.Reader, needle string, opts RecallOpts) ([][]Result, error) {
	var direct, resonant, proximate []Result

	g, gctx := errgroup.WithContext(ctx)
	if opts.enabled(DirectMatch) && needle != "" {
		g.Go(func() error {
			var err error
			direct, err = directMatch(gctx, r, needle)
			return err
		})
	}
	if opts.enabled(ResonanceMatch) {
		g.Go(func() error {
			resonant = resonanceMatch(r, opts.target(), opts.tolerance())
			return gctx.Err()
		})
	}
	if opts.enabled(ProximityMatch) && opts.Reference != nil {
		g.Go(func() error {
			var err error
			proximate, err = proximityMatch(gctx, r, *opts.Reference, opts.radius())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.enabled(ProximityMatch) && opts.Reference == nil {
		points := make([]spiral.Position, len(direct))
		for i, res := range direct {
			points[i] = res.Entry.Position
		}
		var err error
		proximate, err = proximityMatch(ctx, r, spiral.Centroid(points), opts.radius())
		if err != nil {
			return nil, err
		}
	}

	return [][]Result{direct, resonant, proximate}, nil
}

func directMatch(ctx context.Context, r store.Reader, needle string) ([]Result, error) {
	var out []Result
	for e := range r.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(store.Serialize(e.Content)), needle) {
			out = append(out, Result{Entry: e, Relevance: DirectMatch.Relevance(), Strategy: DirectMatch})
		}
	}
	return out, nil
}

func resonanceMatch(r store.Reader, target, tolerance float64) []Result {
	var out []Result
	for _, id := range r.Near(target, tolerance) {
		if e, ok := r.Lookup(id); ok {
			out = append(out, Result{Entry: e, Relevance: ResonanceMatch.Relevance(), Strategy: ResonanceMatch})
		}
	}
	return out
}

func proximityMatch(ctx context.Context, r store.Reader, ref spiral.Position, radius float64) ([]Result, error) {
	var out []Result
	for e := range r.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Position.Distance(ref) <= radius {
			out = append(out, Result{Entry: e, Relevance: ProximityMatch.Relevance(), Strategy: ProximityMatch})
		}
	}
	return out, nil
}

// blend dedupes by entry id keeping the highest relevance, ranks by score
// then creation order, and truncates to limit.
func blend(hits [][]Result, limit int) []Result {
	best := make(map[store.EntryID]Result)
	for _, group := range hits {
		for _, res := range group {
			if cur, ok := best[res.Entry.ID]; !ok || res.Relevance > cur.Relevance {
				best[res.Entry.ID] = res
			}
		}
	}

	results := make([]Result, 0, len(best))
	for _, res := range best {
		results = append(results, res)
	}
	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score(), a.Score()); c != 0 {
			return c
		}
		return cmp.Compare(a.Entry.CreatedAt, b.Entry.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
