package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/store"
)

const (
	logSubscriber         = "engine.log"
	minMaintenanceTimeout = 5 * time.Second
)

// Config controls background maintenance.
type Config struct {
	Interval  time.Duration // period of the maintenance pass
	Prefilter bool          // use the resonance index to prune consolidation pairs
	Logger    *slog.Logger
}

// Engine orchestrates recall and scheduled maintenance over a Store.
type Engine struct {
	Store *store.Store
	Bus   *bus.Bus
	cfg   Config
	log   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine. b may be nil; when set, the engine logs every
// lifecycle event published on it at debug level.
func New(st *store.Store, b *bus.Bus, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Store:  st,
		Bus:    b,
		cfg:    cfg,
		log:    logger.With("component", "engine"),
		stopCh: make(chan struct{}),
	}
	if b != nil {
		b.Subscribe(logSubscriber, e.logEvent)
	}
	return e
}

// Insert stores content and returns its id.
func (e *Engine) Insert(content any, weight float64) (store.EntryID, error) {
	return e.Store.Insert(content, weight)
}

// Recall runs Recall against the engine's store.
func (e *Engine) Recall(ctx context.Context, query any, opts RecallOpts) ([]Result, error) {
	results, err := Recall(ctx, e.Store, query, opts)
	if err != nil {
		return nil, err
	}
	e.log.Debug("recall", "query", store.Serialize(query), "results", len(results))
	return results, nil
}

// Consolidate runs a consolidation pass. A nil opts.Prefilter takes the
// engine's setting; an explicit value wins for this pass only.
func (e *Engine) Consolidate(ctx context.Context, opts store.ConsolidateOptions) ([]store.Merge, error) {
	if opts.Prefilter == nil {
		prefilter := e.cfg.Prefilter
		opts.Prefilter = &prefilter
	}
	merges, err := e.Store.Consolidate(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(merges) > 0 {
		e.log.Info("consolidation", "merged", len(merges), "entries", e.Store.Len())
	}
	return merges, nil
}

// EnforceCapacity prunes down to maxSize, or to the configured capacity
// when maxSize is zero.
func (e *Engine) EnforceCapacity(ctx context.Context, maxSize int) ([]store.Entry, error) {
	if maxSize == 0 {
		maxSize = e.Store.Config().Capacity
	}
	evicted, err := e.Store.EnforceCapacity(ctx, maxSize)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		e.log.Info("eviction", "evicted", len(evicted), "entries", e.Store.Len())
	}
	return evicted, nil
}

// Maintain runs one consolidation pass followed by capacity enforcement.
func (e *Engine) Maintain(ctx context.Context) error {
	if _, err := e.Consolidate(ctx, store.ConsolidateOptions{}); err != nil {
		return err
	}
	_, err := e.EnforceCapacity(ctx, 0)
	return err
}

// StartMaintenance runs Maintain every interval until Stop. A busy store is
// logged and retried on the next tick.
func (e *Engine) StartMaintenance() {
	if e.cfg.Interval <= 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runMaintenance()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runMaintenance() {
	timeout := max(e.cfg.Interval, minMaintenanceTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := e.Maintain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrBusy):
		e.log.Warn("maintenance skipped", "err", err)
	default:
		e.log.Error("maintenance failed", "err", err)
	}
}

// Stop shuts down background maintenance and detaches from the bus. It is
// safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.Bus != nil {
			e.Bus.Unsubscribe(logSubscriber)
		}
	})
	e.wg.Wait()
}

func (e *Engine) logEvent(ev bus.Event) {
	attrs := []any{"entry_id", ev.EntryID}
	if entry, ok := ev.Entry.(store.Entry); ok {
		attrs = append(attrs, "weight", entry.Weight, "resonance", entry.Resonance)
	}
	if sources, ok := ev.Data["sources"]; ok {
		attrs = append(attrs, "sources", sources)
	}
	e.log.Debug(string(ev.Kind), attrs...)
}
