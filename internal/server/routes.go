package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/spiralmem/internal/engine"
	"github.com/lazypower/spiralmem/internal/spiral"
	"github.com/lazypower/spiralmem/internal/store"
)

const defaultListLimit = 100

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"store": s.engine.Store.Stats()}
	if s.journal != nil {
		if counts, err := s.journal.Counts(); err == nil {
			resp["events"] = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content any      `json:"content"`
		Weight  *float64 `json:"weight"`
		Phase   *float64 `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Weight == nil {
		writeError(w, http.StatusBadRequest, "weight required")
		return
	}

	var id store.EntryID
	var err error
	if req.Phase != nil {
		id, err = s.engine.Store.InsertPhased(req.Content, *req.Weight, *req.Phase)
	} else {
		id, err = s.engine.Insert(req.Content, *req.Weight)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := store.EntryID(chi.URLParam(r, "entryID"))

	e, ok := s.engine.Store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	id := store.EntryID(chi.URLParam(r, "entryID"))

	if _, ok := s.engine.Store.Remove(id); !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "id": id})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = defaultListLimit
	}

	entries := []store.Entry{}
	for e := range s.engine.Store.All() {
		if len(entries) >= limit {
			break
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts, err := recallOpts(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.engine.Recall(r.Context(), q.Get("q"), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []engine.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func recallOpts(q url.Values) (engine.RecallOpts, error) {
	var opts engine.RecallOpts
	var err error

	if opts.MaxResults, err = intParam(q, "limit", 0); err != nil {
		return opts, err
	}
	if opts.Tolerance, err = floatParam(q, "tolerance"); err != nil {
		return opts, err
	}
	if opts.Radius, err = floatParam(q, "radius"); err != nil {
		return opts, err
	}
	if q.Has("resonance") {
		target, err := floatParam(q, "resonance")
		if err != nil {
			return opts, err
		}
		opts.TargetResonance = &target
	}
	if q.Has("x") || q.Has("y") {
		var ref spiral.Position
		if ref.X, err = floatParam(q, "x"); err != nil {
			return opts, err
		}
		if ref.Y, err = floatParam(q, "y"); err != nil {
			return opts, err
		}
		opts.Reference = &ref
	}
	if raw := q.Get("strategy"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := engine.ParseStrategy(strings.TrimSpace(name))
			if err != nil {
				return opts, err
			}
			opts.Strategies = append(opts.Strategies, st)
		}
	}
	return opts, nil
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
		Boost     float64 `json:"boost"`
		Prefilter *bool   `json:"prefilter"`
	}
	if err := decodeOptional(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	merges, err := s.engine.Consolidate(r.Context(), store.ConsolidateOptions{
		Threshold: req.Threshold,
		Boost:     req.Boost,
		Prefilter: req.Prefilter,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if merges == nil {
		merges = []store.Merge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"merged": len(merges), "merges": merges})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxSize int `json:"max_size"`
	}
	if err := decodeOptional(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	evicted, err := s.engine.EnforceCapacity(r.Context(), req.MaxSize)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ids := make([]store.EntryID, len(evicted))
	for i, e := range evicted {
		ids[i] = e.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": ids, "entries": s.engine.Store.Len()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit, err := intParam(r.URL.Query(), "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

// statusFor maps store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidWeight), errors.Is(err, store.ErrCapacityMisconfigured):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body, treating an empty body as no options.
func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func floatParam(q url.Values, name string) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return f, nil
}
