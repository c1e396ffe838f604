package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/spiralmem/internal/engine"
	"github.com/lazypower/spiralmem/internal/journal"
)

// Server is the spiralmem HTTP inspection API.
type Server struct {
	engine  *engine.Engine
	journal *journal.DB // nil when the journal is disabled
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over eng. jr may be nil.
func New(eng *engine.Engine, jr *journal.DB, version string) *Server {
	s := &Server{
		engine:  eng,
		journal: jr,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Get("/entries", s.handleListEntries)
		r.Post("/entries", s.handleInsert)
		r.Get("/entries/{entryID}", s.handleGetEntry)
		r.Delete("/entries/{entryID}", s.handleRemoveEntry)

		r.Get("/recall", s.handleRecall)
		r.Post("/consolidate", s.handleConsolidate)
		r.Post("/prune", s.handlePrune)

		r.Get("/events", s.handleEvents)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	journalOK := false
	journalPath := ""
	if s.journal != nil {
		journalOK = s.journal.Ping() == nil
		journalPath = s.journal.Path
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"uptime":       time.Since(s.started).Seconds(),
		"entries":      s.engine.Store.Len(),
		"journal":      journalOK,
		"journal_path": journalPath,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
