package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsflow/internal/collector"
	"newsflow/internal/publisher"
	"newsflow/internal/store"
)

// Server exposes the operational surface: trigger collection, trigger a
// tick, force-publish one item, report status. Every route is a thin
// call into the pipeline contracts.
type Server struct {
	r         *chi.Mux
	collector *collector.Stage
	loop      *publisher.Loop
	loc       *time.Location
}

// NewServer builds the HTTP handler.
func NewServer(c *collector.Stage, l *publisher.Loop, loc *time.Location) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, collector: c, loop: l, loc: loc}

	r.Get("/health", s.health)
	r.Get("/api/status", s.status)
	r.Post("/api/collect", s.collect)
	r.Post("/api/tick", s.tick)
	r.Post("/api/items/{id}/publish", s.forcePublish)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) date(r *http.Request) string {
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return time.Now().In(s.loc).Format("2006-01-02")
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.loop.BatchStatus(s.date(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	res, err := s.collector.Run(r.Context(), s.date(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	res, err := s.loop.Tick(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) forcePublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.loop.ForcePublish(r.Context(), s.date(r), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "delivered"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var corrupt *store.CorruptBatchError
	var validation *collector.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusLocked)
	case errors.As(err, &corrupt), errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
