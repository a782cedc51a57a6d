// Package server is the HTTP adapter: a thin translator between REST
// envelopes and the core request shapes. It holds no analysis logic;
// result identity is owned by the analyzer pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"codelens/internal/analyzer"
	"codelens/internal/learning"
	"codelens/internal/logging"
	"codelens/internal/services"
	"codelens/internal/types"
)

// Server exposes the analyzer and learning subsystem over REST.
type Server struct {
	addr     string
	analyzer *analyzer.Analyzer
	loop     *learning.Loop
	tracker  *learning.Tracker
	team     *learning.Team
	orch     *learning.Orchestrator
	shared   *services.Shared
	log      *logging.Logger
}

// New wires the adapter. Every dependency is required except shared, which
// only backs the stats and health endpoints.
func New(addr string, a *analyzer.Analyzer, loop *learning.Loop, tracker *learning.Tracker, team *learning.Team, orch *learning.Orchestrator, shared *services.Shared) *Server {
	return &Server{
		addr:     addr,
		analyzer: a,
		loop:     loop,
		tracker:  tracker,
		team:     team,
		orch:     orch,
		shared:   shared,
		log:      logging.Get(logging.CategoryServer),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/definition", s.handleAnalysis(types.OpFindDefinition))
		r.Post("/references", s.handleAnalysis(types.OpFindReferences))
		r.Post("/rename", s.handleAnalysis(types.OpRename))
		r.Post("/refactor", s.handleAnalysis(types.OpSuggestRefactoring))
		r.Post("/completion", s.handleAnalysis(types.OpCompletion))
		r.Post("/feedback", s.handleFeedback)
		r.Post("/track-change", s.handleTrackChange)
		r.Post("/learn", s.handleLearn)
		r.Get("/stats", s.handleStats)
	})
	r.Get("/healthz", s.handleHealth)
	if s.shared != nil && s.shared.Monitor != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.shared.Monitor.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleAnalysis(op types.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.ErrInvalidInput)
			return
		}
		req.Operation = op

		resp, err := s.analyzer.Analyze(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb learning.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, types.ErrInvalidInput)
		return
	}
	stored, err := s.loop.Record(r.Context(), fb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleTrackChange(w http.ResponseWriter, r *http.Request) {
	var fc types.FileChange
	if err := json.NewDecoder(r.Body).Decode(&fc); err != nil {
		writeError(w, types.ErrInvalidInput)
		return
	}
	ev, err := s.tracker.TrackFileChange(r.Context(), fc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type learnRequest struct {
	Operation learning.OperationType `json:"operation"`
	Pipeline  string                 `json:"pipeline,omitempty"`
	Data      learning.LearnData     `json:"data"`
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.ErrInvalidInput)
		return
	}

	var result *learning.LearnResult
	var err error
	if req.Pipeline != "" {
		result, err = s.orch.ExecutePipeline(r.Context(), req.Pipeline, req.Data)
	} else {
		result, err = s.orch.Learn(r.Context(), req.Operation, req.Data)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"learning": s.orch.HealthReport(),
	}
	if s.shared != nil {
		if s.shared.Monitor != nil {
			out["monitoring"] = s.shared.Monitor.Stats()
		}
		if s.shared.Cache != nil {
			out["cache"] = s.shared.Cache.Stats()
		}
		if s.shared.DB != nil {
			if dbStats, err := s.shared.DB.Stats(r.Context()); err == nil {
				out["database"] = dbStats
			}
		}
	}
	if stats, err := s.loop.Stats(r.Context()); err == nil {
		out["feedback"] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.orch.HealthReport()
	status := http.StatusOK
	if health.Status == learning.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	out := map[string]interface{}{"learning": health}
	if s.shared != nil {
		out["services"] = s.shared.Health()
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrNotImplemented):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
