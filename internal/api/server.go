package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/config"
	"github.com/JakeFAU/domaintext/internal/metrics"
)

const (
	maxRequestBytes = 1 << 20
	readyTimeout    = 3 * time.Second
)

// Server wires HTTP handlers to the finder.
type Server struct {
	router chi.Router
	finder Finder
	cfg    config.Config
	logger *zap.Logger
}

type lookupRequest struct {
	Domain []string `json:"domain"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(finder Finder, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		finder: finder,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/find_data/", s.findData)
		r.Post("/find_data", s.findData)
		r.Post("/find_predictions/", s.findPredictions)
		r.Post("/find_predictions", s.findPredictions)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.finder.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) findData(w http.ResponseWriter, r *http.Request) {
	domains, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	entries, ok := LookupData(r.Context(), s.finder, domains)
	s.writeLookup(w, r, "find_data", domains, entries, ok)
}

func (s *Server) findPredictions(w http.ResponseWriter, r *http.Request) {
	domains, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	entries, ok := LookupPredictions(r.Context(), s.finder, domains)
	s.writeLookup(w, r, "find_predictions", domains, entries, ok)
}

func (s *Server) decodeDomains(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req lookupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	domains, err := NormalizeDomains(req.Domain)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, false
	}
	return domains, true
}

func (s *Server) writeLookup(w http.ResponseWriter, r *http.Request, op string, domains []string, entries []any, ok bool) {
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	s.logger.Info("lookup served",
		zap.String("op", op),
		zap.Strings("domains", domains),
		zap.Int("entries", len(entries)),
		zap.Int("status", status),
		zap.String("request_id", RequestID(r.Context())),
	)
	s.writeJSON(w, status, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
