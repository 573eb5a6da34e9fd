// Package server exposes relayerd's operator surface: health, status,
// route pause controls, and on-demand reconciliation runs behind JWT HMAC
// authentication, plus unauthenticated health and Prometheus endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebasenet/services/relayerd/recon"
	"rebasenet/services/relayerd/relay"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Relayer   *relay.Relayer
	Recon     *recon.Exporter
	JWTSecret string
	Issuer    string
	Audience  string
	Logger    *slog.Logger
}

// Server encapsulates the admin HTTP API.
type Server struct {
	relayer *relay.Relayer
	recon   *recon.Exporter
	auth    *authenticator
	logger  *slog.Logger
	router  http.Handler
}

// New validates the configuration and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Relayer == nil {
		return nil, fmt.Errorf("server: relayer required")
	}
	if cfg.Recon == nil {
		return nil, fmt.Errorf("server: recon exporter required")
	}
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, fmt.Errorf("server: admin jwt secret required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relayer: cfg.Relayer,
		recon:   cfg.Recon,
		auth: &authenticator{
			secret:   []byte(secret),
			issuer:   strings.TrimSpace(cfg.Issuer),
			audience: strings.TrimSpace(cfg.Audience),
			skew:     2 * time.Minute,
			logger:   logger,
		},
		logger: logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.auth.middleware)
		pr.Get("/status", s.handleStatus)
		pr.Post("/routes/{route}/pause", s.handlePause)
		pr.Post("/routes/{route}/resume", s.handleResume)
		pr.Post("/routes/{route}/drain", s.handleDrain)
		pr.Post("/recon/run", s.handleRecon)
	})

	s.router = r
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"routes": s.relayer.Status(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "route")
	if err := s.relayer.PauseRoute(name); err != nil {
		writeRouteError(w, err)
		return
	}
	s.logger.Info("route paused", "route", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "route")
	if err := s.relayer.ResumeRoute(name); err != nil {
		writeRouteError(w, err)
		return
	}
	s.logger.Info("route resumed", "route", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "route")
	if err := s.relayer.RunOnce(r.Context(), name); err != nil {
		writeRouteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconRequest struct {
	Day string `json:"day"`
}

func (s *Server) handleRecon(w http.ResponseWriter, r *http.Request) {
	var req reconRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var day time.Time
	if trimmed := strings.TrimSpace(req.Day); trimmed != "" {
		parsed, err := time.Parse("2006-01-02", trimmed)
		if err != nil {
			http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	result, err := s.recon.Run(r.Context(), day)
	if err != nil {
		s.logger.Error("recon run failed", "error", err)
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func writeRouteError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrUnknownRoute) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}
