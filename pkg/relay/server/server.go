package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxprep/voxprep/pkg/relay/config"
	"github.com/voxprep/voxprep/pkg/relay/handlers"
	"github.com/voxprep/voxprep/pkg/relay/mw"
	"github.com/voxprep/voxprep/pkg/relay/session"
	"github.com/voxprep/voxprep/pkg/relay/upstream"
)

// Server owns the HTTP router and the session registry behind it.
type Server struct {
	router   chi.Router
	registry *session.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	registry := session.NewRegistry(logger, cfg.IdleTTL, cfg.SweepInterval, cfg.CardBufferLimit)

	action := &handlers.ActionHandler{
		Registry:     registry,
		Logger:       logger,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	stream := &handlers.StreamHandler{
		Registry: registry,
		Logger:   logger,
		Upstream: upstream.Config{
			URL:             cfg.UpstreamURL,
			APIKey:          cfg.APIKey,
			Models:          cfg.ModelCandidates,
			Voice:           cfg.VoiceName,
			DeclareCardTool: cfg.DeclareCardTool,
			ConnectTimeout:  cfg.ConnectTimeout,
			Logger:          logger,
		},
		PingInterval: cfg.PingInterval,
	}
	health := &handlers.HealthHandler{Registry: registry}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.AccessLog(logger))
	r.Use(mw.Recover(logger))
	r.Use(mw.CORS(cfg.CORSAllowedOrigins))

	r.Post("/api/practice", action.ServeHTTP)
	r.Get("/api/practice/{sessionID}/stream", stream.ServeHTTP)
	r.Get("/healthz", health.ServeHTTP)

	return &Server{router: r, registry: registry}
}

func (s *Server) Handler() http.Handler { return s.router }

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *session.Registry { return s.registry }

// Close tears down every session and stops the idle sweeper.
func (s *Server) Close() {
	s.registry.Close()
}
