package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/config"
	"example.com/eventchain/indexer/internal/api/handlers"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/tracing"
)

// Server is the ops HTTP server running next to the indexer
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new ops server
func NewServer(cfg config.ServerConfig, m *metrics.Metrics, status handlers.StatusProvider, tracer *tracing.Tracer) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	if app := tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	handlers.NewOpsHandler(m, status).RegisterRoutes(router)

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Timeout,
		},
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting ops server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "ops server error")
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "ops server shutdown error")
	}
	return nil
}
