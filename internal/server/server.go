// Package server exposes the HTTP API: the read surface over the query
// gateway and, unless read-only, the mutation surface over the coordinator.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kos-kit/kos-kit-server/internal/config"
	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/index"
	"github.com/kos-kit/kos-kit-server/internal/query"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// Server holds the wired HTTP surface. Construct it only after the startup
// barrier (bulk load or integrity check) has completed: the listener starting
// is what makes the service observable, and nothing may be observable before
// the stores are known consistent.
type Server struct {
	cfg     config.ServerConfig
	gateway *query.Gateway
	coord   *index.Coordinator
	store   store.TripleStore
	index   store.TextIndex
	logger  *slog.Logger
	router  *gin.Engine
}

// New builds the server and its router.
func New(cfg config.ServerConfig, gw *query.Gateway, coord *index.Coordinator, ts store.TripleStore, ti store.TextIndex, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		gateway: gw,
		coord:   coord,
		store:   ts,
		index:   ti,
		logger:  logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.logger))
	r.Use(requestTimeout(s.cfg.RequestTimeout.Std()))

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/graph", s.handleGraph)
	api.GET("/search", s.handleSearch)
	api.GET("/joint", s.handleJoint)
	api.POST("/filter", s.handleFilter)
	api.GET("/status", s.handleStatus)

	// Read-only mode removes the mutation surface entirely rather than
	// answering 403: the route not existing is the contract.
	if !s.cfg.ReadOnly {
		mut := api.Group("", bodyLimit(s.cfg.MaxBodyBytes))
		mut.POST("/triples", s.handleAddTriples)
		mut.DELETE("/triples", s.handleRemoveTriples)
	}
	return r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully. A bind
// failure is reported as ErrCodeBind so the caller exits non-zero before
// claiming to serve.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return kerrors.New(kerrors.ErrCodeBind,
			"failed to bind "+s.cfg.Bind, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("server_listening", "bind", s.cfg.Bind, "read_only", s.cfg.ReadOnly)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
