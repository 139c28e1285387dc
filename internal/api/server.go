// Package api provides the HTTP API of the hub fleet master.
//
// Operators use the /v1 routes with role-scoped tokens. Hub agents use the
// /v1/agent routes with the node token issued at registration.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/hubfleet/internal/api/handlers"
	"github.com/narvanalabs/hubfleet/internal/api/health"
	"github.com/narvanalabs/hubfleet/internal/api/middleware"
	"github.com/narvanalabs/hubfleet/internal/auth"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	coord         *fleet.Coordinator
	auth          *auth.Service
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, coord *fleet.Coordinator, authSvc *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		coord:  coord,
		auth:   authSvc,
		config: cfg,
		logger: logger,
	}
	s.healthChecker = health.NewChecker(coord.Store(), Version)

	s.setupRouter()
	return s
}

// HealthChecker returns the checker behind /health, for registering
// optional components.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// Health check endpoint (no auth required)
	r.Get("/health", s.healthChecker.Handler())

	authMiddleware := middleware.NewAuthMiddleware(s.auth, s.logger)
	require := func(p auth.Permission) func(http.Handler) http.Handler {
		return middleware.RequirePermission(p, s.logger)
	}

	nodeHandler := handlers.NewNodeHandler(s.coord, s.auth, s.logger)
	deploymentHandler := handlers.NewDeploymentHandler(s.coord, s.logger)
	commandHandler := handlers.NewCommandHandler(s.coord, s.logger)
	agentHandler := handlers.NewAgentHandler(s.coord, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// Hub agent routes
		r.Route("/agent", func(r chi.Router) {
			r.Use(authMiddleware.Node)

			// The watch stream is long-lived and must not be timed out.
			r.Get("/commands/watch", agentHandler.Watch)

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(60 * time.Second))
				r.Post("/heartbeat", agentHandler.Heartbeat)
				r.Post("/components/sync", agentHandler.ComponentSync)
				r.Get("/commands", agentHandler.Pull)
				r.Post("/commands/{commandID}/ack", agentHandler.Acknowledge)
			})
		})

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Operator)
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Get("/auth/validate", func(w http.ResponseWriter, req *http.Request) {
				handlers.WriteJSON(w, http.StatusOK, map[string]string{
					"status":  "ok",
					"subject": middleware.GetSubject(req.Context()),
					"role":    string(middleware.GetRole(req.Context())),
				})
			})

			r.Route("/nodes", func(r chi.Router) {
				r.With(require(auth.PermissionViewFleet)).Get("/", nodeHandler.List)
				r.With(require(auth.PermissionManageNodes)).Post("/", nodeHandler.Register)

				r.Route("/{nodeID}", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(require(auth.PermissionViewFleet))
						r.Get("/", nodeHandler.Get)
						r.Get("/components", nodeHandler.Components)
						r.Get("/components/history", nodeHandler.ComponentHistory)
						r.Get("/deployments", deploymentHandler.List)
						r.Get("/commands", commandHandler.History)
					})
					r.With(require(auth.PermissionManageNodes)).Delete("/", nodeHandler.Deactivate)
					r.With(require(auth.PermissionDeploy)).Post("/deployments", deploymentHandler.Create)
					r.With(require(auth.PermissionSendCommands)).Post("/commands", commandHandler.Enqueue)
				})
			})

			r.Route("/deployments/{deploymentID}", func(r chi.Router) {
				r.With(require(auth.PermissionViewFleet)).Get("/", deploymentHandler.Get)
				r.With(require(auth.PermissionDeploy)).Post("/rollback", deploymentHandler.Rollback)
				r.With(require(auth.PermissionReportRollout)).Post("/status", deploymentHandler.ReportStatus)
			})

			r.With(require(auth.PermissionViewFleet)).Get("/commands/{commandID}", commandHandler.Get)
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	// Hijacked watch connections are not tracked by Shutdown; they end when
	// the base context is canceled.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.httpServer.RegisterOnShutdown(cancelBase)

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
