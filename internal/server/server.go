package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/internal/api"
	"github.com/jscharber/coursemirror/pkg/health"
	"github.com/jscharber/coursemirror/pkg/logger"
	"github.com/jscharber/coursemirror/pkg/tracing"
)

// Dependencies holds the components the HTTP server exposes
type Dependencies struct {
	Controller *api.SyncController
	Health     *health.Handler
	Tracing    *tracing.Service
	Logger     *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	config     *Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a new HTTP server
func New(config *Config, deps Dependencies) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if deps.Controller == nil || deps.Health == nil {
		return nil, fmt.Errorf("controller and health handler are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	server := &Server{
		config: config,
		logger: deps.Logger,
	}
	server.router = NewRouter(config, deps)
	server.httpServer = &http.Server{
		Addr:         config.GetAddress(),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails, then shuts down
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("address", s.config.GetAddress()), zap.Bool("tls", s.config.TLSEnabled))

		var err error
		if s.config.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down server")
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("Server shutdown complete")
	return nil
}

// NewRouter builds the gin engine with middleware, health and admin routes
func NewRouter(config *Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		deps.Logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{Error: "INTERNAL_ERROR"})
	}))
	router.Use(SecurityHeadersMiddleware())
	router.Use(RequestIDMiddleware(config.RequestIDHdr))
	router.Use(logger.GinMiddleware(deps.Logger, logger.DefaultHTTPLogConfig()))
	if deps.Tracing != nil {
		router.Use(deps.Tracing.GinMiddleware())
	}
	if config.CORSEnabled {
		router.Use(CORSMiddleware(config))
	}
	if config.RateLimitEnabled {
		router.Use(RateLimitMiddleware(config))
	}
	router.Use(MaxRequestSizeMiddleware(config.MaxRequestSize))

	deps.Health.RegisterRoutes(router)

	apiGroup := router.Group(config.APIPrefix)
	deps.Health.RegisterRoutes(apiGroup)
	deps.Controller.RegisterRoutes(apiGroup.Group("", AdminTokenMiddleware(config)))

	return router
}
