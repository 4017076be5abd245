// Package api exposes the swarm coordinator over HTTP: peer
// registration, task submission, result delivery and status queries.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"

	"github.com/paw-chain/swarm/swarm"
)

// Config holds server configuration
type Config struct {
	Host            string
	Port            string
	CORSOrigins     []string
	RateLimitRPS    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            "5000",
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    100,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the swarm HTTP API server.
type Server struct {
	router *gin.Engine
	swarm  *swarm.Orchestrator
	config *Config
	logger log.Logger
}

// NewServer creates the API server over an orchestrator.
func NewServer(orch *swarm.Orchestrator, config *Config, logger log.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		swarm:  orch,
		config: config,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the Gin router with routes and middleware.
func (s *Server) setupRouter() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(rateLimitMiddleware(s.config.RateLimitRPS))

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/peers", s.registerPeer)
		v1.GET("/peers", s.listPeers)
		v1.GET("/peers/:id", s.getPeer)
		v1.PUT("/peers/:id/capabilities", s.updateCapabilities)

		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/result", s.awaitResult)

		v1.POST("/results", s.submitResult)

		v1.GET("/stats", s.getStats)
	}
}

// healthCheck returns server health status
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("api server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
