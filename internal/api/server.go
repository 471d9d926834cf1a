// Package api exposes a thin REST surface over the core memory engine.
// Handlers translate requests into core calls and back; no engine logic
// lives here.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/dedup"
	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/harvester"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/ratelimit"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
	"github.com/MycelicMemory/mycelicmemory/internal/tiermanager"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// Server is the REST API server.
type Server struct {
	router     *gin.Engine
	db         *database.Database
	config     *config.Config
	retrieval  *retrieval.Engine
	dedup      *dedup.Engine
	tierMgr    *tiermanager.Manager
	harvester  *harvester.Harvester
	provider   embedding.Provider
	httpServer *http.Server
	log        *logging.Logger
}

// Deps bundles the core components the server drives.
type Deps struct {
	DB        *database.Database
	Retrieval *retrieval.Engine
	Dedup     *dedup.Engine
	TierMgr   *tiermanager.Manager
	Harvester *harvester.Harvester
	Provider  embedding.Provider
}

// NewServer creates the REST API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	log := logging.GetLogger("api")
	log.Info("initializing REST API server")

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.RestAPI.CORS {
		corsConfig := cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:   []string{"Content-Length", "Retry-After"},
			MaxAge:          12 * time.Hour,
		}
		router.Use(cors.New(corsConfig))
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	router.Use(RateLimitMiddleware(limiter))
	router.Use(MaxBodySizeMiddleware(DefaultBodyLimit))

	server := &Server{
		router:    router,
		db:        deps.DB,
		config:    cfg,
		retrieval: deps.Retrieval,
		dedup:     deps.Dedup,
		tierMgr:   deps.TierMgr,
		harvester: deps.Harvester,
		provider:  deps.Provider,
		log:       log,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.healthHandler)

		api.POST("/memories", s.createMemory)
		api.GET("/memories/:id", s.getMemory)
		api.POST("/memories/search", s.searchMemories)

		api.POST("/dedup/run", s.runDedup)
		api.POST("/dedup/prune", s.runPrune)
		api.POST("/dedup/:id/reverse", s.reverseOperation)

		api.GET("/tiers/status", s.tierStatus)

		api.POST("/harvest/messages", s.harvestMessage)
	}
}

// StartWithContext starts the HTTP server and blocks until the context
// is canceled or the server fails, then shuts down gracefully.
func (s *Server) StartWithContext(ctx context.Context, shutdownTimeout time.Duration) error {
	port := s.config.RestAPI.Port
	if s.config.RestAPI.AutoPort {
		availablePort, err := findAvailablePort(port)
		if err != nil {
			return fmt.Errorf("failed to find available port: %w", err)
		}
		port = availablePort
	}

	addr := fmt.Sprintf("%s:%d", s.config.RestAPI.Host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("starting REST API server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("server shutdown error", "error", err)
			return err
		}
		s.log.Info("REST API server stopped")
	}
	return nil
}

// Router returns the underlying Gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func findAvailablePort(startPort int) (int, error) {
	for port := startPort; port < startPort+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", startPort, startPort+100)
}
