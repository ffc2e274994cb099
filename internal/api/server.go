package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/console"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
	intnet "github.com/adjutant-project/adjutant/internal/network"
)

// ManagerInterface is the slice of the console manager the API uses.
type ManagerInterface interface {
	Execute(ctx context.Context, serverName, command string) (string, error)
	States() []console.ServerState
	State(serverName string) (console.ServerState, bool)
	HasServer(serverName string) bool
}

// Server is the REST API server for Adjutant.
type Server struct {
	cfg      *config.Config
	eventBus *events.Bus
	manager  ManagerInterface
	store    *history.Store // nil when history is disabled

	// Server status responses are cached so dashboards polling every
	// second don't hammer the game server console.
	statusCache *cache.Cache
	statusGroup singleflight.Group

	upgrader websocket.Upgrader

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.Bus, manager ManagerInterface, store *history.Store) *Server {
	// Set Gin mode based on log level
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ttl := statusCacheTTL(cfg)
	s := &Server{
		cfg:         cfg,
		eventBus:    eventBus,
		manager:     manager,
		store:       store,
		statusCache: cache.New(ttl, 2*ttl),
		upgrader: websocket.Upgrader{
			// The API is a local management surface; cross-origin HTTP
			// is already gated by the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.subscribeMetrics()

	return s
}

func statusCacheTTL(cfg *config.Config) time.Duration {
	secs := cfg.GetApplicationData().API.StatusCacheSeconds
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Start initializes and starts the API server, blocking until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetApplicationData().API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(RequestMetrics())

	// CORS
	allowedOrigins := s.cfg.GetApplicationData().API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/servers", s.handleGetServers)
		api.POST("/servers/:name/command", s.handleCommand)
		api.GET("/servers/:name/status", s.handleStatus)
		api.GET("/history", s.handleGetHistory)
		api.GET("/system", s.handleGetSystem)
		api.GET("/ws/console", s.handleConsoleSocket)
		api.GET("/ws/events", s.handleEventSocket)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Adjutant API is running."})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
