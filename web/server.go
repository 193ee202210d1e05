package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"travel-chat/config"
	"travel-chat/state"
	"travel-chat/web/handlers"
	"travel-chat/web/middleware"
	"travel-chat/web/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the engine pieces the web front-end exposes.
type Dependencies struct {
	Engine     handlers.ChatEngine
	Chat       *state.ChatStore
	Sessions   *state.SessionStore
	Prefs      *state.PreferenceStore
	Notifier   *state.Notifier
	Health     handlers.HealthChecker
	Connection services.ConnectionReporter
}

type Server struct {
	router  *gin.Engine
	deps    Dependencies
	limiter *middleware.SessionRateLimiter
	logger  *zap.Logger
	config  *config.Config
}

func NewServer(deps Dependencies, logger *zap.Logger, config *config.Config) *Server {
	// Set Gin mode based on environment
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		// Add logger to context
		c.Set("logger", logger)
		c.Next()
	})
	router.Use(middleware.SessionMiddleware(deps.Sessions))

	server := &Server{
		router: router,
		deps:   deps,
		limiter: middleware.NewSessionRateLimiter(middleware.RateLimiterConfig{
			MessagesPerMinute: config.RateLimitMessagesPerMin,
			BurstSize:         config.RateLimitBurstSize,
		}, logger),
		logger: logger,
		config: config,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	views := services.NewStateService(s.deps.Chat, s.deps.Sessions, s.deps.Prefs, s.deps.Connection)

	chatHandler := handlers.NewChatHandler(s.deps.Engine, s.deps.Chat, s.deps.Notifier, views, s.deps.Health, s.logger)
	sessionHandler := handlers.NewSessionHandler(s.deps.Engine, s.deps.Sessions, s.logger)

	// Web routes
	s.router.GET("/", chatHandler.Index)

	api := s.router.Group("/api")
	api.GET("/state", chatHandler.State)
	api.POST("/chat", middleware.RateLimitMiddleware(s.limiter), chatHandler.SendMessage)
	api.GET("/updates", chatHandler.Updates)
	api.DELETE("/error", chatHandler.DismissError)
	api.GET("/health", chatHandler.Health)

	api.GET("/sessions", sessionHandler.List)
	api.POST("/sessions", sessionHandler.Create)
	api.POST("/sessions/refresh", sessionHandler.Refresh)
	api.PUT("/sessions/:id/current", sessionHandler.Switch)
	api.DELETE("/sessions/:id", sessionHandler.Delete)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Long-lived change feeds end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server failed to start", zap.Error(err))
			errCh <- err
		}
	}()

	// Wait for context cancellation
	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.limiter.Stop()
		return err
	}

	s.logger.Info("Shutting down web server")
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases background resources without starting the server.
func (s *Server) Close() {
	s.limiter.Stop()
}
