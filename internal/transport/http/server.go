package http

import (
	"context"
	stdhttp "net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/auth"
	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/core"
)

// Server is the HTTP server plus the websocket sessions it has started.
// Shutdown does not wait for hijacked connections; WaitSessions does.
type Server struct {
	*stdhttp.Server
	sessions *sync.WaitGroup
}

// WaitSessions blocks until every websocket handler has returned, so their
// disconnect cleanup is done, or ctx expires. Call it after Shutdown.
func (s *Server) WaitSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewServer builds the HTTP server with REST, websocket and metrics routes.
func NewServer(hub *core.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiHandlers := NewAPIHandlers(authService, logger)
	roomHandlers := NewRoomHandlers(hub, logger)

	api := router.Group("/api")
	{
		api.POST("/register", apiHandlers.Register)
		api.POST("/login", apiHandlers.Login)
		api.POST("/guest", apiHandlers.GuestLogin)

		api.GET("/rooms", roomHandlers.ListRooms)
		api.GET("/rooms/:id/members", roomHandlers.ListMembers)
	}

	protected := api.Group("")
	protected.Use(AuthMiddleware(authService, logger))
	{
		protected.POST("/rooms", roomHandlers.CreateRoom)
	}

	sessions := &sync.WaitGroup{}
	router.GET("/ws/rooms", gin.WrapH(NewWSHandler(hub, authService, core.NamespaceRooms, cfg, sessions, logger)))
	router.GET("/ws/chatroom", gin.WrapH(NewWSHandler(hub, authService, core.NamespaceChat, cfg, sessions, logger)))

	return &Server{
		Server: &stdhttp.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		sessions: sessions,
	}
}
