package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/affection"
	"github.com/siliconchat/internal/chat"
	"github.com/siliconchat/internal/quota"
)

// Options are the collaborators of a Server. A nil Tokens serves /api/v1
// without authentication.
type Options struct {
	Port     int
	Chat     *chat.Service
	Ledger   *quota.Ledger
	Tracker  *affection.Tracker
	Tokens   *TokenService
	Gatherer prometheus.Gatherer
}

// Server is the HTTP bridge the chat host talks to.
type Server struct {
	echo    *echo.Echo
	port    int
	chat    *chat.Service
	ledger  *quota.Ledger
	tracker *affection.Tracker
}

func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		port:    opts.Port,
		chat:    opts.Chat,
		ledger:  opts.Ledger,
		tracker: opts.Tracker,
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	if opts.Tokens != nil {
		v1.Use(RequireAuth(opts.Tokens))
	} else {
		log.Warn().Msg("server.jwt_secret is empty, /api/v1 is served without authentication")
	}

	v1.POST("/events/message", s.handleMessage)
	v1.POST("/events/poke", s.handlePoke)

	v1.POST("/commands/chat", s.handleChat)
	v1.POST("/commands/chatnh", s.handleChatNoHistory)
	v1.POST("/commands/chat-clear", s.handleClear)

	v1.GET("/models", s.handleModels)

	v1.GET("/quota/:userId", s.getQuota)
	v1.PUT("/quota/:userId", s.setQuota)
	v1.GET("/affection/:userId", s.getAffection)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("bridge listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("shutting down bridge")
	return s.echo.Shutdown(shutdownCtx)
}
