// Package server exposes the optional health and metrics endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// authChecker reports whether the upstream session currently holds a valid
// token.
type authChecker interface {
	Authorized() bool
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	auth      authChecker
	startTime time.Time
}

func NewServer(cfg *config.Config, auth authChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		auth:      auth,
		startTime: time.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	if !s.auth.Authorized() {
		return c.JSON(503, map[string]string{
			"status":       "unhealthy",
			"failed_check": "twitch_auth",
		})
	}
	return c.JSON(200, map[string]string{"status": "ready"})
}

func (s *Server) Start() error {
	slog.Info("Starting observability server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
