// Package httpapi exposes the pipeline over HTTP for UI frontends.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/logging"
	"github.com/mentorlabs/mentord/internal/memory"
	"github.com/mentorlabs/mentord/internal/pipeline"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Server wraps echo with the pipeline routes.
type Server struct {
	echo   *echo.Echo
	config Config

	orchestrator *pipeline.Orchestrator
	store        *memory.Store
	logger       *logging.Logger
}

// NewServer creates the HTTP server. The store may be nil; the memory
// routes then answer 503.
func NewServer(cfg Config, orch *pipeline.Orchestrator, store *memory.Store, logger *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:         e,
		config:       cfg,
		orchestrator: orch,
		store:        store,
		logger:       logger,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/problems", s.handleSolve)
	v1.POST("/problems/:id/feedback", s.handleFeedback)
	v1.GET("/memory/stats", s.handleStats)
	v1.GET("/memory/recent", s.handleRecent)
	v1.GET("/memory/corrections", s.handleCorrections)
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.ContextWithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)

		s.logger.Info(ctx, "request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type solveRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func (s *Server) handleSolve(c echo.Context) error {
	var req solveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	outcome := s.orchestrator.Run(c.Request().Context(), req.Text, req.Source)
	return c.JSON(http.StatusOK, outcome)
}

type feedbackRequest struct {
	Type       string `json:"type"`
	Correction string `json:"correction"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.orchestrator.RecordFeedback(c.Request().Context(), c.Param("id"), req.Type, req.Correction)
	switch {
	case errors.Is(err, memory.ErrInvalidFeedback):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, memory.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "problem not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "recording feedback failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleStats(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory store not configured")
	}
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "reading stats failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRecent(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory store not configured")
	}
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	entries, err := s.store.Recent(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "reading recent entries failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCorrections(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory store not configured")
	}
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	entries, err := s.store.Corrections(c.Request().Context(), c.QueryParam("topic"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "reading corrections failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}
