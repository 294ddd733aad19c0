// Package http serves memsync over HTTP: the device admin API the daemon
// exposes on localhost, and the sync protocol API of the remote hub.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/services"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// ConfigFrom converts the server section of the config file.
func ConfigFrom(cfg config.ServerConfig) *Config {
	return &Config{Host: cfg.Host, Port: cfg.Port}
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// newEcho builds an Echo instance with the middleware both servers share:
// panic recovery, request ids, request logging and optional metrics.
func newEcho(logger *zap.Logger, metrics *HTTPMetrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// requestLogger logs one line per request and puts the request id on the
// request context for downstream context-aware logs.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", rid),
			)
			return err
		}
	}
}

// Server is the device admin API.
type Server struct {
	echo   *echo.Echo
	admin  *services.Admin
	logger *zap.Logger
	config *Config
}

// NewServer creates the admin API over admin. metrics may be nil.
func NewServer(admin *services.Admin, logger *zap.Logger, cfg *Config, metrics *HTTPMetrics) (*Server, error) {
	if admin == nil {
		return nil, errors.New("admin cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 7420}
	}

	s := &Server{
		echo:   newEcho(logger, metrics),
		admin:  admin,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sync/status", s.handleSyncStatus)
	v1.POST("/sync/trigger", s.handleSyncTrigger)
	v1.GET("/index/verify", s.handleVerify)
	v1.POST("/index/rebuild", s.handleRebuild)
	v1.POST("/ingest", s.handleIngest)
	v1.GET("/search", s.handleSearch)
	v1.POST("/records", s.handlePutRecord)
	v1.GET("/records/:id", s.handleGetRecord)
	v1.DELETE("/records/:id", s.handleDeleteRecord)
	v1.GET("/records/:id/history", s.handleHistory)
	v1.POST("/scrub", s.handleScrub)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth reports "degraded" while the engine is backing off or the
// last index check found drift. It never fails because of either.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{Status: "ok"}
	st, err := s.admin.SyncStatus(ctx, "")
	if err != nil {
		return err
	}
	resp.Sync = string(st.State)
	resp.DeviceID = st.DeviceID
	resp.PendingPush = st.PendingPush
	if st.LastError != "" {
		resp.Status = "degraded"
	}
	if st.LastCheck != nil {
		resp.IndexDrift = st.LastCheck.DriftDetected
		if resp.IndexDrift {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(c echo.Context) error {
	st, err := s.admin.SyncStatus(c.Request().Context(), c.QueryParam("device_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// handleSyncTrigger schedules a cycle, or with ?wait=true runs one and
// returns its result.
func (s *Server) handleSyncTrigger(c echo.Context) error {
	wait, err := boolParam(c, "wait")
	if err != nil {
		return err
	}
	if !wait {
		s.admin.TriggerSync()
		return c.JSON(http.StatusAccepted, TriggerResponse{Triggered: true})
	}
	res, err := s.admin.SyncNow(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TriggerResponse{Triggered: true, Result: res})
}

func (s *Server) handleVerify(c echo.Context) error {
	rep, err := s.admin.VerifyConsistency(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) handleRebuild(c echo.Context) error {
	s.logger.Info("manual index rebuild requested",
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
	rep, err := s.admin.ForceRebuildIndex(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	sums, err := s.admin.Ingest(c.Request().Context(), req.Path)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, IngestResponse{Sources: sums})
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 10
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSearchResults {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("k must be between 1 and %d", maxSearchResults))
		}
		k = n
	}
	hits, err := s.admin.Search(c.Request().Context(), q, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func (s *Server) handlePutRecord(c echo.Context) error {
	var rec record.Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record body")
	}
	stored, err := s.admin.Registry().Writer().Put(c.Request().Context(), &rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stored)
}

func (s *Server) handleGetRecord(c echo.Context) error {
	rec, err := s.admin.Registry().Writer().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	rec, err := s.admin.Registry().Writer().Tombstone(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	entries, err := s.admin.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryResponse{ID: id, Entries: entries})
}

// handleScrub runs the ingestion scrubber over arbitrary content, so users
// can check what would be redacted before a file is indexed.
func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result, err := s.admin.Registry().Scrubber().Scrub(req.Path, req.Content)
	if err != nil {
		return err
	}
	s.logger.Debug("scrubbed content",
		zap.Int("findings", len(result.Findings)),
		zap.Duration("duration", result.Duration),
	)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: len(result.Findings),
		ByRule:        result.ByRule,
	})
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
	}
	return v, nil
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := s.config.addr()
	s.logger.Info("starting admin api", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin api")
	return s.echo.Shutdown(ctx)
}
