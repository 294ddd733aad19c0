package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
)

const (
	userContextKey = "memsync.user"
	syncBodyLimit  = "16M"
)

// SyncServer serves the remote sync protocol of a Hub. Every protocol call
// is authenticated with a bearer API key that maps to one user.
type SyncServer struct {
	echo   *echo.Echo
	hub    *remote.Hub
	keys   []apiKey
	logger *zap.Logger
	config *Config
}

type apiKey struct {
	key    []byte
	userID string
}

// NewSyncServer creates the sync protocol server. At least one API key is
// required. metrics may be nil.
func NewSyncServer(hub *remote.Hub, keys []config.APIKey, logger *zap.Logger, cfg *Config, metrics *HTTPMetrics) (*SyncServer, error) {
	if hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one api key is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 7421}
	}

	s := &SyncServer{
		echo:   newEcho(logger, metrics),
		hub:    hub,
		logger: logger,
		config: cfg,
	}
	for _, k := range keys {
		if !k.Key.IsSet() || k.UserID == "" {
			return nil, errors.New("api keys need a key and a user id")
		}
		s.keys = append(s.keys, apiKey{key: []byte(k.Key.Value()), userID: k.UserID})
	}
	s.registerRoutes()
	return s, nil
}

func (s *SyncServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	mw := []echo.MiddlewareFunc{middleware.BodyLimit(syncBodyLimit), s.authenticate}
	s.echo.POST(remote.PathRegister, s.handleRegister, mw...)
	s.echo.POST(remote.PathDeregister, s.handleDeregister, mw...)
	s.echo.POST(remote.PathPrincipal, s.handlePrincipal, mw...)
	s.echo.POST(remote.PathPull, s.handlePull, mw...)
	s.echo.POST(remote.PathPush, s.handlePush, mw...)
	s.echo.POST(remote.PathWatermark, s.handleWatermark, mw...)
}

// Handler exposes the router, mainly for tests.
func (s *SyncServer) Handler() http.Handler { return s.echo }

// authenticate resolves the bearer key to a user. Every configured key is
// compared so the time taken does not depend on which one matched.
func (s *SyncServer) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		user := ""
		for _, k := range s.keys {
			if subtle.ConstantTimeCompare(k.key, []byte(token)) == 1 {
				user = k.userID
			}
		}
		if user == "" {
			s.logger.Warn("rejected api key", zap.String("remote_ip", c.RealIP()))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}
		c.Set(userContextKey, user)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithPrincipal(req.Context(), user)))
		return next(c)
	}
}

func userOf(c echo.Context) string {
	user, _ := c.Get(userContextKey).(string)
	return user
}

func (s *SyncServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HubHealthResponse{Status: "ok", Hub: s.hub.Stats()})
}

func (s *SyncServer) handleRegister(c echo.Context) error {
	var info record.DeviceInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid device info")
	}
	d, err := s.hub.RegisterDevice(c.Request().Context(), userOf(c), info)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *SyncServer) handleDeregister(c echo.Context) error {
	var req remote.DeregisterRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}
	if err := s.hub.DeregisterDevice(c.Request().Context(), userOf(c), req.DeviceID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *SyncServer) handlePrincipal(c echo.Context) error {
	roster, err := s.hub.Principal(c.Request().Context(), userOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roster)
}

func (s *SyncServer) handlePull(c echo.Context) error {
	var req remote.PullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pull request")
	}
	res, err := s.hub.Pull(c.Request().Context(), userOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *SyncServer) handlePush(c echo.Context) error {
	var req remote.PushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid push request")
	}
	results, err := s.hub.Push(c.Request().Context(), userOf(c), req.DeviceID, req.Records)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, remote.PushResponse{Results: results})
}

func (s *SyncServer) handleWatermark(c echo.Context) error {
	var req remote.WatermarkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid watermark request")
	}
	wm, err := s.hub.Watermark(c.Request().Context(), userOf(c), req.DeviceID, req.Kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wm)
}

// Start serves until Shutdown.
func (s *SyncServer) Start() error {
	addr := s.config.addr()
	s.logger.Info("starting sync server", zap.String("addr", addr), zap.Int("api_keys", len(s.keys)))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *SyncServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sync server")
	return s.echo.Shutdown(ctx)
}
