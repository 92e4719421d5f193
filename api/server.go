// Package api serves the session control endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"whatsapp-autoreply/whatsapp"
)

const licenseKeyCtx = "licenseKey"

// Registry is the session registry as seen by the API.
type Registry interface {
	Connect(ctx context.Context, req whatsapp.ConnectRequest) (whatsapp.Snapshot, error)
	Disconnect(ctx context.Context, licenseKey string) (whatsapp.Snapshot, error)
	Status(ctx context.Context, licenseKey string) (whatsapp.Snapshot, error)
}

// QRRenderer turns a pairing code into an image data URL.
type QRRenderer interface {
	DataURL(code string) (string, error)
}

// Config configures the server.
type Config struct {
	RequestRate  float64
	RequestBurst int
}

// Server wires the HTTP routes.
type Server struct {
	echo     *echo.Echo
	registry Registry
	qr       QRRenderer
	throttle *throttle
	logger   zerolog.Logger
}

// NewServer builds the echo router. qr may be nil.
func NewServer(cfg Config, registry Registry, qr QRRenderer, logger zerolog.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		registry: registry,
		qr:       qr,
		throttle: newThrottle(cfg.RequestRate, cfg.RequestBurst),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/whatsapp", s.bearerAuth, s.throttled)
	g.POST("/connect", s.connect)
	g.POST("/disconnect", s.disconnect)
	g.GET("/status", s.status)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("address", addr).Msg("HTTP API listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := s.logger.Debug()
			if v.Status >= http.StatusInternalServerError {
				evt = s.logger.Warn().Err(v.Error)
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("Request")
			return nil
		},
	})
}

// bearerAuth takes the license key from the Authorization header.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		scheme, token, found := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return fail(c, http.StatusUnauthorized, "MISSING_LICENSE", "Bearer license key required", nil)
		}
		c.Set(licenseKeyCtx, token)
		return next(c)
	}
}

func (s *Server) throttled(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.throttle.Allow(licenseKey(c)) {
			return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		}
		return next(c)
	}
}

func licenseKey(c echo.Context) string {
	key, _ := c.Get(licenseKeyCtx).(string)
	return key
}

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, errorResponse{Code: code, Message: message, Detail: detail})
}
