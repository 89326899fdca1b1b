package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/basekick-labs/logfeed/internal/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// MetricsSource renders the process counters
type MetricsSource interface {
	Snapshot() map[string]interface{}
	PrometheusFormat() string
}

// Server is the status HTTP server of the daemon
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config *ServerConfig
	deps   Deps

	startTime time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		Port:         8095,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Deps are the components the status endpoints report on. Any of them may be
// nil; the matching endpoints then answer 404 or report the part as absent.
type Deps struct {
	Metrics      MetricsSource
	Logs         *logger.LogBuffer
	Destinations DestinationSource
	Breakers     BreakerSource
	Runs         LastRunSource
	Ledger       RunLedger
	Scheduler    SchedulerStatus
}

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               "logfeed",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	s := &Server{
		app:       app,
		logger:    logger.With().Str("component", "api-server").Logger(),
		config:    config,
		deps:      deps,
		startTime: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)

	// Prometheus text, or JSON with Accept: application/json
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/metrics", s.apiMetricsHandler)
	v1.Get("/logs", s.logsHandler)
	v1.Get("/destinations", s.destinationsHandler)
	v1.Get("/runs", s.runsHandler)
	v1.Post("/runs", s.triggerRunHandler)
	v1.Get("/runs/last", s.lastRunHandler)
	v1.Get("/runs/:id/files", s.runFilesHandler)
}

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready once a destination set is loaded and the
// scheduler, when there is one, is running
func (s *Server) readyHandler(c *fiber.Ctx) error {
	destinations := 0
	if s.deps.Destinations != nil {
		destinations = len(s.deps.Destinations.Cached())
	}
	scheduling := s.deps.Scheduler == nil || s.deps.Scheduler.IsRunning()

	body := fiber.Map{
		"status":       "ready",
		"time":         time.Now().UTC().Format(time.RFC3339),
		"uptime_sec":   time.Since(s.startTime).Seconds(),
		"destinations": destinations,
		"scheduling":   scheduling,
	}
	if destinations == 0 || !scheduling {
		body["status"] = "not_ready"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.deps.Metrics == nil {
		return fiber.NewError(fiber.StatusNotFound, "metrics are not enabled")
	}

	if c.Get("Accept") == "application/json" {
		return c.JSON(s.deps.Metrics.Snapshot())
	}

	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(s.deps.Metrics.PrometheusFormat())
}

// apiMetricsHandler returns all metrics in JSON format (API v1)
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	if s.deps.Metrics == nil {
		return fiber.NewError(fiber.StatusNotFound, "metrics are not enabled")
	}
	snapshot := s.deps.Metrics.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if s.deps.Scheduler != nil {
		snapshot["scheduler"] = s.deps.Scheduler.Status()
	}
	return c.JSON(snapshot)
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	if s.deps.Logs == nil {
		return fiber.NewError(fiber.StatusNotFound, "log buffer is not enabled")
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level") // e.g., "error", "warn", "info", "debug"

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	entries := s.deps.Logs.GetRecent(limit, level, sinceMinutes)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start starts listening in the background. Listen failures are logged.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info().
		Str("addr", addr).
		Bool("tls", s.config.TLSEnabled).
		Msg("Starting status server")

	go func() {
		var err error
		if s.config.TLSEnabled {
			err = s.app.ListenTLS(addr, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.app.Listen(addr)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Str("addr", addr).Msg("Status server stopped")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Status server stopped")
	return nil
}

// Close implements shutdown.Shutdownable
func (s *Server) Close() error {
	return s.Shutdown(10 * time.Second)
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// JSON and text only
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		if status >= 400 {
			logEvent := logger.Warn()
			if status >= 500 {
				logEvent = logger.Error()
			}

			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}

		return err
	}
}
