// Package frontend serves the workflow submission API.
package frontend

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/linkflow/agentflow/internal/execution/pool"
	"github.com/linkflow/agentflow/internal/execution/scheduler"
	"github.com/linkflow/agentflow/internal/observability/metrics"
	"github.com/linkflow/agentflow/internal/store"
	"github.com/linkflow/agentflow/internal/worker/connector"
)

const bearerPrefix = "Bearer "

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
	// APIKey, when set, is required as a Bearer token on /api routes.
	APIKey string
}

// WorkerLister reports the registered workers and their call statistics.
type WorkerLister interface {
	Workers() []connector.WorkerInfo
	Stats(workerID string) (connector.StatsSnapshot, bool)
}

type Options struct {
	Executor *scheduler.Executor
	Pool     *pool.Pool
	Store    store.WorkflowStore
	Workers  WorkerLister
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	app      *fiber.App
	config   Config
	executor *scheduler.Executor
	pool     *pool.Pool
	store    store.WorkflowStore
	workers  WorkerLister
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewServer(cfg Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}

	s := &Server{
		config:   cfg,
		executor: opts.Executor,
		pool:     opts.Pool,
		store:    opts.Store,
		workers:  opts.Workers,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "agentflow",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s.app.Use(fiberrecover.New())
	s.app.Use(requestLogger(s.logger))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	api := s.app.Group("/api/v1", s.auth)
	api.Post("/workflows/plan", s.planWorkflow)
	api.Post("/workflows", s.submitWorkflow)
	api.Get("/workflows/:id", s.getWorkflow)
	api.Get("/workers", s.listWorkers)
	api.Get("/workers/:id/stats", s.workerStats)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	s.logger.Info("http server listening", slog.String("address", s.config.Address))
	return s.app.Listen(s.config.Address)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) auth(c *fiber.Ctx) error {
	if s.config.APIKey == "" {
		return c.Next()
	}
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid API key")
	}
	return c.Next()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   strings.ToLower(strings.ReplaceAll(utils.StatusMessage(code), " ", "_")),
		Message: message,
	})
}

// requestLogger logs every request once it has been served.
func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				return herr
			}
		}

		status := c.Response().StatusCode()
		attrs := []slog.Attr{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.LogAttrs(c.UserContext(), level, "http request", attrs...)
		return nil
	}
}
