// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the task manager and semantic search over HTTP.
//
// Routes live under /api/v1. Errors are rendered as {"error": "..."} with the
// status chosen by the error's kind: validation 400, unknown task 404, a
// result that is not ready or a conflicting run 409, a full queue or an
// unreachable dependency 503.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/tasks"
)

// ServiceVectorStore names the health check that gates search.
const ServiceVectorStore = "vector_store"

const (
	defaultMaxUploadBytes = 50 << 20
	defaultListLimit      = 100
	defaultTopK           = 5
	healthCheckTimeout    = 3 * time.Second
	// multipart framing on top of the file itself
	formOverheadBytes = 1 << 20
)

// TaskService is the subset of *tasks.Manager the API needs.
type TaskService interface {
	CreateTask(ctx context.Context, input core.Descriptor) (core.ID, error)
	GetStatus(ctx context.Context, id core.ID) (*core.Task, error)
	GetResult(ctx context.Context, id core.ID) (*core.Result, error)
	LoadArtifact(ctx context.Context, id core.ID) ([]byte, core.OutputFormat, error)
	Cancel(ctx context.Context, id core.ID) (*core.Task, error)
	DeleteTask(ctx context.Context, id core.ID) error
	ListTasks(ctx context.Context, limit int) ([]*core.Task, error)
	Stats() tasks.Stats
}

// Searcher runs semantic queries. *search.Searcher satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]core.SearchHit, error)
}

// HealthCheck returns nil when a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type healthCheck struct {
	name  string
	check HealthCheck
}

// Server is the HTTP front end.
type Server struct {
	app            *fiber.App
	tasks          TaskService
	searcher       Searcher
	uploadDir      string
	maxUploadBytes int
	defaults       core.ProcessConfig
	checks         []healthCheck
	version        string
	allowedOrigins []string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithUploadDir sets where uploaded files are written. Default is ./data/uploads.
func WithUploadDir(dir string) Option {
	return func(s *Server) error {
		if dir == "" {
			return fmt.Errorf("%w: upload directory is required", core.ErrValidation)
		}
		s.uploadDir = dir
		return nil
	}
}

// WithMaxUploadBytes caps the size of an uploaded file. Default is 50 MiB.
func WithMaxUploadBytes(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("%w: upload limit must be positive", core.ErrValidation)
		}
		s.maxUploadBytes = n
		return nil
	}
}

// WithProcessDefaults sets the task options used when a form field is omitted.
func WithProcessDefaults(cfg core.ProcessConfig) Option {
	return func(s *Server) error {
		if err := core.ValidateProcessConfig(cfg); err != nil {
			return err
		}
		s.defaults = cfg
		return nil
	}
}

// WithHealthCheck registers a dependency probe reported by /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) error {
		if name == "" || check == nil {
			return fmt.Errorf("%w: health check needs a name and a probe", core.ErrValidation)
		}
		s.checks = append(s.checks, healthCheck{name: name, check: check})
		return nil
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) error {
		s.version = version
		return nil
	}
}

// WithAllowedOrigins sets the CORS allow list. Default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) error {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
		return nil
	}
}

// WithTimeouts sets the connection read, write and idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) error {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
		return nil
	}
}

// NewServer builds the fiber app and registers every route.
func NewServer(taskService TaskService, searcher Searcher, opts ...Option) (*Server, error) {
	if taskService == nil {
		return nil, ErrTaskServiceRequired
	}
	if searcher == nil {
		return nil, ErrSearcherRequired
	}

	s := &Server{
		tasks:          taskService,
		searcher:       searcher,
		uploadDir:      "./data/uploads",
		maxUploadBytes: defaultMaxUploadBytes,
		defaults:       core.DefaultProcessConfig(),
		version:        "1.0.0",
		allowedOrigins: []string{"*"},
		logger:         slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "idp",
		BodyLimit:             s.maxUploadBytes + formOverheadBytes,
		ReadTimeout:           s.readTimeout,
		WriteTimeout:          s.writeTimeout,
		IdleTimeout:           s.idleTimeout,
		ErrorHandler:          errorHandler(s.logger),
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.allowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods: "GET, POST, DELETE, HEAD",
	}))
	s.app.Use(requestLogger(s.logger))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	v1 := s.app.Group("/api/v1")
	v1.Post("/process", s.process)
	v1.Get("/tasks", s.listTasks)
	v1.Get("/tasks/:id", s.getTask)
	v1.Get("/tasks/:id/result", s.getResult)
	v1.Get("/tasks/:id/download", s.download)
	v1.Post("/tasks/:id/cancel", s.cancel)
	v1.Delete("/tasks/:id", s.deleteTask)
	v1.Post("/search", s.search)
	v1.Get("/health", s.health)
}

// App exposes the underlying fiber app, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, core.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, core.ErrNotReady),
		errors.Is(err, core.ErrTaskFailed),
		errors.Is(err, core.ErrConcurrentRun),
		errors.Is(err, core.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, core.ErrQueueFull),
		errors.Is(err, core.ErrUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, core.ErrTimeout):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}
