// Package api exposes the operation engine over HTTP.
//
// The surface splits into three groups: file operations under
// /api/locations/:id, bulk operations and job tracking under
// /api/operations, and admin endpoints for locations and spaces. All
// responses are JSON except downloads and the progress event stream.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/engine"
	"github.com/patchpanel/remotefs/pkg/metrics"
	"github.com/patchpanel/remotefs/pkg/registry"
)

// Dependencies carries everything the API server needs.
type Dependencies struct {
	Engine   *engine.Engine
	Registry *registry.Registry

	// MetricsPath mounts the Prometheus handler when non-empty and the
	// metrics registry is initialized.
	MetricsPath string
}

// Server wraps the fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New builds the HTTP server with all routes registered.
func New(deps Dependencies) *Server {
	app := fiber.New(fiber.Config{
		AppName: "remotefs",

		// Uploads stream through to the backend instead of buffering in
		// memory.
		StreamRequestBody: true,

		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())

	s := &Server{app: app, deps: deps}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	if s.deps.MetricsPath != "" && metrics.IsEnabled() {
		handler := promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
		s.app.Get(s.deps.MetricsPath, func(c *fiber.Ctx) error {
			fasthttpadaptor.NewFastHTTPHandler(handler)(c.Context())
			return nil
		})
	}

	api := s.app.Group("/api")

	locations := api.Group("/locations")
	locations.Get("/", s.listLocations)
	locations.Post("/", s.addLocation)
	locations.Get("/:id", s.getLocation)
	locations.Delete("/:id", s.removeLocation)

	files := locations.Group("/:id")
	files.Get("/files", s.listFiles)
	files.Get("/list", s.listFiles)
	files.Get("/stat", s.statFile)
	files.Get("/download", s.downloadFile)
	files.Put("/upload", s.uploadFile)
	files.Post("/upload", s.uploadFile)
	files.Post("/mkdir", s.mkdir)
	files.Delete("/files", s.deleteFile)
	files.Post("/rename", s.renameFile)

	spaces := api.Group("/spaces")
	spaces.Get("/", s.listSpaces)
	spaces.Post("/", s.addSpace)
	spaces.Get("/:id", s.getSpace)
	spaces.Delete("/:id", s.removeSpace)

	ops := api.Group("/operations")
	ops.Post("/", s.submitOperation)
	ops.Post("/bulk", s.submitOperation)
	ops.Get("/", s.listOperations)
	ops.Get("/:jobID", s.getOperation)
	ops.Post("/:jobID/cancel", s.cancelOperation)
	ops.Get("/:jobID/events", s.streamOperationEvents)
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on the given address until Shutdown is called.
func (s *Server) Listen(addr string) error {
	logger.Info("api: listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return s.app.Shutdown()
	}
	return s.app.ShutdownWithTimeout(time.Until(deadline))
}
