// Package server wires the management API onto an HTTP server: chi routing,
// middleware, the OpenAPI-documented system endpoints, and graceful
// shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/config"
	"github.com/blobmirror/blobmirror/internal/handlers"
	"github.com/blobmirror/blobmirror/internal/repository"
	"github.com/blobmirror/blobmirror/internal/sync"
	"github.com/blobmirror/blobmirror/internal/uploads"
)

// Server is the blobmirror HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	backend    backend.Client
	containers *handlers.ContainerHandler
	blobs      *handlers.BlobHandler
	uploads    *handlers.UploadHandler
	sync       *handlers.SyncHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Backend string `json:"backend" example:"ok" doc:"Storage backend reachability"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server and registers all routes.
func New(cfg *config.Config, repo *repository.Repository, mgr *uploads.Manager, syncer *sync.Synchronizer, client backend.Client) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BlobMirror Management API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:        cfg,
		router:     router,
		api:        api,
		backend:    client,
		containers: handlers.NewContainerHandler(repo),
		blobs:      handlers.NewBlobHandler(repo, cfg.Upload.MaxSize),
		uploads:    handlers.NewUploadHandler(mgr, cfg.Upload.MaxSize),
		sync:       handlers.NewSyncHandler(syncer),
	}
	s.registerRoutes()
	return s
}

// Handler returns the complete handler chain:
// requestLogging -> metricsMiddleware -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = metricsMiddleware(handler)
	handler = requestLogging(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the chi router. The system
// endpoints (/health, /docs, /openapi, /metrics) are documented via Huma or
// served directly; the /api tree carries the management surface.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports server liveness and storage backend reachability.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		body := HealthBody{Status: "ok", Backend: "ok"}
		if err := s.backend.HealthCheck(ctx); err != nil {
			body.Backend = "unreachable"
		}
		return &HealthOutput{Body: body}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/containers", func(r chi.Router) {
			r.Get("/", s.containers.List)
			r.Route("/{container}", func(r chi.Router) {
				r.Get("/", s.containers.Get)
				r.Put("/", s.containers.Create)
				r.Patch("/", s.containers.Update)
				r.Delete("/", s.containers.Delete)
				r.Route("/blobs", func(r chi.Router) {
					r.Get("/", s.blobs.List)
					// Blob names may contain slashes; the wildcard
					// binds the full remainder.
					r.Get("/*", s.blobs.Read)
					r.Put("/*", s.blobs.Create)
					r.Patch("/*", s.blobs.Update)
					r.Delete("/*", s.blobs.Delete)
				})
			})
		})
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.uploads.Create)
			r.Get("/", s.uploads.List)
			r.Route("/{uploadId}", func(r chi.Router) {
				r.Get("/", s.uploads.Status)
				r.Put("/blocks", s.uploads.StageBlock)
				r.Post("/commit", s.uploads.Commit)
				r.Post("/cancel", s.uploads.Cancel)
			})
		})
		r.Post("/sync", s.sync.Run)
	})
}
