package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/sheet-vault/internal/config"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/versioning"
)

// Server represents the HTTP server
type Server struct {
	*http.Server
	router   chi.Router
	versions *versioning.Manager
	locks    *lock.Manager
	logger   *logrus.Logger
}

// NewServer creates a new HTTP server with all routes configured
func NewServer(cfg config.ServerConfig, versions *versioning.Manager, locks *lock.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", actorHeader},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		Server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router:   r,
		versions: versions,
		locks:    locks,
		logger:   logger,
	}

	s.setupRoutes()

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", s.handleHealth)

		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleUpload)

		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)

			r.Get("/versions", s.handleListVersions)
			r.Post("/versions", s.handleCreateVersion)
			r.Get("/versions/{n}", s.handleGetVersion)
			r.Get("/versions/{n}/download", s.handleDownload)
			r.Get("/versions/{n}/changes", s.handleListChanges)
			r.Post("/restore/{n}", s.handleRestore)

			r.Get("/diff/{v1}/{v2}", s.handleDiff)

			r.Get("/lock", s.handleLockStatus)
			r.Post("/lock", s.handleAcquireLock)
			r.Post("/lock/renew", s.handleRenewLock)
			r.Delete("/lock", s.handleReleaseLock)
		})
	})
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}
