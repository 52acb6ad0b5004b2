package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.InstrumentHandler)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Post("/companies", handler.CreateCompany)
	router.Get("/companies/{id}", handler.GetCompany)

	router.Post("/projects", handler.CreateProject)
	router.Get("/projects/{id}", handler.GetProject)

	router.Route("/reports", func(r chi.Router) {
		r.Post("/", handler.CreateReport)
		r.Get("/{id}", handler.GetReport)
		r.Put("/{id}/status", handler.UpdateReportStatus)
		r.Post("/{id}/analysis", handler.AnalyzeReport)
		r.Get("/{id}/analyses", handler.ListAnalyses)
		r.Post("/{id}/issuance", handler.IssueCredits)
		r.Get("/{id}/batch", handler.GetReportBatch)
	})

	router.Get("/analyses/{id}", handler.GetAnalysis)

	router.Get("/batches/{id}", handler.GetBatch)
	router.Get("/batches/{id}/serials", handler.ListBatchSerials)

	router.Get("/advisory-rules", handler.ListAdvisoryRules)
	router.Post("/advisory-rules", handler.CreateAdvisoryRule)
	router.Post("/advisory-rules/reload", handler.ReloadAdvisoryRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
