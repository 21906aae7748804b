// Package api exposes the session to the browser checklist UI over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chase3718/hichord-qa/internal/checklist"
	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/session"
	"github.com/chase3718/hichord-qa/internal/steps"
	"github.com/chase3718/hichord-qa/internal/store"
)

// Controller is the session surface the API drives. *session.Session
// implements it.
type Controller interface {
	Connect(ctx context.Context) (*device.Identity, error)
	EnterTestMode(ctx context.Context) error
	ExitTestMode(ctx context.Context) error
	StartSequence(ctx context.Context, n int) error
	AbortSequence(ctx context.Context) (bool, error)
	SkipStep(ctx context.Context, index uint8) (report.StepResult, error)
	Restart(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Report(ctx context.Context) (report.FinalReport, error)
	State(ctx context.Context) (session.State, error)
	Identity(ctx context.Context) (*device.Identity, error)
}

type Server struct {
	ctrl         Controller
	reports      store.ReportStore
	catalog      steps.Catalog
	checklist    []checklist.Definition
	defaultSteps int
	origins      []string
	log          *slog.Logger
	router       chi.Router
	server       *http.Server
}

type Option func(*Server)

// WithReportStore enables the /reports endpoints.
func WithReportStore(rs store.ReportStore) Option {
	return func(s *Server) { s.reports = rs }
}

func WithCatalog(c steps.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithDefaultSteps is the step count used when a start request omits it.
func WithDefaultSteps(n int) Option {
	return func(s *Server) { s.defaultSteps = n }
}

func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		catalog:      steps.Default(),
		checklist:    checklist.Default(),
		defaultSteps: 19,
		origins:      []string{"*"},
		log:          slog.Default(),
		router:       chi.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/test-mode", s.handleEnterTestMode)
		r.Delete("/test-mode", s.handleExitTestMode)
		r.Post("/sequence", s.handleStartSequence)
		r.Post("/sequence/abort", s.handleAbortSequence)
		r.Post("/sequence/skip", s.handleSkipStep)
		r.Post("/restart", s.handleRestart)
		r.Get("/state", s.handleState)
		r.Get("/identity", s.handleIdentity)
		r.Get("/report", s.handleReport)
		r.Get("/steps", s.handleSteps)
		r.Get("/checklist", s.handleChecklist)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Get("/{runID}", s.handleGetReport)
		})
	})
}

// Handler is the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info("api: listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
