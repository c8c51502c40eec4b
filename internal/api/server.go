package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMetricsPath = "/metrics"
	idleTimeout        = 120 * time.Second
	readHeaderTimeout  = 10 * time.Second
)

// Server is the HTTP surface of the assessment service.
type Server struct {
	router *chi.Mux
	config domain.ServerConfig

	httpServer *http.Server
}

// NewServer wires handlers and middleware. gatherer backs the metrics
// endpoint; nil uses the default Prometheus gatherer.
func NewServer(cfg *domain.Config, svc *assessor.Service, repo domain.Repository, cache domain.Cache, m *metrics.Metrics, gatherer prometheus.Gatherer, version string) *Server {
	h := NewHandler(svc, repo, cache, cfg.Rules.RulebookPath, version)

	r := chi.NewRouter()
	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if cfg.Metrics.Enabled {
		mountMetrics(r, cfg.Metrics.Path, gatherer)
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware, RateLimitMiddleware(cache, cfg.RateLimit, m))
		mountTenantRoutes(r, h)
	})

	return &Server{router: r, config: cfg.Server}
}

func mountMetrics(r chi.Router, path string, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if path == "" {
		path = defaultMetricsPath
	}
	r.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// mountTenantRoutes registers every route that requires X-Tenant-ID.
func mountTenantRoutes(r chi.Router, h *Handler) {
	r.Post("/assess", h.Assess)
	r.Post("/assess/checklist", h.Checklist)

	r.Route("/assessments", func(r chi.Router) {
		r.Get("/", h.ListAssessments)
		r.Get("/{id}", h.GetAssessment)
		r.Get("/{id}/verify", h.VerifyAssessment)
		r.Post("/{id}/explanations/verify", h.VerifyExplanation)
	})

	r.Get("/rules", h.ListRules)
	r.Post("/rules/reload", h.ReloadRules)

	r.Get("/procedures", h.ListProcedures)
	r.Get("/procedures/{id}", h.GetProcedure)

	r.Put("/entities/{id}/flag", h.SetEntityFlag)
	r.Get("/entities/{id}/flag", h.GetEntityFlag)
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       idleTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree, mainly for httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}
