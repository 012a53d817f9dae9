package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"deploytool/internal/history"
	"deploytool/internal/project"
	"deploytool/internal/release"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 12
	WebhookRateLimit = 4
)

// Deployer deploys a commit to every host of an environment.
type Deployer interface {
	Deploy(ctx context.Context, proj *project.Project, env *project.Environment, stamp string) error
}

// Server receives GitHub push webhooks and deploys the pushed commit.
type Server struct {
	Registry    *project.Registry
	History     *history.History
	LockManager *release.LockManager
	Deployer    Deployer
	Logger      *slog.Logger

	// TestMode disables rate limiting.
	TestMode bool

	deployWg sync.WaitGroup // Tracks in-flight async deployments
	http     *http.Server
}

// NewServer creates a new server instance. hist may be nil, which
// disables the status endpoint.
func NewServer(registry *project.Registry, hist *history.History, deployer Deployer, logger *slog.Logger, testMode bool) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		Registry:    registry,
		History:     hist,
		LockManager: release.NewLockManager(),
		Deployer:    deployer,
		Logger:      logger,
		TestMode:    testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"request_id", middleware.GetReqID(r.Context()),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/status/{projectName}/{environment}", s.HandleStatus)

	webhook := r.With()
	if !s.TestMode {
		webhook = r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger))
	}
	webhook.Post("/in/{projectName}/{environment}", s.HandleWebhook)

	return r
}

// Start listens on host:port until Shutdown.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// WaitForDeployments waits for all in-flight async deployments to complete.
func (s *Server) WaitForDeployments() {
	s.deployWg.Wait()
}

// Shutdown stops accepting requests and waits for running deployments.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.deployWg.Wait()
	return nil
}
