// Package api exposes the recovery operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaidashi/failure-recovery/internal/bulk"
	"github.com/vaidashi/failure-recovery/internal/config"
	"github.com/vaidashi/failure-recovery/internal/groups"
	"github.com/vaidashi/failure-recovery/internal/health"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/quarantine"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/circuitbreaker"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/middleware"
)

// Retrier retries explicit message ids, as retries.Manager does
type Retrier interface {
	RetryMessages(ctx context.Context, requestID string, retryType models.OperationType, classifier string, ids []string) (string, error)
}

// HistoryReader returns the retry history ledger
type HistoryReader interface {
	Get(ctx context.Context) (*models.RetryHistory, error)
}

// Ingestion controls the receive side of the service
type Ingestion interface {
	Reimport(ctx context.Context) (int, error)
	Breaker() *circuitbreaker.CircuitBreaker
	Reset()
}

// Dependencies are the components served by the API
type Dependencies struct {
	Messages       repository.FailedMessageStore
	Redirects      repository.RedirectStore
	Retrier        Retrier
	Retrying       *operations.RetryingManager
	Archiving      *operations.ArchivingManager
	RetryGateway   *bulk.RetryGateway
	ArchiveGateway *bulk.ArchiveGateway
	Groups         *groups.Fetcher
	History        HistoryReader
	Classifiers    []string
	Quarantine     quarantine.Store
	Ingestion      Ingestion
	Health         *health.Monitor
	// RateLimiter guards the bulk operation routes when set
	RateLimiter *middleware.RateLimiter
}

type Server struct {
	deps       Dependencies
	logger     logger.Logger
	router     *mux.Router
	httpServer *http.Server
	shutdown   time.Duration
}

// NewServer creates a new API server with the given configuration and logger.
func NewServer(cfg *config.Config, deps Dependencies, logger logger.Logger) *Server {
	r := mux.NewRouter()

	s := &Server{
		deps:   deps,
		logger: logger,
		router: r,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		shutdown: cfg.API.ShutdownTimeout,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting API server", "addr", s.httpServer.Addr)
		errCh <- s.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdown
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down API server")
	return s.Shutdown(shutdownCtx)
}

// setupRoutes configures all the routes for our API
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)

	api.HandleFunc("/errors/{id}", s.getErrorHandler).Methods(http.MethodGet)
	api.HandleFunc("/errors/{id}/retry", s.retryMessageHandler).Methods(http.MethodPost)
	api.Handle("/errors/retry", s.limited(s.retryMessagesHandler)).Methods(http.MethodPost)
	api.Handle("/errors/retry/all", s.limited(s.retryAllHandler)).Methods(http.MethodPost)
	api.Handle("/errors/queues/{endpoint}/retry", s.limited(s.retryEndpointHandler)).Methods(http.MethodPost)

	rec := api.PathPrefix("/recoverability").Subrouter()
	rec.Handle("/groups/{groupId}/errors/retry", s.limited(s.retryGroupHandler)).Methods(http.MethodPost)
	rec.Handle("/groups/{groupId}/errors/archive", s.limited(s.archiveGroupHandler)).Methods(http.MethodPost)
	rec.Handle("/groups/{groupId}/errors/unarchive", s.limited(s.unarchiveGroupHandler)).Methods(http.MethodPost)
	rec.HandleFunc("/unacknowledgedgroups/{groupId}", s.acknowledgeGroupHandler).Methods(http.MethodDelete)
	rec.HandleFunc("/classifiers", s.getClassifiersHandler).Methods(http.MethodGet)
	rec.HandleFunc("/groups/{classifier}", s.getGroupsHandler).Methods(http.MethodGet)
	rec.HandleFunc("/history", s.getHistoryHandler).Methods(http.MethodGet)

	api.HandleFunc("/operations/{type}/{requestId}", s.getOperationHandler).Methods(http.MethodGet)

	api.HandleFunc("/redirects", s.getRedirectsHandler).Methods(http.MethodGet)
	api.HandleFunc("/redirects", s.createRedirectHandler).Methods(http.MethodPost)
	api.HandleFunc("/redirects/{from}", s.deleteRedirectHandler).Methods(http.MethodDelete)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/quarantine", s.getQuarantineHandler).Methods(http.MethodGet)
	admin.HandleFunc("/quarantine/reimport", s.reimportQuarantineHandler).Methods(http.MethodPost)
	admin.HandleFunc("/ingestion/breaker", s.getBreakerHandler).Methods(http.MethodGet)
	admin.HandleFunc("/ingestion/breaker/reset", s.resetBreakerHandler).Methods(http.MethodPost)
}

// limited wraps h with the bulk route rate limiter when one is configured
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.deps.RateLimiter == nil {
		return h
	}
	return s.deps.RateLimiter.Middleware(h)
}

// Middleware for logging requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := middleware.NewStatusRecorder(w)

		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(recorder.StatusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		s.logger.Info("Request processed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode,
			"duration", time.Since(start),
			"remoteAddr", r.RemoteAddr,
		)
	})
}
