// Package api exposes the queue operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/contact"
	"github.com/metailurini/cati-queue/ingest"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/recorder"
	"github.com/metailurini/cati-queue/storage"
)

// Ingester loads contacts; *ingest.Pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, surveyID string, raws []contact.Raw) (ingest.Result, error)
}

// Claimer hands out entries; *dispatch.Dispatcher implements it.
type Claimer interface {
	NextWait(ctx context.Context, surveyID, workerID string, leaseDuration, wait time.Duration) (queue.Entry, error)
}

// Reporter records outcomes; *recorder.Recorder implements it.
type Reporter interface {
	ReportOutcome(ctx context.Context, entryID, workerID string, outcome queue.Outcome) (recorder.Ack, error)
}

// Reader serves read-only queries; *storage.Store implements it.
type Reader interface {
	GetEntry(ctx context.Context, id string) (queue.Entry, error)
	Stats(ctx context.Context, surveyID string) (queue.Stats, error)
	Attempts(ctx context.Context, entryID string) ([]storage.Attempt, error)
}

// Pinger reports database liveness for /healthz; *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Ingester Ingester
	Claimer  Claimer
	Reporter Reporter
	Reader   Reader
	Pinger   Pinger

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// MaxWait caps the long-poll window a caller may request on /next.
	MaxWait time.Duration
	// MaxBodyBytes caps request bodies (ingest batches are the large ones).
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Logger          *zerolog.Logger
}

// Server is the HTTP transport.
type Server struct {
	cfg      Config
	router   chi.Router
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Ingester == nil || cfg.Claimer == nil || cfg.Reporter == nil || cfg.Reader == nil {
		return nil, fmt.Errorf("ingester, claimer, reporter and reader are required: %w", apperrors.ErrNotConfigured)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(limitBody(s.cfg.MaxBodyBytes))
		r.Route("/surveys/{surveyID}", func(r chi.Router) {
			r.Post("/contacts", s.handleIngest)
			r.Post("/next", s.handleNext)
			r.Get("/stats", s.handleStats)
		})
		r.Route("/entries/{entryID}", func(r chi.Router) {
			r.Get("/", s.handleGetEntry)
			r.Get("/attempts", s.handleAttempts)
			r.Post("/outcome", s.handleOutcome)
		})
	})
	return r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		// /next may hold a request for up to MaxWait.
		WriteTimeout: s.cfg.MaxWait + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("event", "http").Str("addr", addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Str("event", "http").Msg("server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info().Str("event", "http").Msg("server stopped")
	return nil
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			evt := logger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Warn()
			}
			evt.Str("event", "http_request").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request served")
		})
	}
}
