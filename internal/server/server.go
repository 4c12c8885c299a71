// Package server exposes the verifier over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meshpay/routeguard/internal/verifier"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// Options tunes the transport layer.
type Options struct {
	Port              int
	RequestTimeout    time.Duration
	RequestsPerMinute int
}

func New(v *verifier.Verifier, opts Options, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RateLimitMiddleware(opts.RequestsPerMinute))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "routeguard")
	})

	h := &handlers{verifier: v}

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/manifests", h.publishManifest)
		r.Get("/agents/{agentUUID}/flip-metrics", h.flipMetrics)

		r.Post("/forwards/verify", h.verifyForward)
		r.Post("/forwards", h.recordForward)

		r.Post("/commitments", h.createCommitment)
		r.Get("/commitments/{rootTxHash}", h.getCommitment)

		r.Post("/reports/cycle", h.reportCycle)
		r.Post("/reports/mev", h.reportMEV)

		r.Route("/roots/{rootTxHash}", func(r chi.Router) {
			r.Get("/receipts", h.listReceipts)
			r.Get("/cycle", h.detectCycle)
			r.Get("/extraction-loop", h.detectExtractionLoop)
			r.Get("/settlement", h.getSettlement)
			r.Get("/incidents", h.listIncidents)
		})
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
