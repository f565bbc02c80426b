package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mozarex-cache/internal/handlers"
	"mozarex-cache/internal/metrics"
	"mozarex-cache/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 150 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 64 * 1024
	}
	return o
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, content *handlers.ContentHandler, opts Options) {
	opts = opts.withDefaults()

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/api/blog", func(r chi.Router) {
		r.Get("/latest/{domain}", content.Latest)
		r.Post("/generate", content.Generate)
		r.Post("/regenerate", content.Regenerate)
		r.Get("/cache/stats", content.Stats)
		r.Post("/cache/cleanup", content.Cleanup)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
