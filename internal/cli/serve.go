package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mozarex-cache/internal/cache"
	"mozarex-cache/internal/config"
	"mozarex-cache/internal/content"
	"mozarex-cache/internal/handlers"
	"mozarex-cache/internal/httpserver"
	"mozarex-cache/internal/llm"
	"mozarex-cache/internal/metrics"
	"mozarex-cache/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key is required (MOZAREX_LLM_API_KEY)")
	}

	metrics.Register()

	logger.Info("loaded config",
		zap.Int("port", cfg.HTTP.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("sweep_enabled", cfg.Sweep.Enabled),
	)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("cache backend unavailable", zap.Error(err))
		return err
	}
	defer b.Close()

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		UpstreamTimeout: cfg.LLM.Timeout,
		MaxRetries:      cfg.LLM.MaxRetries,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	gen := content.NewBlogGenerator(llmClient, content.Config{Model: cfg.LLM.Model})
	svc := cache.NewService(b.store, gen,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithGenerationTimeout(cfg.Cache.GenerationTimeout),
	)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewContentHandler(svc), httpserver.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var sw *sweeper.Sweeper
	if cfg.Sweep.Enabled {
		sw, err = sweeper.New(svc, cfg.Sweep.Schedule, logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("cache_backend", cfg.Cache.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if sw != nil {
		sw.Start()
		logger.Info("sweeper started",
			zap.String("schedule", cfg.Sweep.Schedule),
			zap.Time("next_run", sw.Next()),
		)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		var errs []error
		if sw != nil {
			errs = append(errs, sw.Stop(shutdownCtx))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
