package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"elibrary/internal/assetstore"
	"elibrary/internal/book"
	"elibrary/internal/config"
	"elibrary/internal/httpx"
	"elibrary/internal/logging"
	"elibrary/internal/orphan"
	"elibrary/internal/staging"
)

const (
	shutdownTimeout = 15 * time.Second
	// multipart framing and text fields on top of two files
	formOverhead = 1 << 20
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.NewJSON(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	dbPool, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	logger.Info(ctx, "database connection OK")

	store, err := newAssetStore(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	opts := []book.Option{book.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		queue, err := orphan.Dial(ctx, cfg.RedisAddr, cfg.OrphanQueueKey)
		if err != nil {
			return err
		}
		defer queue.Close()
		opts = append(opts, book.WithOrphanSink(queue))
		logger.Info(ctx, "orphan queue enabled", "key", cfg.OrphanQueueKey)
	} else {
		logger.Warn(ctx, "REDIS_ADDR not set; replaced assets will only be logged")
	}

	decoder, err := staging.NewDecoder(cfg.StagingDir, cfg.MaxUploadBytes, book.FieldCover, book.FieldDocument)
	if err != nil {
		return err
	}

	bookRepository := book.NewPostgresRepo(dbPool, cfg.DBTimeout)
	lifecycle := book.NewLifecycle(bookRepository, store, staging.NewJanitor(), book.LifecycleConfig{
		CoverFolder:    cfg.CoverFolder,
		DocumentFolder: cfg.DocumentFolder,
		MaxFileSize:    cfg.MaxUploadBytes,
	}, opts...)
	bookHandler := book.NewHTTPHandler(book.NewService(bookRepository), lifecycle, decoder, logger)

	rateLimiter := httpx.NewRateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst)

	router := newRouter(cfg, logger, bookHandler, rateLimiter, func(ctx context.Context) error {
		return dbPool.Ping(ctx)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rateLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info(gctx, "starting server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter wires every route and the middleware chain.
func newRouter(cfg *config.Config, logger logging.Logger, books *book.HTTPHandler, rl *httpx.RateLimitMiddleware, ready func(context.Context) error) http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSONSuccess(w, r, map[string]string{"message": "Welcome to ELibrary API"}, nil)
	})
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	router.Handle("GET /metrics", promhttp.Handler())

	protect := func(h http.Handler) http.Handler {
		return httpx.Chain(h,
			httpx.AuthMiddleware(cfg.JWTSecret),
			httpx.RequestSizeLimitMiddleware(2*cfg.MaxUploadBytes+formOverhead),
		)
	}
	books.Routes(router, protect)

	return httpx.Chain(router,
		httpx.RequestIDMiddleware,
		httpx.AccessLogMiddleware(logger),
		httpx.RecoveryMiddleware(logger),
		httpx.SecurityHeadersMiddleware(cfg.EnableHSTS),
		httpx.CORSMiddleware(cfg.CORSOrigins),
		rl.Middleware,
	)
}

// newAssetStore builds the S3 store with metrics and delete retries.
func newAssetStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (assetstore.Store, error) {
	s3Store, err := assetstore.NewS3Store(ctx, assetstore.S3Config(cfg.S3))
	if err != nil {
		return nil, fmt.Errorf("asset store: %w", err)
	}
	observer, err := assetstore.NewPrometheusObserver("elibrary", reg)
	if err != nil {
		return nil, fmt.Errorf("asset store metrics: %w", err)
	}
	return assetstore.NewRetryingStore(assetstore.NewObservedStore(s3Store, observer), nil), nil
}

func openDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot create db pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot ping database (%s): %w", redactDSN(dsn), err)
	}
	return pool, nil
}

func redactDSN(dsn string) string {
	const marker = "://"
	start := strings.Index(dsn, marker)
	if start < 0 {
		return dsn
	}
	start += len(marker)
	end := strings.Index(dsn[start:], "@")
	if end < 0 {
		return dsn
	}
	return dsn[:start] + "***" + dsn[start+end:]
}
