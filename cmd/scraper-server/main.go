package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/pdbtools/typescraper/internal/api"
	"github.com/pdbtools/typescraper/internal/backend"
	"github.com/pdbtools/typescraper/internal/config"
	"github.com/pdbtools/typescraper/internal/dataset"
	"github.com/pdbtools/typescraper/internal/manager"
	"github.com/pdbtools/typescraper/internal/ratelimit"
	"github.com/pdbtools/typescraper/internal/supervisor"
	"github.com/pdbtools/typescraper/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the dataset cache invalidation the viewer relies on.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	datasetCache := dataset.New(redisClient, log)

	sup := supervisor.New(supervisor.Config{
		ScraperBin:    cfg.Supervisor.ScraperBin,
		Retention:     cfg.Supervisor.Retention,
		SweepInterval: cfg.Supervisor.SweepInterval,
	}, log, datasetCache)
	go sup.RunSweeper(ctx)

	// The in-process manager serves the synchronous single-profile endpoint
	// and the capability probe. Bulk runs go through the supervisor's
	// subprocesses instead, which persist via their own store connection.
	scraperManager := manager.New(backend.Deps{
		Logger:  log,
		Limiter: ratelimit.NewSimpleRateLimiter(cfg.Scraper.Delay, cfg.Scraper.Delay*2),
		Options: scraperOptions(cfg),
	}, log)
	defer scraperManager.Close()

	handlers := api.NewHandlers(sup, scraperManager, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","processes":%d}`, sup.Stats().Total)
	})

	handlers.Routes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	}()

	log.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

func scraperOptions(cfg *config.Config) *backend.Options {
	return &backend.Options{
		BaseURL:                cfg.Scraper.BaseURL,
		SeedCategories:         cfg.Scraper.SeedCategories,
		Delay:                  cfg.Scraper.Delay,
		MaxRetries:             cfg.Scraper.MaxRetries,
		Timeout:                cfg.Scraper.Timeout,
		Headless:               cfg.Scraper.Headless,
		UserAgent:              cfg.Scraper.UserAgent,
		HeadersFile:            cfg.Scraper.HeadersFile,
		BotPath:                cfg.Scraper.BotPath,
		MaxProfilesPerCategory: cfg.Scraper.MaxProfilesPerCategory,
		Concurrency:            cfg.Scraper.Concurrency,
	}
}
