// typed-scraper is the CLI the process supervisor spawns for bulk scraping.
// Progress lines go to stdout, where the supervisor's pattern matchers read
// them; structured logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pdbtools/typescraper/internal/backend"
	"github.com/pdbtools/typescraper/internal/config"
	"github.com/pdbtools/typescraper/internal/manager"
	"github.com/pdbtools/typescraper/internal/models"
	"github.com/pdbtools/typescraper/internal/ratelimit"
	"github.com/pdbtools/typescraper/internal/store"
	"github.com/pdbtools/typescraper/pkg/logger"
)

// profilesPerPage approximates how many listing stubs one category page
// holds; incremental runs use it to turn a page budget into a profile cap.
const profilesPerPage = 20

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: typed-scraper <full|incremental|profile|version> [flags]")
		os.Exit(1)
	}
	mode := os.Args[1]
	if mode == "version" {
		fmt.Println("typed-scraper 1.0.0")
		return
	}

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	var (
		backendName = fs.String("backend", "", "Backend kind: playwright, rod, http, bot (default from config)")
		delayMs     = fs.Int("delay-ms", 0, "Delay between scrape units in milliseconds")
		maxPages    = fs.Int("max-pages", 5, "Page budget per category (incremental mode)")
		targetURL   = fs.String("url", "", "Profile URL (profile mode)")
		rateLimit   = fs.Int("rate-limit", 0, "Requests per minute cap")
		concurrency = fs.Int("concurrency", 0, "Parallel profile fetches during bulk scrapes")
		timeoutSec  = fs.Int("timeout", 0, "Per-request timeout in seconds")
	)
	fs.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, "text")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	opts := &backend.Options{
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
	if *delayMs > 0 {
		opts.Delay = time.Duration(*delayMs) * time.Millisecond
	}
	if *timeoutSec > 0 {
		opts.Timeout = time.Duration(*timeoutSec) * time.Second
	}
	if *concurrency > 0 {
		opts.Concurrency = *concurrency
	}

	minDelay := opts.Delay
	if *rateLimit > 0 {
		perMinute := time.Minute / time.Duration(*rateLimit)
		if perMinute > minDelay {
			minDelay = perMinute
		}
	}

	// Persistence is best-effort for the profile subcommand but required for
	// bulk runs, which exist to refresh the dataset.
	profileStore, storeErr := store.New(ctx, store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		MaxConns: cfg.Database.MaxConns,
	})
	if storeErr != nil {
		if mode != "profile" {
			log.Error("failed to connect to profile store", "error", storeErr)
			os.Exit(1)
		}
		log.Warn("profile store unavailable, result will not be persisted", "error", storeErr)
	} else {
		defer profileStore.Close()
	}

	deps := backend.Deps{
		Logger:   log,
		Limiter:  ratelimit.NewSimpleRateLimiter(minDelay, minDelay*2),
		Options:  opts,
		Progress: func(line string) { fmt.Println(line) },
	}
	if profileStore != nil {
		deps.Store = profileStore
	}

	mgr := manager.New(deps, log)
	defer mgr.Close()

	requested := cfg.Scraper.DefaultBackend
	if *backendName != "" {
		requested = *backendName
	}
	kind, err := backend.ParseKind(requested)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := mgr.CreateScraper(ctx, kind); err != nil {
		log.Error("scraper initialization failed", "error", err)
		os.Exit(1)
	}
	log.Info("scraper ready", "backend", mgr.ActiveKind())

	switch mode {
	case "full":
		err = runBulk(ctx, mgr)
	case "incremental":
		// Incremental runs are a bounded follow-up pass: the same walk as a
		// full scrape but with each category capped to the page budget.
		opts.MaxProfilesPerCategory = *maxPages * profilesPerPage
		err = runBulk(ctx, mgr)
	case "profile":
		if *targetURL == "" {
			fmt.Fprintln(os.Stderr, "profile mode requires -url")
			os.Exit(1)
		}
		err = runProfile(ctx, mgr, profileStore, *targetURL)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", mode)
		os.Exit(1)
	}

	if err != nil {
		log.Error("scrape failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func runBulk(ctx context.Context, mgr *manager.Manager) error {
	profiles, err := mgr.FullScrape(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Scraped %d profiles\n", len(profiles))
	return nil
}

func runProfile(ctx context.Context, mgr *manager.Manager, profileStore *store.PostgresStore, url string) error {
	p, err := mgr.ScrapeProfile(ctx, url)
	if err != nil {
		return err
	}

	if profileStore != nil && p.Error == "" {
		inserted, updated, err := profileStore.UpsertProfiles(ctx, []models.Profile{*p})
		if err != nil {
			return err
		}
		fmt.Printf("Upserted %d new, %d updated\n", inserted, updated)
	}

	return json.NewEncoder(os.Stdout).Encode(p)
}
