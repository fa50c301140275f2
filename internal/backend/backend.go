package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdbtools/typescraper/internal/models"
	"github.com/pdbtools/typescraper/internal/ratelimit"
	"github.com/pdbtools/typescraper/internal/store"
)

// Kind identifies one concrete scraping strategy.
type Kind string

const (
	KindPlaywright Kind = "playwright" // browser automation, primary
	KindRod        Kind = "rod"        // browser automation, secondary
	KindHTTP       Kind = "http"       // raw HTTP + HTML parsing
	KindBot        Kind = "bot"        // external bot CLI, API-orchestrated
)

// Kinds lists every backend kind, in no particular order.
var Kinds = []Kind{KindPlaywright, KindRod, KindHTTP, KindBot}

// ParseKind validates a wire-format kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPlaywright, KindRod, KindHTTP, KindBot:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown backend kind: %q", s)
}

var (
	// ErrRateLimited marks a response that asked us to slow down (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrNotInitialized is returned when a scrape operation runs before Init.
	ErrNotInitialized = errors.New("backend not initialized")
)

// Backend is the capability set every scraping strategy implements.
// Init must be called once before any scrape operation; backends do not
// support re-init after Close.
type Backend interface {
	Kind() Kind

	// Init acquires the backend's resources (browser engine, HTTP client,
	// external CLI probe).
	Init(ctx context.Context) error

	// ScrapeProfile fetches and parses one profile page.
	ScrapeProfile(ctx context.Context, url string) (*models.Profile, error)

	// ScrapeSearch returns at most maxResults listing stubs for a query.
	// Order is site-defined.
	ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error)

	// ScrapeCategory paginates a category listing until maxProfiles is hit
	// or no further pages are discoverable.
	ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error)

	// FullScrape walks the configured seed categories, scrapes every
	// discovered profile, and persists a snapshot at the end. Per-item
	// failures are logged and skipped, not fatal.
	FullScrape(ctx context.Context) ([]models.Profile, error)

	// Close releases all resources. Safe to call even if Init never
	// succeeded.
	Close() error
}

// Options carries the tuning knobs shared by all backends.
type Options struct {
	BaseURL                string
	SeedCategories         []string
	Delay                  time.Duration
	MaxRetries             int
	Timeout                time.Duration
	Headless               bool
	UserAgent              string
	HeadersFile            string
	BotPath                string
	MaxProfilesPerCategory int

	// Concurrency is how many profiles a bulk scrape fetches in parallel.
	// Values below 1 mean a single stream.
	Concurrency int
}

// DefaultOptions mirrors the config defaults for standalone use.
func DefaultOptions() *Options {
	return &Options{
		BaseURL:                "https://www.personality-database.com",
		Delay:                  2 * time.Second,
		MaxRetries:             3,
		Timeout:                30 * time.Second,
		Headless:               true,
		UserAgent:              "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxProfilesPerCategory: 200,
		Concurrency:            1,
	}
}

// Deps bundles the collaborators a backend may need.
type Deps struct {
	Logger  *slog.Logger
	Store   store.ProfileStore
	Limiter ratelimit.RateLimiter
	Options *Options

	// Progress receives the progress lines bulk scrapes emit ("Found N
	// profiles", "Upserted N new, M updated", "Upserted total rows: N").
	// The scraper CLI points this at stdout so the supervisor can parse
	// them; defaults to the logger.
	Progress func(line string)
}

// New is the single factory for the closed backend family.
func New(kind Kind, deps Deps) (Backend, error) {
	if deps.Options == nil {
		deps.Options = DefaultOptions()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewSimpleRateLimiter(deps.Options.Delay, deps.Options.Delay*2)
	}
	if deps.Progress == nil {
		logger := deps.Logger
		deps.Progress = func(line string) { logger.Info(line) }
	}

	switch kind {
	case KindPlaywright:
		return newPlaywrightBackend(deps), nil
	case KindRod:
		return newRodBackend(deps), nil
	case KindHTTP:
		return newHTTPBackend(deps), nil
	case KindBot:
		return newBotBackend(deps), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %q", kind)
	}
}

// withRetry runs fn up to maxRetries+1 times. The delay between attempts
// doubles after a rate-limit error.
func withRetry(ctx context.Context, logger *slog.Logger, op string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := baseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Info("retrying", "op", op, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, ErrRateLimited) {
			delay *= 2
		}
		logger.Warn("attempt failed", "op", op, "attempt", attempt+1, "error", lastErr)
	}

	return fmt.Errorf("%s failed after %d retries: %w", op, maxRetries, lastErr)
}
