package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pdbtools/typescraper/internal/backend"
	"github.com/pdbtools/typescraper/internal/models"
)

// ErrNoBackend is the terminal error when the entire fallback chain failed.
var ErrNoBackend = errors.New("no scraper backend could be initialized")

// DefaultKind is tried first when nothing was requested or configured.
const DefaultKind = backend.KindPlaywright

// fallbackOrder encodes backend reliability and cost: the API-orchestrated
// bot first if available, then the plain HTTP scraper, then the browser
// engines, which are the most failure-prone in constrained environments.
var fallbackOrder = []backend.Kind{
	backend.KindBot,
	backend.KindHTTP,
	backend.KindRod,
	backend.KindPlaywright,
}

// Factory builds a backend of the given kind. Injectable for tests.
type Factory func(kind backend.Kind, deps backend.Deps) (backend.Backend, error)

// Manager selects and owns the active scraper backend. It holds at most one
// live backend; scrape calls lazily create it and fallback across kinds
// happens only at initialization time. A runtime failure of an already-active
// backend is surfaced to the caller untouched; the manager does not retry
// across backends mid-operation.
type Manager struct {
	mu         sync.Mutex
	active     backend.Backend
	configured backend.Kind
	factory    Factory
	deps       backend.Deps
	logger     *slog.Logger
}

func New(deps backend.Deps, logger *slog.Logger) *Manager {
	return &Manager{
		factory: backend.New,
		deps:    deps,
		logger:  logger.With("component", "scraper_manager"),
	}
}

// WithFactory swaps the backend factory. Used by tests.
func (m *Manager) WithFactory(f Factory) *Manager {
	m.factory = f
	return m
}

// CreateScraper selects and initializes a backend. An empty kind resolves to
// the last configured kind, then to DefaultKind. On init failure every
// remaining kind in the fallback order is tried; if all fail the combined
// error wraps ErrNoBackend.
func (m *Manager) CreateScraper(ctx context.Context, kind backend.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx, kind)
}

func (m *Manager) createLocked(ctx context.Context, kind backend.Kind) error {
	if kind == "" {
		kind = m.configured
	}
	if kind == "" {
		kind = DefaultKind
	}

	firstErr := m.tryKind(ctx, kind)
	if firstErr == nil {
		return nil
	}
	m.logger.Warn("backend init failed, walking fallback chain", "kind", kind, "error", firstErr)

	errs := []error{fmt.Errorf("%s: %w", kind, firstErr)}
	for _, candidate := range fallbackOrder {
		if candidate == kind {
			continue
		}
		if err := m.tryKind(ctx, candidate); err != nil {
			m.logger.Warn("fallback backend init failed", "kind", candidate, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		m.logger.Info("fallback backend active", "kind", candidate)
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

// tryKind constructs and initializes one backend kind. A backend whose Init
// fails is closed before being discarded, in case it partially acquired
// resources.
func (m *Manager) tryKind(ctx context.Context, kind backend.Kind) error {
	b, err := m.factory(kind, m.deps)
	if err != nil {
		return err
	}
	if err := b.Init(ctx); err != nil {
		if closeErr := b.Close(); closeErr != nil {
			m.logger.Warn("failed to close backend after init failure", "kind", kind, "error", closeErr)
		}
		return err
	}

	m.active = b
	m.configured = b.Kind()
	return nil
}

// ensure lazily creates a backend if none is active.
func (m *Manager) ensure(ctx context.Context) (backend.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		if err := m.createLocked(ctx, ""); err != nil {
			return nil, err
		}
	}
	return m.active, nil
}

// ActiveKind reports the configured backend kind, empty if none yet.
func (m *Manager) ActiveKind() backend.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

func (m *Manager) ScrapeProfile(ctx context.Context, url string) (*models.Profile, error) {
	b, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return b.ScrapeProfile(ctx, url)
}

func (m *Manager) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	b, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return b.ScrapeSearch(ctx, query, maxResults)
}

func (m *Manager) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	b, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return b.ScrapeCategory(ctx, categoryURL, maxProfiles)
}

func (m *Manager) FullScrape(ctx context.Context) ([]models.Profile, error) {
	b, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return b.FullScrape(ctx)
}

// Close releases the active backend. Safe to call with none active.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	err := m.active.Close()
	m.active = nil
	return err
}

// Available probes every backend kind by initializing and closing it,
// returning which ones are usable in the current environment.
func (m *Manager) Available(ctx context.Context) map[backend.Kind]bool {
	capabilities := make(map[backend.Kind]bool, len(backend.Kinds))
	for _, kind := range backend.Kinds {
		capabilities[kind] = false

		b, err := m.factory(kind, m.deps)
		if err != nil {
			continue
		}
		if err := b.Init(ctx); err != nil {
			b.Close()
			continue
		}
		b.Close()
		capabilities[kind] = true
	}
	return capabilities
}
