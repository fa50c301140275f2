package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/pdbtools/typescraper/internal/models"
)

// rodBackend is the secondary browser strategy. It drives Chromium over CDP
// via go-rod, which ships its own launcher and needs no driver install, so it
// often works where playwright cannot. Rendered HTML is handed to the same
// goquery parsers the HTTP backend uses.
type rodBackend struct {
	deps     Deps
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func newRodBackend(deps Deps) *rodBackend {
	return &rodBackend{deps: deps}
}

func (b *rodBackend) Kind() Kind { return KindRod }

func (b *rodBackend) Init(ctx context.Context) error {
	l := launcher.New().
		Headless(b.deps.Options.Headless).
		NoSandbox(true)

	controlURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return fmt.Errorf("failed to launch chromium: %w", err)
	}
	b.launcher = l

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		b.launcher = nil
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	b.browser = browser

	return nil
}

func (b *rodBackend) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
		b.launcher = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// renderPage navigates to a URL, waits for load, and returns the rendered
// DOM as a goquery document.
func (b *rodBackend) renderPage(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if b.browser == nil {
		return nil, ErrNotInitialized
	}

	var doc *goquery.Document
	err := withRetry(ctx, b.deps.Logger, "render "+pageURL, b.deps.Options.MaxRetries, b.deps.Options.Delay, func() error {
		page, err := b.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return fmt.Errorf("failed to create page: %w", err)
		}
		defer page.Close()

		page = page.Context(ctx).Timeout(b.deps.Options.Timeout)
		if err := page.Navigate(pageURL); err != nil {
			return fmt.Errorf("navigation failed: %w", err)
		}
		if err := page.WaitLoad(); err != nil {
			return fmt.Errorf("page load failed: %w", err)
		}

		html, err := page.HTML()
		if err != nil {
			return fmt.Errorf("failed to read page html: %w", err)
		}

		doc, err = goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return fmt.Errorf("failed to parse html: %w", err)
		}
		return nil
	})
	return doc, err
}

func (b *rodBackend) ScrapeProfile(ctx context.Context, profileURL string) (*models.Profile, error) {
	doc, err := b.renderPage(ctx, profileURL)
	if err != nil {
		return nil, err
	}

	p := parseProfileDoc(doc, profileURL)
	if p.Name == "" {
		return nil, fmt.Errorf("profile name not found on %s", profileURL)
	}
	p.ScrapedAt = time.Now()
	return p, nil
}

func (b *rodBackend) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	searchURL := fmt.Sprintf("%s/search?keyword=%s", b.deps.Options.BaseURL, url.QueryEscape(query))
	doc, err := b.renderPage(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}
	return parseListing(doc, b.deps.Options.BaseURL, maxResults), nil
}

func (b *rodBackend) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	var stubs []models.ListingStub

	for page := 1; len(stubs) < maxProfiles; page++ {
		select {
		case <-ctx.Done():
			return stubs, ctx.Err()
		default:
		}

		doc, err := b.renderPage(ctx, withPageParam(categoryURL, page))
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("category %s failed: %w", categoryURL, err)
			}
			b.deps.Logger.Warn("category page failed, stopping pagination",
				"category", categoryURL, "page", page, "error", err)
			break
		}

		found := parseListing(doc, b.deps.Options.BaseURL, maxProfiles-len(stubs))
		if len(found) == 0 {
			break
		}
		stubs = append(stubs, found...)

		if !hasNextPage(doc) {
			break
		}
		if err := b.deps.Limiter.Wait(ctx); err != nil {
			return stubs, err
		}
	}

	return stubs, nil
}

func (b *rodBackend) FullScrape(ctx context.Context) ([]models.Profile, error) {
	return bulkScrape(ctx, b, b.deps, b.deps.Progress)
}
