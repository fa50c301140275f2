package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/pdbtools/typescraper/internal/models"
)

// playwrightBackend drives a Chromium instance through playwright. It is the
// primary browser strategy: heaviest to initialize, but it renders the
// JavaScript-built profile pages the HTTP backend cannot see.
type playwrightBackend struct {
	deps    Deps
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
}

func newPlaywrightBackend(deps Deps) *playwrightBackend {
	return &playwrightBackend{deps: deps}
}

func (b *playwrightBackend) Kind() Kind { return KindPlaywright }

func (b *playwrightBackend) Init(ctx context.Context) error {
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	b.pw = pw

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(b.deps.Options.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--user-agent=" + b.deps.Options.UserAgent,
		},
	})
	if err != nil {
		pw.Stop()
		b.pw = nil
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	b.browser = browser

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:       playwright.String(b.deps.Options.UserAgent),
		AcceptDownloads: playwright.Bool(false),
		Viewport:        &playwright.Size{Width: 1920, Height: 1080},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		b.pw, b.browser = nil, nil
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	b.bctx = bctx

	return nil
}

func (b *playwrightBackend) Close() error {
	var errs []error

	if b.bctx != nil {
		if err := b.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		b.bctx = nil
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		b.browser = nil
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		b.pw = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// openPage creates a page and navigates it with bounded retries.
func (b *playwrightBackend) openPage(ctx context.Context, pageURL string) (playwright.Page, error) {
	if b.bctx == nil {
		return nil, ErrNotInitialized
	}

	page, err := b.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.deps.Options.Timeout.Milliseconds()))

	err = withRetry(ctx, b.deps.Logger, "navigate "+pageURL, b.deps.Options.MaxRetries, b.deps.Options.Delay, func() error {
		resp, err := page.Goto(pageURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		})
		if err != nil {
			return fmt.Errorf("navigation failed: %w", err)
		}
		if resp != nil && resp.Status() == 429 {
			return fmt.Errorf("%s: %w", pageURL, ErrRateLimited)
		}
		return nil
	})
	if err != nil {
		page.Close()
		return nil, err
	}

	return page, nil
}

func (b *playwrightBackend) ScrapeProfile(ctx context.Context, profileURL string) (*models.Profile, error) {
	page, err := b.openPage(ctx, profileURL)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	p := &models.Profile{URL: profileURL, ScrapedAt: time.Now()}

	p.Name = b.textOf(page, "h1.profile-name, .profile-header h1")
	if p.Name == "" {
		return nil, fmt.Errorf("profile name not found on %s", profileURL)
	}
	p.Description = b.textOf(page, ".profile-description, .wiki-description")
	p.Category = b.textOf(page, ".profile-category a")

	badges, err := page.Locator(".personality-type, .type-badge").All()
	if err == nil {
		for _, badge := range badges {
			text, err := badge.TextContent()
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			system, _ := badge.GetAttribute("data-system")
			switch {
			case strings.EqualFold(system, "mbti") || looksLikeMBTI(text):
				if p.MBTI == "" {
					p.MBTI = strings.ToUpper(text)
				}
			case strings.EqualFold(system, "socionics"):
				if p.Socionics == "" {
					p.Socionics = text
				}
			case strings.EqualFold(system, "enneagram") || looksLikeEnneagram(text):
				if p.Enneagram == "" {
					p.Enneagram = text
				}
			}
		}
	}

	return p, nil
}

func (b *playwrightBackend) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	searchURL := fmt.Sprintf("%s/search?keyword=%s", b.deps.Options.BaseURL, url.QueryEscape(query))
	page, err := b.openPage(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}
	defer page.Close()

	return b.collectStubs(page, maxResults)
}

func (b *playwrightBackend) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	var stubs []models.ListingStub

	for pageNum := 1; len(stubs) < maxProfiles; pageNum++ {
		select {
		case <-ctx.Done():
			return stubs, ctx.Err()
		default:
		}

		page, err := b.openPage(ctx, withPageParam(categoryURL, pageNum))
		if err != nil {
			if pageNum == 1 {
				return nil, fmt.Errorf("category %s failed: %w", categoryURL, err)
			}
			b.deps.Logger.Warn("category page failed, stopping pagination",
				"category", categoryURL, "page", pageNum, "error", err)
			break
		}

		found, err := b.collectStubs(page, maxProfiles-len(stubs))
		hasNext, _ := page.Locator(`a[rel="next"], .pagination .next:not(.disabled)`).Count()
		page.Close()

		if err != nil || len(found) == 0 {
			break
		}
		stubs = append(stubs, found...)

		if hasNext == 0 {
			break
		}
		if err := b.deps.Limiter.Wait(ctx); err != nil {
			return stubs, err
		}
	}

	return stubs, nil
}

func (b *playwrightBackend) FullScrape(ctx context.Context) ([]models.Profile, error) {
	return bulkScrape(ctx, b, b.deps, b.deps.Progress)
}

func (b *playwrightBackend) collectStubs(page playwright.Page, max int) ([]models.ListingStub, error) {
	cards, err := page.Locator(".profile-card, .search-result").All()
	if err != nil {
		return nil, fmt.Errorf("failed to query result cards: %w", err)
	}

	var stubs []models.ListingStub
	for _, card := range cards {
		if max > 0 && len(stubs) >= max {
			break
		}

		link := card.Locator("a").First()
		href, err := link.GetAttribute("href")
		if err != nil || href == "" {
			continue
		}
		name, _ := card.Locator(".profile-card-name, .result-name").First().TextContent()
		name = strings.TrimSpace(name)
		if name == "" {
			if t, err := link.TextContent(); err == nil {
				name = strings.TrimSpace(t)
			}
		}
		if name == "" {
			continue
		}

		typeText, _ := card.Locator(".type-badge").First().TextContent()
		stubs = append(stubs, models.ListingStub{
			Name: name,
			URL:  absoluteURL(b.deps.Options.BaseURL, href),
			Type: strings.TrimSpace(typeText),
		})
	}

	return stubs, nil
}

func (b *playwrightBackend) textOf(page playwright.Page, selector string) string {
	loc := page.Locator(selector).First()
	count, err := loc.Count()
	if err != nil || count == 0 {
		return ""
	}
	text, err := loc.TextContent()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
