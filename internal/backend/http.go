package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pdbtools/typescraper/internal/models"
)

// httpBackend scrapes with plain HTTP requests and goquery parsing. It is the
// cheapest strategy and the preferred fallback when no browser engine is
// available. Its ScrapeProfile never fails hard: fetch or parse errors come
// back as a degraded record carrying only the URL, the error, and a
// timestamp, so bulk runs keep moving.
type httpBackend struct {
	deps    Deps
	client  *http.Client
	headers map[string]string
	ready   bool
}

func newHTTPBackend(deps Deps) *httpBackend {
	return &httpBackend{deps: deps}
}

func (b *httpBackend) Kind() Kind { return KindHTTP }

func (b *httpBackend) Init(ctx context.Context) error {
	b.client = &http.Client{Timeout: b.deps.Options.Timeout}

	// Optional headers/cookies file for authenticated scraping; passed
	// through opaquely from config.
	if path := b.deps.Options.HeadersFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read headers file: %w", err)
		}
		if err := json.Unmarshal(data, &b.headers); err != nil {
			return fmt.Errorf("failed to parse headers file: %w", err)
		}
	}

	b.ready = true
	return nil
}

func (b *httpBackend) Close() error {
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	b.ready = false
	return nil
}

// fetch gets a URL and returns a parsed document, retrying with backoff on
// transient failures. HTTP 429 maps to ErrRateLimited so retries slow down.
func (b *httpBackend) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if !b.ready {
		return nil, ErrNotInitialized
	}

	var doc *goquery.Document
	err := withRetry(ctx, b.deps.Logger, "fetch "+pageURL, b.deps.Options.MaxRetries, b.deps.Options.Delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", b.deps.Options.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		for k, v := range b.headers {
			req.Header.Set(k, v)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w", pageURL, ErrRateLimited)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL)
		}

		doc, err = goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to parse html: %w", err)
		}
		return nil
	})
	return doc, err
}

func (b *httpBackend) ScrapeProfile(ctx context.Context, profileURL string) (*models.Profile, error) {
	doc, err := b.fetch(ctx, profileURL)
	if err != nil {
		// Degraded-record path: record the failure instead of propagating it
		// so bulk scrapes stay non-fatal.
		return &models.Profile{
			URL:       profileURL,
			Error:     err.Error(),
			ScrapedAt: time.Now(),
		}, nil
	}

	p := parseProfileDoc(doc, profileURL)
	if p.Name == "" {
		p.Error = "profile name not found on page"
	}
	return p, nil
}

func (b *httpBackend) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	searchURL := fmt.Sprintf("%s/search?keyword=%s", b.deps.Options.BaseURL, url.QueryEscape(query))
	doc, err := b.fetch(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}
	return parseListing(doc, b.deps.Options.BaseURL, maxResults), nil
}

func (b *httpBackend) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	var stubs []models.ListingStub

	for page := 1; len(stubs) < maxProfiles; page++ {
		select {
		case <-ctx.Done():
			return stubs, ctx.Err()
		default:
		}

		pageURL := withPageParam(categoryURL, page)
		doc, err := b.fetch(ctx, pageURL)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("category %s failed: %w", categoryURL, err)
			}
			// Later pages: log and stop paginating, keep what we have.
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

	if len(stubs) > maxProfiles {
		stubs = stubs[:maxProfiles]
	}
	return stubs, nil
}

func (b *httpBackend) FullScrape(ctx context.Context) ([]models.Profile, error) {
	return bulkScrape(ctx, b, b.deps, b.deps.Progress)
}

// parseProfileDoc extracts the typed fields from a profile page.
func parseProfileDoc(doc *goquery.Document, profileURL string) *models.Profile {
	p := &models.Profile{
		URL:       profileURL,
		ScrapedAt: time.Now(),
	}

	p.Name = strings.TrimSpace(doc.Find("h1.profile-name, .profile-header h1").First().Text())
	p.Description = strings.TrimSpace(doc.Find(".profile-description, .wiki-description").First().Text())
	p.Category = strings.TrimSpace(doc.Find(".profile-category a, .breadcrumb li:last-child").First().Text())

	doc.Find(".personality-type, .type-badge").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		system := strings.ToLower(s.AttrOr("data-system", ""))
		switch {
		case system == "mbti" || looksLikeMBTI(text):
			if p.MBTI == "" {
				p.MBTI = strings.ToUpper(text)
			}
		case system == "socionics":
			if p.Socionics == "" {
				p.Socionics = text
			}
		case system == "enneagram" || looksLikeEnneagram(text):
			if p.Enneagram == "" {
				p.Enneagram = text
			}
		}
	})

	votes := doc.Find(".vote-count").First().Text()
	votes = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(votes), "votes"))
	if n, err := strconv.Atoi(strings.TrimSpace(votes)); err == nil {
		p.VoteCount = n
	}

	return p
}

// parseListing extracts at most max stubs from a search or category page.
func parseListing(doc *goquery.Document, baseURL string, max int) []models.ListingStub {
	var stubs []models.ListingStub

	doc.Find(".profile-card, .search-result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if max > 0 && len(stubs) >= max {
			return false
		}

		link := s.Find("a").First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return true
		}
		name := strings.TrimSpace(s.Find(".profile-card-name, .result-name").First().Text())
		if name == "" {
			name = strings.TrimSpace(link.Text())
		}
		if name == "" {
			return true
		}

		stubs = append(stubs, models.ListingStub{
			Name: name,
			URL:  absoluteURL(baseURL, href),
			Type: strings.TrimSpace(s.Find(".type-badge").First().Text()),
		})
		return true
	})

	return stubs
}

func hasNextPage(doc *goquery.Document) bool {
	return doc.Find(`a[rel="next"], .pagination .next:not(.disabled)`).Length() > 0
}

func withPageParam(rawURL string, page int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(href, "/")
}

// looksLikeMBTI reports whether text is a four-letter MBTI code like INTJ.
func looksLikeMBTI(text string) bool {
	t := strings.ToUpper(strings.TrimSpace(text))
	if len(t) != 4 {
		return false
	}
	return strings.ContainsRune("EI", rune(t[0])) &&
		strings.ContainsRune("SN", rune(t[1])) &&
		strings.ContainsRune("TF", rune(t[2])) &&
		strings.ContainsRune("JP", rune(t[3]))
}

// looksLikeEnneagram matches forms like "4w5" or "9w1".
func looksLikeEnneagram(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) != 3 || t[1] != 'w' {
		return false
	}
	return t[0] >= '1' && t[0] <= '9' && t[2] >= '1' && t[2] <= '9'
}
