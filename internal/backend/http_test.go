package backend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdbtools/typescraper/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func newTestHTTPBackend(t *testing.T, baseURL string) *httpBackend {
	t.Helper()
	opts := DefaultOptions()
	opts.BaseURL = baseURL
	opts.Delay = time.Millisecond
	opts.MaxRetries = 0
	opts.Timeout = 5 * time.Second

	b := newHTTPBackend(Deps{
		Logger:   testLogger(),
		Limiter:  ratelimit.NewSimpleRateLimiter(0, 0),
		Options:  opts,
		Progress: func(string) {},
	})
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

const profilePage = `
<html><body>
	<div class="profile-header"><h1>Sherlock Holmes</h1></div>
	<div class="profile-description">Consulting detective.</div>
	<div class="profile-category"><a href="/category/fictional">Fictional Characters</a></div>
	<span class="personality-type" data-system="mbti">INTP</span>
	<span class="personality-type" data-system="socionics">LII</span>
	<span class="type-badge">5w6</span>
	<div class="vote-count">1532 votes</div>
</body></html>`

func TestParseProfileDoc(t *testing.T) {
	t.Run("full profile", func(t *testing.T) {
		p := parseProfileDoc(testDoc(t, profilePage), "https://example.com/profile/1")

		assert.Equal(t, "Sherlock Holmes", p.Name)
		assert.Equal(t, "Consulting detective.", p.Description)
		assert.Equal(t, "Fictional Characters", p.Category)
		assert.Equal(t, "INTP", p.MBTI)
		assert.Equal(t, "LII", p.Socionics)
		assert.Equal(t, "5w6", p.Enneagram)
		assert.Equal(t, 1532, p.VoteCount)
		assert.Equal(t, "https://example.com/profile/1", p.URL)
		assert.False(t, p.ScrapedAt.IsZero())
		assert.Empty(t, p.Error)
	})

	t.Run("type system inferred from badge text", func(t *testing.T) {
		html := `<html><body>
			<h1 class="profile-name">Jane</h1>
			<span class="type-badge">entj</span>
			<span class="type-badge">8w7</span>
		</body></html>`
		p := parseProfileDoc(testDoc(t, html), "https://example.com/profile/2")

		assert.Equal(t, "ENTJ", p.MBTI)
		assert.Equal(t, "8w7", p.Enneagram)
		assert.Empty(t, p.Socionics)
	})

	t.Run("first badge of each system wins", func(t *testing.T) {
		html := `<html><body>
			<h1 class="profile-name">Jane</h1>
			<span class="personality-type" data-system="mbti">INFJ</span>
			<span class="personality-type" data-system="mbti">ENFP</span>
		</body></html>`
		p := parseProfileDoc(testDoc(t, html), "https://example.com/profile/3")

		assert.Equal(t, "INFJ", p.MBTI)
	})

	t.Run("missing fields stay empty", func(t *testing.T) {
		p := parseProfileDoc(testDoc(t, `<html><body><p>nothing here</p></body></html>`), "https://example.com/profile/4")

		assert.Empty(t, p.Name)
		assert.Empty(t, p.MBTI)
		assert.Zero(t, p.VoteCount)
	})
}

func TestParseListing(t *testing.T) {
	listing := `<html><body>
		<div class="profile-card">
			<a href="/profile/1"><span class="profile-card-name">Alice</span></a>
			<span class="type-badge">INFP</span>
		</div>
		<div class="profile-card">
			<a href="https://other.example.com/profile/2">Bob</a>
		</div>
		<div class="profile-card">
			<a href="/profile/3"></a>
		</div>
		<div class="search-result">
			<a href="/profile/4"><span class="result-name">Carol</span></a>
		</div>
	</body></html>`

	t.Run("extracts stubs and resolves relative urls", func(t *testing.T) {
		stubs := parseListing(testDoc(t, listing), "https://example.com", 0)

		// The nameless card is skipped.
		require.Len(t, stubs, 3)
		assert.Equal(t, "Alice", stubs[0].Name)
		assert.Equal(t, "https://example.com/profile/1", stubs[0].URL)
		assert.Equal(t, "INFP", stubs[0].Type)

		assert.Equal(t, "Bob", stubs[1].Name)
		assert.Equal(t, "https://other.example.com/profile/2", stubs[1].URL)

		assert.Equal(t, "Carol", stubs[2].Name)
	})

	t.Run("respects max", func(t *testing.T) {
		stubs := parseListing(testDoc(t, listing), "https://example.com", 1)
		require.Len(t, stubs, 1)
		assert.Equal(t, "Alice", stubs[0].Name)
	})
}

func TestTypeHeuristics(t *testing.T) {
	tests := []struct {
		text      string
		mbti      bool
		enneagram bool
	}{
		{text: "INTJ", mbti: true},
		{text: "esfp", mbti: true},
		{text: "XXXX"},
		{text: "INT"},
		{text: "INTJX"},
		{text: "4w5", enneagram: true},
		{text: "9w1", enneagram: true},
		{text: "0w5"},
		{text: "4x5"},
		{text: "4w10"},
		{text: ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.mbti, looksLikeMBTI(tt.text))
			assert.Equal(t, tt.enneagram, looksLikeEnneagram(tt.text))
		})
	}
}

func TestWithPageParam(t *testing.T) {
	assert.Equal(t, "https://example.com/category/1?page=3",
		withPageParam("https://example.com/category/1", 3))
	assert.Equal(t, "https://example.com/category/1?page=2&sort=votes",
		withPageParam("https://example.com/category/1?sort=votes&page=1", 2))
}

func TestAbsoluteURL(t *testing.T) {
	assert.Equal(t, "https://example.com/profile/1", absoluteURL("https://example.com", "/profile/1"))
	assert.Equal(t, "https://example.com/profile/1", absoluteURL("https://example.com/", "profile/1"))
	assert.Equal(t, "https://other.example.com/p", absoluteURL("https://example.com", "https://other.example.com/p"))
}

func TestHTTPBackendScrapeProfile(t *testing.T) {
	t.Run("parses a served profile page", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(profilePage))
		}))
		defer srv.Close()

		b := newTestHTTPBackend(t, srv.URL)
		p, err := b.ScrapeProfile(context.Background(), srv.URL+"/profile/1")
		require.NoError(t, err)
		assert.Equal(t, "Sherlock Holmes", p.Name)
		assert.Equal(t, "INTP", p.MBTI)
	})

	t.Run("fetch failure returns a degraded record, not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		b := newTestHTTPBackend(t, srv.URL)
		p, err := b.ScrapeProfile(context.Background(), srv.URL+"/profile/1")
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/profile/1", p.URL)
		assert.NotEmpty(t, p.Error)
		assert.Empty(t, p.Name)
		assert.False(t, p.ScrapedAt.IsZero())
	})

	t.Run("page without a name is flagged", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><body><p>interstitial</p></body></html>`))
		}))
		defer srv.Close()

		b := newTestHTTPBackend(t, srv.URL)
		p, err := b.ScrapeProfile(context.Background(), srv.URL+"/profile/1")
		require.NoError(t, err)
		assert.Equal(t, "profile name not found on page", p.Error)
	})

	t.Run("scrape before init", func(t *testing.T) {
		b := newHTTPBackend(Deps{Logger: testLogger(), Options: DefaultOptions()})
		p, err := b.ScrapeProfile(context.Background(), "https://example.com/profile/1")
		require.NoError(t, err)
		assert.Contains(t, p.Error, ErrNotInitialized.Error())
	})
}

func TestHTTPBackendRateLimitRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(profilePage))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	opts.Delay = time.Millisecond
	opts.MaxRetries = 2
	opts.Timeout = 5 * time.Second

	b := newHTTPBackend(Deps{
		Logger:   testLogger(),
		Limiter:  ratelimit.NewSimpleRateLimiter(0, 0),
		Options:  opts,
		Progress: func(string) {},
	})
	require.NoError(t, b.Init(context.Background()))
	defer b.Close()

	p, err := b.ScrapeProfile(context.Background(), srv.URL+"/profile/1")
	require.NoError(t, err)
	assert.Equal(t, "Sherlock Holmes", p.Name)
	assert.Equal(t, 2, hits)
}

func TestHTTPBackendScrapeCategory(t *testing.T) {
	page := func(names []string, next bool) string {
		var sb strings.Builder
		sb.WriteString("<html><body>")
		for _, n := range names {
			sb.WriteString(`<div class="profile-card"><a href="/profile/` + n + `">` + n + `</a></div>`)
		}
		if next {
			sb.WriteString(`<a rel="next" href="#">next</a>`)
		}
		sb.WriteString("</body></html>")
		return sb.String()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Write([]byte(page([]string{"a", "b"}, true)))
		case "2":
			w.Write([]byte(page([]string{"c"}, false)))
		default:
			w.Write([]byte(page(nil, false)))
		}
	}))
	defer srv.Close()

	b := newTestHTTPBackend(t, srv.URL)

	t.Run("paginates until last page", func(t *testing.T) {
		stubs, err := b.ScrapeCategory(context.Background(), srv.URL+"/category/1", 10)
		require.NoError(t, err)
		require.Len(t, stubs, 3)
		assert.Equal(t, "a", stubs[0].Name)
		assert.Equal(t, "c", stubs[2].Name)
	})

	t.Run("stops at maxProfiles", func(t *testing.T) {
		stubs, err := b.ScrapeCategory(context.Background(), srv.URL+"/category/1", 2)
		require.NoError(t, err)
		assert.Len(t, stubs, 2)
	})
}

func TestHTTPBackendScrapeSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "jung", r.URL.Query().Get("keyword"))
		w.Write([]byte(`<html><body>
			<div class="search-result"><a href="/profile/1"><span class="result-name">Carl Jung</span></a></div>
		</body></html>`))
	}))
	defer srv.Close()

	b := newTestHTTPBackend(t, srv.URL)
	stubs, err := b.ScrapeSearch(context.Background(), "jung", 10)
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, "Carl Jung", stubs[0].Name)
}
