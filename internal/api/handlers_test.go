package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdbtools/typescraper/internal/backend"
	"github.com/pdbtools/typescraper/internal/manager"
	"github.com/pdbtools/typescraper/internal/models"
	"github.com/pdbtools/typescraper/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeScraper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-scraper")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// stubBackend satisfies backend.Backend for handler tests.
type stubBackend struct {
	kind    backend.Kind
	initErr error
}

func (s *stubBackend) Kind() backend.Kind { return s.kind }

func (s *stubBackend) Init(ctx context.Context) error { return s.initErr }

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) ScrapeProfile(ctx context.Context, url string) (*models.Profile, error) {
	return &models.Profile{URL: url, Name: "Stub Person", MBTI: "ENFJ"}, nil
}

func (s *stubBackend) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	return nil, nil
}

func (s *stubBackend) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	return nil, nil
}

func (s *stubBackend) FullScrape(ctx context.Context) ([]models.Profile, error) {
	return nil, nil
}

func stubFactory(initErr error) manager.Factory {
	return func(kind backend.Kind, deps backend.Deps) (backend.Backend, error) {
		return &stubBackend{kind: kind, initErr: initErr}, nil
	}
}

func newTestRouter(t *testing.T, scraperBin string, factory manager.Factory) (chi.Router, *supervisor.Supervisor) {
	t.Helper()

	sup := supervisor.New(supervisor.Config{ScraperBin: scraperBin}, testLogger(), nil)
	mgr := manager.New(backend.Deps{}, testLogger()).WithFactory(factory)
	t.Cleanup(func() { mgr.Close() })

	h := NewHandlers(sup, mgr, testLogger())
	h.interval = 25 * time.Millisecond

	r := chi.NewRouter()
	h.Routes(r)
	return r, sup
}

func doJSON(t *testing.T, r chi.Router, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func waitTerminal(t *testing.T, sup *supervisor.Supervisor, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := sup.Status(id)
		return err == nil && snap.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartScrape(t *testing.T) {
	r, _ := newTestRouter(t, fakeScraper(t, "exit 0"), stubFactory(nil))

	t.Run("starts a process", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/scraper/start", `{"mode":"full"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp StartScrapeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.True(t, strings.HasPrefix(resp.ProcessID, "proc_"))
		require.NotNil(t, resp.Config)
		assert.Equal(t, supervisor.ModeFull, resp.Config.Mode)
	})

	t.Run("invalid mode", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/scraper/start", `{"mode":"turbo"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp StartScrapeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/scraper/start", `{not json`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStopScrape(t *testing.T) {
	r, sup := newTestRouter(t, fakeScraper(t, "sleep 30"), stubFactory(nil))

	t.Run("stops a running process", func(t *testing.T) {
		id, err := sup.Start(supervisor.ScrapeConfig{Mode: supervisor.ModeFull})
		require.NoError(t, err)

		w := doJSON(t, r, http.MethodPost, "/scraper/stop", `{"processId":"`+id+`"}`)
		require.Equal(t, http.StatusOK, w.Code)

		snap, err := sup.Status(id)
		require.NoError(t, err)
		assert.Equal(t, supervisor.StatusStopped, snap.Status)
	})

	t.Run("unknown process", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/scraper/stop", `{"processId":"proc_999"}`)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Process not found")
	})

	t.Run("missing process id", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/scraper/stop", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetStatus(t *testing.T) {
	r, sup := newTestRouter(t, fakeScraper(t, `echo "Found 2 profiles"`), stubFactory(nil))

	t.Run("returns snapshot and logs", func(t *testing.T) {
		id, err := sup.Start(supervisor.ScrapeConfig{Mode: supervisor.ModeFull})
		require.NoError(t, err)
		waitTerminal(t, sup, id)

		w := doJSON(t, r, http.MethodGet, "/scraper/status/"+id, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Process supervisor.Snapshot   `json:"process"`
			Logs    []supervisor.LogEntry `json:"logs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, id, resp.Process.ProcessID)
		assert.Equal(t, supervisor.StatusCompleted, resp.Process.Status)
		assert.Equal(t, 2, resp.Process.Progress.Total)
		assert.NotEmpty(t, resp.Logs)
	})

	t.Run("unknown process", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/scraper/status/proc_999", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// sseEvents splits an SSE body into its decoded data payloads.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamProgress(t *testing.T) {
	r, sup := newTestRouter(t, fakeScraper(t, "exit 0"), stubFactory(nil))

	t.Run("unknown id emits a single error event", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/scraper/progress/proc_999", "")

		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		events := sseEvents(t, w.Body.String())
		require.Len(t, events, 1)
		assert.Equal(t, "error", events[0]["type"])
		assert.Equal(t, "Process not found", events[0]["error"])
	})

	t.Run("running process streams logs and progress until complete", func(t *testing.T) {
		bin := fakeScraper(t, `echo "Found 2 profiles"
sleep 1
echo "Upserted 2 new, 0 updated"`)
		streamRouter, streamSup := newTestRouter(t, bin, stubFactory(nil))

		srv := httptest.NewServer(streamRouter)
		defer srv.Close()

		id, err := streamSup.Start(supervisor.ScrapeConfig{Mode: supervisor.ModeFull})
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/scraper/progress/" + id)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		// The handler closes the stream after the complete event, so the
		// whole body can be read to EOF.
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		events := sseEvents(t, string(body))
		require.NotEmpty(t, events)

		assert.Equal(t, "status", events[0]["type"])

		var sawLog, sawProgress bool
		for _, ev := range events[1 : len(events)-1] {
			switch ev["type"] {
			case "log":
				sawLog = true
			case "progress":
				sawProgress = true
			}
		}
		assert.True(t, sawLog, "expected at least one log event")
		assert.True(t, sawProgress, "expected at least one progress event")

		last := events[len(events)-1]
		assert.Equal(t, "complete", last["type"])
		assert.Equal(t, string(supervisor.StatusCompleted), last["status"])
		assert.Equal(t, id, last["processId"])
	})

	t.Run("terminal process gets status then complete", func(t *testing.T) {
		id, err := sup.Start(supervisor.ScrapeConfig{Mode: supervisor.ModeFull})
		require.NoError(t, err)
		waitTerminal(t, sup, id)

		w := doJSON(t, r, http.MethodGet, "/scraper/progress/"+id, "")

		events := sseEvents(t, w.Body.String())
		require.Len(t, events, 2)
		assert.Equal(t, "status", events[0]["type"])
		assert.Equal(t, "complete", events[1]["type"])
		assert.Equal(t, string(supervisor.StatusCompleted), events[1]["status"])
		assert.Equal(t, id, events[1]["processId"])
	})
}

func TestScrapeProfileEndpoint(t *testing.T) {
	t.Run("synchronous scrape", func(t *testing.T) {
		r, _ := newTestRouter(t, "typed-scraper", stubFactory(nil))

		w := doJSON(t, r, http.MethodPost, "/scraper/profile", `{"url":"https://example.com/profile/1"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success bool           `json:"success"`
			Profile models.Profile `json:"profile"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "Stub Person", resp.Profile.Name)
	})

	t.Run("url required", func(t *testing.T) {
		r, _ := newTestRouter(t, "typed-scraper", stubFactory(nil))
		w := doJSON(t, r, http.MethodPost, "/scraper/profile", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown backend kind", func(t *testing.T) {
		r, _ := newTestRouter(t, "typed-scraper", stubFactory(nil))
		w := doJSON(t, r, http.MethodPost, "/scraper/profile",
			`{"url":"https://example.com/profile/1","browser":"selenium"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no backend available", func(t *testing.T) {
		r, _ := newTestRouter(t, "typed-scraper", stubFactory(errors.New("engine missing")))
		w := doJSON(t, r, http.MethodPost, "/scraper/profile", `{"url":"https://example.com/profile/1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestGetAvailable(t *testing.T) {
	r, _ := newTestRouter(t, "typed-scraper", stubFactory(nil))

	w := doJSON(t, r, http.MethodGet, "/scraper/available", "")
	require.Equal(t, http.StatusOK, w.Code)

	var caps map[backend.Kind]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &caps))
	for _, kind := range backend.Kinds {
		assert.True(t, caps[kind], string(kind))
	}
}

func TestListProcessesAndStats(t *testing.T) {
	r, sup := newTestRouter(t, fakeScraper(t, "exit 0"), stubFactory(nil))

	id, err := sup.Start(supervisor.ScrapeConfig{Mode: supervisor.ModeFull})
	require.NoError(t, err)
	waitTerminal(t, sup, id)

	w := doJSON(t, r, http.MethodGet, "/scraper/processes", "")
	require.Equal(t, http.StatusOK, w.Code)
	var procs []supervisor.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &procs))
	require.Len(t, procs, 1)
	assert.Equal(t, id, procs[0].ProcessID)

	w = doJSON(t, r, http.MethodGet, "/scraper/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats supervisor.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}
