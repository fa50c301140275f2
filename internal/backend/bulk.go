package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pdbtools/typescraper/internal/models"
	"github.com/pdbtools/typescraper/internal/queue"
)

// upsertBatchSize bounds how many profiles are buffered before a store write.
const upsertBatchSize = 20

// progressFn receives the human-readable progress lines the supervisor's
// pattern matchers look for. The CLI prints them to stdout.
type progressFn func(line string)

// bulkScrape is the shared FullScrape loop: discover stubs from the seed
// categories, drain them through ScrapeProfile with rate limiting and up to
// Options.Concurrency parallel workers, persist batches along the way and a
// final snapshot at the end. Per-item failures are logged and skipped.
func bulkScrape(ctx context.Context, b Backend, deps Deps, progress progressFn) ([]models.Profile, error) {
	start := time.Now()
	opts := deps.Options
	logger := deps.Logger

	seeds := opts.SeedCategories
	if len(seeds) == 0 {
		seeds = []string{opts.BaseURL + "/profiles"}
	}

	q := queue.NewInMemoryQueue()
	for _, seed := range seeds {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stubs, err := b.ScrapeCategory(ctx, seed, opts.MaxProfilesPerCategory)
		if err != nil {
			logger.Warn("category discovery failed, skipping", "category", seed, "error", err)
			continue
		}
		for i := range stubs {
			q.Push(&queue.Task{URL: stubs[i].URL, Name: stubs[i].Name, Category: seed})
		}

		if err := deps.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	q.Close()

	progress(fmt.Sprintf("Found %d profiles", q.Size()))

	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()

	var (
		mu      sync.Mutex
		all     []models.Profile
		batch   []models.Profile
		skipped int
		runErr  error
	)

	// flushLocked and failLocked are called with mu held.
	flushLocked := func() error {
		if deps.Store == nil || len(batch) == 0 {
			batch = batch[:0]
			return nil
		}
		inserted, updated, err := deps.Store.UpsertProfiles(ctx, batch)
		if err != nil {
			return err
		}
		progress(fmt.Sprintf("Upserted %d new, %d updated", inserted, updated))
		batch = batch[:0]
		return nil
	}
	failLocked := func(err error) {
		if runErr == nil {
			runErr = err
		}
		stopDrain()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				task, err := q.Pop(drainCtx)
				if err != nil {
					if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, queue.ErrQueueEmpty) {
						mu.Lock()
						failLocked(err)
						mu.Unlock()
					}
					return
				}

				if err := deps.Limiter.Wait(drainCtx); err != nil {
					mu.Lock()
					failLocked(err)
					mu.Unlock()
					return
				}

				p, err := b.ScrapeProfile(drainCtx, task.URL)
				if err != nil {
					logger.Warn("skipping profile", "url", task.URL, "error", err)
					if errors.Is(err, ErrRateLimited) {
						deps.Limiter.RecordRateLimit()
					}
					mu.Lock()
					skipped++
					mu.Unlock()
					continue
				}
				if p.Error != "" {
					// Degraded record: counted as skipped but kept in the
					// result so the caller can see what failed.
					logger.Warn("degraded profile record", "url", task.URL, "error", p.Error)
				}
				deps.Limiter.RecordSuccess()

				mu.Lock()
				if p.Error != "" {
					skipped++
				} else {
					batch = append(batch, *p)
				}
				all = append(all, *p)
				if len(batch) >= upsertBatchSize {
					if err := flushLocked(); err != nil {
						failLocked(err)
						mu.Unlock()
						return
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if runErr != nil {
		return all, runErr
	}
	mu.Lock()
	err := flushLocked()
	mu.Unlock()
	if err != nil {
		return all, err
	}

	if deps.Store != nil {
		total, err := deps.Store.Count(ctx)
		if err != nil {
			logger.Warn("failed to count stored profiles", "error", err)
		} else {
			progress(fmt.Sprintf("Upserted total rows: %d", total))
		}
	}

	logger.Info("full scrape finished",
		"scraped", len(all), "skipped", skipped, "duration", time.Since(start).String())
	return all, nil
}
