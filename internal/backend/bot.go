package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/pdbtools/typescraper/internal/models"
)

// defaultBotPath is the bot CLI probed when no explicit path is configured.
const defaultBotPath = "pdb-bot"

// botBackend delegates scraping to an external bot CLI that speaks the site's
// private API. Each operation maps to a subcommand that prints JSON on
// stdout. The bot handles its own authentication, pacing, and pagination; we
// only orchestrate it.
type botBackend struct {
	deps    Deps
	botPath string
	ready   bool
}

func newBotBackend(deps Deps) *botBackend {
	path := deps.Options.BotPath
	if path == "" {
		path = defaultBotPath
	}
	return &botBackend{deps: deps, botPath: path}
}

func (b *botBackend) Kind() Kind { return KindBot }

// Init verifies the bot CLI exists and responds.
func (b *botBackend) Init(ctx context.Context) error {
	if _, err := exec.LookPath(b.botPath); err != nil {
		return fmt.Errorf("bot CLI not found: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, b.botPath, "version").Run(); err != nil {
		return fmt.Errorf("bot CLI probe failed: %w", err)
	}

	b.ready = true
	return nil
}

func (b *botBackend) Close() error {
	b.ready = false
	return nil
}

// run executes a bot subcommand and unmarshals its stdout into out.
func (b *botBackend) run(ctx context.Context, out any, args ...string) error {
	if !b.ready {
		return ErrNotInitialized
	}

	runCtx := ctx
	if b.deps.Options.Timeout > 0 {
		var cancel context.CancelFunc
		// Bulk subcommands run much longer than a single page fetch.
		runCtx, cancel = context.WithTimeout(ctx, b.deps.Options.Timeout*10)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, b.botPath, args...)
	if b.deps.Options.HeadersFile != "" {
		cmd.Env = append(cmd.Environ(), "PDB_HEADERS_FILE="+b.deps.Options.HeadersFile)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("bot %v failed: %s: %w", args, msg, err)
		}
		return fmt.Errorf("bot %v failed: %w", args, err)
	}

	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("failed to parse bot %v output: %w", args, err)
	}
	return nil
}

func (b *botBackend) ScrapeProfile(ctx context.Context, profileURL string) (*models.Profile, error) {
	var p models.Profile
	if err := b.run(ctx, &p, "profile", "--url", profileURL); err != nil {
		return nil, err
	}
	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = time.Now()
	}
	return &p, nil
}

func (b *botBackend) ScrapeSearch(ctx context.Context, query string, maxResults int) ([]models.ListingStub, error) {
	var stubs []models.ListingStub
	err := b.run(ctx, &stubs, "search", "--query", query, "--max", strconv.Itoa(maxResults))
	if err != nil {
		return nil, err
	}
	if len(stubs) > maxResults {
		stubs = stubs[:maxResults]
	}
	return stubs, nil
}

func (b *botBackend) ScrapeCategory(ctx context.Context, categoryURL string, maxProfiles int) ([]models.ListingStub, error) {
	var stubs []models.ListingStub
	err := b.run(ctx, &stubs, "category", "--url", categoryURL, "--max", strconv.Itoa(maxProfiles))
	if err != nil {
		return nil, err
	}
	if len(stubs) > maxProfiles {
		stubs = stubs[:maxProfiles]
	}
	return stubs, nil
}

// FullScrape runs the bot's own bulk mode and persists the returned snapshot.
// The bot paces itself, so the local rate limiter is not involved.
func (b *botBackend) FullScrape(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := b.run(ctx, &profiles, "full"); err != nil {
		return nil, err
	}

	b.deps.Progress(fmt.Sprintf("Found %d profiles", len(profiles)))

	if b.deps.Store != nil && len(profiles) > 0 {
		inserted, updated, err := b.deps.Store.UpsertProfiles(ctx, profiles)
		if err != nil {
			return profiles, fmt.Errorf("failed to persist snapshot: %w", err)
		}
		b.deps.Progress(fmt.Sprintf("Upserted %d new, %d updated", inserted, updated))

		if total, err := b.deps.Store.Count(ctx); err == nil {
			b.deps.Progress(fmt.Sprintf("Upserted total rows: %d", total))
		}
	}

	return profiles, nil
}
