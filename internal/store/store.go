package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdbtools/typescraper/internal/models"
)

// ProfileStore persists scraped profiles. FullScrape saves its snapshot here;
// the "N new, M updated" counts it returns feed the progress log lines the
// supervisor parses.
type ProfileStore interface {
	UpsertProfiles(ctx context.Context, profiles []models.Profile) (inserted, updated int, err error)
	Count(ctx context.Context) (int, error)
	Close()
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	MaxConns int32
}

// PostgresStore is the pgx-backed ProfileStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*PostgresStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// UpsertProfiles writes a batch of profiles keyed by URL and reports how many
// rows were newly inserted versus updated. Degraded records (Error set) are
// skipped.
func (s *PostgresStore) UpsertProfiles(ctx context.Context, profiles []models.Profile) (int, int, error) {
	query := `
		INSERT INTO profiles (
			id, name, url, mbti, socionics, enneagram,
			category, description, vote_count, scraped_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			mbti = EXCLUDED.mbti,
			socionics = EXCLUDED.socionics,
			enneagram = EXCLUDED.enneagram,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			vote_count = EXCLUDED.vote_count,
			scraped_at = EXCLUDED.scraped_at
		RETURNING (xmax = 0) AS inserted
	`

	var inserted, updated int
	for i := range profiles {
		p := &profiles[i]
		if p.Error != "" {
			continue
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.ScrapedAt.IsZero() {
			p.ScrapedAt = time.Now()
		}

		var isNew bool
		err := s.pool.QueryRow(ctx, query,
			p.ID, p.Name, p.URL, p.MBTI, p.Socionics, p.Enneagram,
			p.Category, p.Description, p.VoteCount, p.ScrapedAt,
		).Scan(&isNew)
		if err != nil {
			return inserted, updated, fmt.Errorf("failed to upsert profile %s: %w", p.URL, err)
		}

		if isNew {
			inserted++
		} else {
			updated++
		}
	}

	return inserted, updated, nil
}

// Count returns the total number of stored profiles.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}
