package dataset

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	// snapshotKeyPattern matches every cached dataset snapshot.
	snapshotKeyPattern = "dataset:snapshot:*"

	// reloadChannel is where viewers listen for reload notifications.
	reloadChannel = "dataset:reload"
)

// Cache fronts the dataset store's reload/invalidate contract. Scrape
// completion drops the cached snapshots and tells subscribed viewers to
// reload from the base dataset plus overlay.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger.With("component", "dataset_cache"),
	}
}

// Invalidate drops all cached dataset snapshots and publishes a reload event.
func (c *Cache) Invalidate(ctx context.Context) error {
	var deleted int64
	iter := c.client.Scan(ctx, 0, snapshotKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := c.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return fmt.Errorf("failed to delete cached snapshot %s: %w", iter.Val(), err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan snapshot keys: %w", err)
	}

	if err := c.client.Publish(ctx, reloadChannel, "reload").Err(); err != nil {
		return fmt.Errorf("failed to publish reload event: %w", err)
	}

	c.logger.Info("dataset cache invalidated", "deleted", deleted)
	return nil
}
