package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchDeduplicator guarantees at most one dispatch per approval item
// even if the same job is delivered twice. SetNX on the item id is the
// claim; whoever wins it owns the dispatch.
type DispatchDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDispatchDeduplicator(rdb *redis.Client, ttl time.Duration) *DispatchDeduplicator {
	return &DispatchDeduplicator{redis: rdb, ttl: ttl}
}

func (d *DispatchDeduplicator) MarkFirst(ctx context.Context, itemID string) (bool, error) {
	key := fmt.Sprintf("chadbot:dispatched:%s", itemID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
