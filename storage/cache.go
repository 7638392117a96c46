package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
)

// SnapshotCache keeps serialized board snapshots in Redis.
type SnapshotCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSnapshotCache creates a cache with the given TTL. A zero TTL disables writes.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl < 0 {
		ttl = 0
	}
	return &SnapshotCache{redis: client, ttl: ttl}
}

func (c *SnapshotCache) Load(ctx context.Context, boardID string) (domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return domain.BoardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the store without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return domain.BoardSnapshot{}, false
	}
	var snap domain.BoardSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return domain.BoardSnapshot{}, false
	}
	return snap, true
}

func (c *SnapshotCache) Store(ctx context.Context, snap domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotCacheKey(snap.BoardID), data, c.ttl).Err()
}

func (c *SnapshotCache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, snapshotCacheKey(boardID)).Err(); err != nil {
		log.WithError(err).Warnf("Unable to evict snapshot of board %s", boardID)
	}
}

func snapshotCacheKey(boardID string) string {
	return "board-snapshot:" + boardID
}
