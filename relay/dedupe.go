package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupeTTL = 24 * time.Hour

// Deduper remembers relay message ids so redelivered messages are broadcast once.
type Deduper interface {
	// Add records id and reports whether it was new.
	Add(ctx context.Context, boardID, id string) (bool, error)
}

// RedisDeduper shares seen message ids between instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(boardID, id string) string {
	return "relay:" + boardID + ":" + id
}

func (r *RedisDeduper) Add(ctx context.Context, boardID, id string) (bool, error) {
	return r.client.SetNX(ctx, dedupeKey(boardID, id), 1, r.ttl).Result()
}
