package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

type membershipBackend interface {
	IsMember(ctx context.Context, boardID, userID string) (domain.Role, bool, error)
}

// MemberCache wraps a membership directory with Redis-backed caching of
// positive answers.
type MemberCache struct {
	base  membershipBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewMemberCache creates a caching wrapper using the provided Redis client and TTL.
func NewMemberCache(base membershipBackend, client *redis.Client, ttl time.Duration) *MemberCache {
	if base == nil {
		panic("storage.NewMemberCache: base directory is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &MemberCache{base: base, redis: client, ttl: ttl}
}

func (c *MemberCache) IsMember(ctx context.Context, boardID, userID string) (domain.Role, bool, error) {
	if role, ok := c.load(ctx, boardID, userID); ok {
		return role, true, nil
	}
	role, ok, err := c.base.IsMember(ctx, boardID, userID)
	if err != nil || !ok {
		return role, ok, err
	}
	c.store(ctx, boardID, userID, role)
	return role, true, nil
}

// Invalidate drops the cached answer for one membership.
func (c *MemberCache) Invalidate(ctx context.Context, boardID, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, memberCacheKey(boardID, userID)).Err()
}

func (c *MemberCache) load(ctx context.Context, boardID, userID string) (domain.Role, bool) {
	if c.redis == nil {
		return "", false
	}
	val, err := c.redis.Get(ctx, memberCacheKey(boardID, userID)).Result()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the directory without failing.
			_ = c.redis.Del(ctx, memberCacheKey(boardID, userID)).Err()
		}
		return "", false
	}
	if val == "" {
		return "", false
	}
	return domain.Role(val), true
}

func (c *MemberCache) store(ctx context.Context, boardID, userID string, role domain.Role) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, memberCacheKey(boardID, userID), string(role), c.ttl).Err()
}

func memberCacheKey(boardID, userID string) string {
	return "member:" + boardID + ":" + userID
}
