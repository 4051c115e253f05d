package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

const defaultPresenceTTL = 12 * time.Hour

// KEYS: conns, counts, names. ARGV: connection, user, display name, ttl seconds.
var addPresenceScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
local n = redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
for i = 1, 3 do
  redis.call('EXPIRE', KEYS[i], ARGV[4])
end
if n == 1 then
  return 1
end
return 0
`)

// KEYS: conns, counts, names. ARGV: connection.
var removePresenceScript = redis.NewScript(`
local user = redis.call('HGET', KEYS[1], ARGV[1])
if not user then
  return {}
end
redis.call('HDEL', KEYS[1], ARGV[1])
local name = redis.call('HGET', KEYS[3], user) or ''
local n = redis.call('HINCRBY', KEYS[2], user, -1)
if n <= 0 then
  redis.call('HDEL', KEYS[2], user)
  redis.call('HDEL', KEYS[3], user)
  return {user, name, 1}
end
return {user, name, 0}
`)

// RedisPresence shares presence between instances. Keys expire after ttl
// unless a join or Touch refreshes them, so rooms of a crashed instance do not
// linger forever.
type RedisPresence struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rc *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{rc: rc, ttl: ttl}
}

func presenceKeys(boardID string) []string {
	prefix := "presence:" + boardID + ":"
	return []string{prefix + "conns", prefix + "counts", prefix + "names"}
}

func (p *RedisPresence) Add(ctx context.Context, boardID string, e PresenceEntry) (bool, error) {
	n, err := addPresenceScript.Run(ctx, p.rc, presenceKeys(boardID),
		e.ConnectionID, e.UserID, e.DisplayName, int64(p.ttl/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("presence add: %w", err)
	}
	return n == 1, nil
}

func (p *RedisPresence) Remove(ctx context.Context, boardID, connectionID string) (PresenceEntry, bool, bool, error) {
	res, err := removePresenceScript.Run(ctx, p.rc, presenceKeys(boardID), connectionID).Slice()
	if err != nil {
		return PresenceEntry{}, false, false, fmt.Errorf("presence remove: %w", err)
	}
	if len(res) < 3 {
		return PresenceEntry{}, false, false, nil
	}
	user, _ := res[0].(string)
	name, _ := res[1].(string)
	last, _ := res[2].(int64)
	return PresenceEntry{ConnectionID: connectionID, UserID: user, DisplayName: name}, last == 1, true, nil
}

func (p *RedisPresence) Users(ctx context.Context, boardID string) ([]domain.PresenceUser, error) {
	names, err := p.rc.HGetAll(ctx, presenceKeys(boardID)[2]).Result()
	if err != nil {
		return nil, fmt.Errorf("presence users: %w", err)
	}
	users := make([]domain.PresenceUser, 0, len(names))
	for id, name := range names {
		users = append(users, domain.PresenceUser{UserID: id, DisplayName: name})
	}
	sortUsers(users)
	return users, nil
}

// Touch pushes the room's expiry out by ttl. Missing keys stay missing.
func (p *RedisPresence) Touch(ctx context.Context, boardID string) error {
	_, err := p.rc.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range presenceKeys(boardID) {
			pipe.Expire(ctx, key, p.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// RefreshInterval is how often live rooms should be touched.
func (p *RedisPresence) RefreshInterval() time.Duration {
	return p.ttl / 3
}
