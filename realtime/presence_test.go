package realtime

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"board-sync/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func presenceStores(t *testing.T) map[string]PresenceStore {
	_, rc := newTestRedis(t)
	return map[string]PresenceStore{
		"memory": NewMemoryPresence(),
		"redis":  NewRedisPresence(rc, 0),
	}
}

func TestPresenceStoreCountsConnectionsPerUser(t *testing.T) {
	for name, store := range presenceStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Add(ctx, "b1", PresenceEntry{ConnectionID: "c1", UserID: "alice", DisplayName: "Alice"})
			require.NoError(t, err)
			assert.True(t, first)

			first, err = store.Add(ctx, "b1", PresenceEntry{ConnectionID: "c2", UserID: "alice", DisplayName: "Alice"})
			require.NoError(t, err)
			assert.False(t, first, "second tab must not announce the user again")

			first, err = store.Add(ctx, "b1", PresenceEntry{ConnectionID: "c1", UserID: "alice", DisplayName: "Alice"})
			require.NoError(t, err)
			assert.False(t, first, "re-adding a connection is a no-op")

			e, last, found, err := store.Remove(ctx, "b1", "c1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.False(t, last)
			assert.Equal(t, "alice", e.UserID)

			users, err := store.Users(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, []domain.PresenceUser{{UserID: "alice", DisplayName: "Alice"}}, users)

			_, last, found, err = store.Remove(ctx, "b1", "c2")
			require.NoError(t, err)
			assert.True(t, found)
			assert.True(t, last)

			users, err = store.Users(ctx, "b1")
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestPresenceStoreRemoveUnknown(t *testing.T) {
	for name, store := range presenceStores(t) {
		t.Run(name, func(t *testing.T) {
			_, last, found, err := store.Remove(context.Background(), "b1", "ghost")
			require.NoError(t, err)
			assert.False(t, found)
			assert.False(t, last)
		})
	}
}

func TestPresenceStoreSnapshotIsSorted(t *testing.T) {
	for name, store := range presenceStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, e := range []PresenceEntry{
				{UserID: "u3", DisplayName: "Carol"},
				{UserID: "u1", DisplayName: "Alice"},
				{UserID: "u2", DisplayName: "Alice"},
			} {
				e.ConnectionID = string(rune('a' + i))
				_, err := store.Add(ctx, "b1", e)
				require.NoError(t, err)
			}
			users, err := store.Users(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, []domain.PresenceUser{
				{UserID: "u1", DisplayName: "Alice"},
				{UserID: "u2", DisplayName: "Alice"},
				{UserID: "u3", DisplayName: "Carol"},
			}, users)
		})
	}
}

func TestRedisPresenceSetsExpiry(t *testing.T) {
	mr, rc := newTestRedis(t)
	store := NewRedisPresence(rc, 0)
	_, err := store.Add(context.Background(), "b1", PresenceEntry{ConnectionID: "c1", UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	for _, key := range presenceKeys("b1") {
		assert.Equal(t, defaultPresenceTTL, mr.TTL(key), key)
	}
}
