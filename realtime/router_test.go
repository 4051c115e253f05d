package realtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"board-sync/domain"
)

func joinBoard(t *testing.T, h *Hub, c *Connection, boardID string) {
	t.Helper()
	require.NoError(t, h.Rooms.Join(context.Background(), c.ID, boardID))
}

func TestJoinAnnouncesFirstConnectionOnly(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a1 := h.Registry.Register("alice", "Alice")
	joinBoard(t, h, a1, "b1")

	f := nextFrame(t, a1)
	require.Equal(t, FrameOnlineUsers, f.Type, "joiner must not receive its own user_joined")
	snap := decodePayload[OnlineUsersPayload](t, f)
	assert.Equal(t, []domain.PresenceUser{{UserID: "alice", DisplayName: "Alice"}}, snap.Users)

	b := h.Registry.Register("bob", "Bob")
	joinBoard(t, h, b, "b1")

	f = nextFrame(t, a1)
	require.Equal(t, FrameUserJoined, f.Type)
	joined := decodePayload[UserJoinedPayload](t, f)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "Bob", joined.DisplayName)

	f = nextFrame(t, a1)
	require.Equal(t, FrameOnlineUsers, f.Type)
	assert.Len(t, decodePayload[OnlineUsersPayload](t, f).Users, 2)

	f = nextFrame(t, b)
	require.Equal(t, FrameOnlineUsers, f.Type)
	expectNoFrame(t, b)

	a2 := h.Registry.Register("alice", "Alice")
	joinBoard(t, h, a2, "b1")
	f = nextFrame(t, b)
	require.Equal(t, FrameOnlineUsers, f.Type, "second tab must not announce alice again")
	assert.Len(t, decodePayload[OnlineUsersPayload](t, f).Users, 2)
}

func TestLeaveAnnouncesLastConnectionOnly(t *testing.T) {
	h := newTestHub(t, nil, nil)
	ctx := context.Background()
	a1 := h.Registry.Register("alice", "Alice")
	a2 := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	for _, c := range []*Connection{a1, a2, b} {
		joinBoard(t, h, c, "b1")
	}
	drain(b)

	h.Registry.Unregister(ctx, a1.ID)
	f := nextFrame(t, b)
	require.Equal(t, FrameOnlineUsers, f.Type, "closing one tab must not mark alice offline")
	assert.Len(t, decodePayload[OnlineUsersPayload](t, f).Users, 2)

	require.NoError(t, h.Rooms.Leave(ctx, a2.ID, "b1"))
	f = nextFrame(t, b)
	require.Equal(t, FrameUserLeft, f.Type)
	assert.Equal(t, "alice", decodePayload[UserLeftPayload](t, f).UserID)
	f = nextFrame(t, b)
	require.Equal(t, FrameOnlineUsers, f.Type)
	assert.Equal(t, []domain.PresenceUser{{UserID: "bob", DisplayName: "Bob"}}, decodePayload[OnlineUsersPayload](t, f).Users)

	require.NoError(t, h.Rooms.Leave(ctx, a2.ID, "b1"), "leaving twice is a no-op")
	expectNoFrame(t, b)
}

func TestJoinTwiceResendsSnapshotOnly(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	joinBoard(t, h, a, "b1")
	joinBoard(t, h, b, "b1")
	drain(a)
	drain(b)

	joinBoard(t, h, b, "b1")
	f := nextFrame(t, b)
	require.Equal(t, FrameOnlineUsers, f.Type)
	expectNoFrame(t, a)
}

func TestJoinUnknownConnection(t *testing.T) {
	h := newTestHub(t, nil, nil)
	require.ErrorIs(t, h.Rooms.Join(context.Background(), "ghost", "b1"), ErrUnknownConnection)
}

func TestEmitExcludesActorConnection(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a1 := h.Registry.Register("alice", "Alice")
	a2 := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	for _, c := range []*Connection{a1, a2, b} {
		joinBoard(t, h, c, "b1")
	}
	for _, c := range []*Connection{a1, a2, b} {
		drain(c)
	}

	change := domain.CardMoved{CardID: "card-1", FromColumnID: "A", ToColumnID: "B", ToPosition: 1}
	h.Router.Emit(context.Background(), "b1", change, Actor{UserID: "alice", ConnectionID: a1.ID})

	expectNoFrame(t, a1)
	for _, c := range []*Connection{a2, b} {
		f := nextFrame(t, c)
		require.Equal(t, FrameBoardUpdated, f.Type)
		p := decodePayload[struct {
			ChangeType string           `json:"changeType"`
			SenderID   string           `json:"senderId"`
			Payload    domain.CardMoved `json:"payload"`
		}](t, f)
		assert.Equal(t, string(domain.CardMovedKind), p.ChangeType)
		assert.Equal(t, "alice", p.SenderID)
		assert.Equal(t, change, p.Payload)
	}
}

func TestEmitWithoutConnectionExcludesAllActorConnections(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a1 := h.Registry.Register("alice", "Alice")
	a2 := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	for _, c := range []*Connection{a1, a2, b} {
		joinBoard(t, h, c, "b1")
		drain(c)
	}
	for _, c := range []*Connection{a1, a2, b} {
		drain(c)
	}

	h.Router.Emit(context.Background(), "b1", domain.ColumnRemoved{ColumnID: "A"}, Actor{UserID: "alice"})
	expectNoFrame(t, a1)
	expectNoFrame(t, a2)
	require.Equal(t, FrameBoardUpdated, nextFrame(t, b).Type)
}

func TestEmitIgnoresConnectionOfAnotherUser(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	joinBoard(t, h, a, "b1")
	joinBoard(t, h, b, "b1")
	drain(a)
	drain(b)

	h.Router.Emit(context.Background(), "b1", domain.ColumnRemoved{ColumnID: "A"}, Actor{UserID: "alice", ConnectionID: b.ID})
	require.Equal(t, FrameBoardUpdated, nextFrame(t, b).Type)
	require.Equal(t, FrameBoardUpdated, nextFrame(t, a).Type)
}

func TestEmitOnlyReachesBoardMembers(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	joinBoard(t, h, a, "b1")
	joinBoard(t, h, b, "b2")
	drain(a)
	drain(b)

	h.Router.Emit(context.Background(), "b1", domain.LabelDeleted{LabelID: "l1"}, Actor{UserID: "carol"})
	require.Equal(t, FrameBoardUpdated, nextFrame(t, a).Type)
	expectNoFrame(t, b)
}

func TestEmitPreservesOrderPerConnection(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	joinBoard(t, h, a, "b1")
	drain(a)

	for i := 0; i < 10; i++ {
		h.Router.Emit(context.Background(), "b1", domain.ColumnMoved{ColumnID: fmt.Sprintf("c%d", i), ToPosition: i}, Actor{UserID: "bob"})
	}
	for i := 0; i < 10; i++ {
		f := nextFrame(t, a)
		p := decodePayload[struct {
			Payload domain.ColumnMoved `json:"payload"`
		}](t, f)
		require.Equal(t, i, p.Payload.ToPosition)
	}
}

func TestMemberRemovedEvictsUser(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	b := h.Registry.Register("bob", "Bob")
	joinBoard(t, h, a, "b1")
	joinBoard(t, h, b, "b1")
	drain(a)
	drain(b)

	h.Router.Emit(context.Background(), "b1", domain.MemberRemoved{UserID: "bob"}, Actor{UserID: "alice"})

	f := nextFrame(t, b)
	require.Equal(t, FrameBoardUpdated, f.Type)
	f = nextFrame(t, b)
	require.Equal(t, FrameError, f.Type)
	assert.Equal(t, "REMOVED_FROM_BOARD", decodePayload[ErrorPayload](t, f).Code)
	assert.Empty(t, h.Rooms.Boards(b.ID))

	require.Equal(t, FrameUserLeft, nextFrame(t, a).Type)
	require.Equal(t, FrameOnlineUsers, nextFrame(t, a).Type)

	h.Router.Emit(context.Background(), "b1", domain.ColumnRemoved{ColumnID: "A"}, Actor{UserID: "alice"})
	expectNoFrame(t, b)
}

func TestNotifyReachesEveryConnectionOfUser(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a1 := h.Registry.Register("alice", "Alice")
	a2 := h.Registry.Register("alice", "Alice")

	h.Router.Notify(context.Background(), "alice", domain.Notification{ID: "n1", UserID: "alice", Type: domain.NotificationCardMoved})
	for _, c := range []*Connection{a1, a2} {
		f := nextFrame(t, c)
		require.Equal(t, FrameNotification, f.Type)
		assert.Equal(t, "n1", decodePayload[domain.Notification](t, f).ID)
	}
}

func TestSendSnapshotAnswersRequester(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	joinBoard(t, h, a, "b1")
	drain(a)

	require.NoError(t, h.Rooms.SendSnapshot(context.Background(), a.ID, "b1", "req-7"))
	f := nextFrame(t, a)
	require.Equal(t, FrameOnlineUsers, f.Type)
	assert.Equal(t, "req-7", f.RequestID)
}

func TestShutdownClosesEverything(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a := h.Registry.Register("alice", "Alice")
	joinBoard(t, h, a, "b1")
	h.Shutdown(context.Background())
	assert.Equal(t, 0, h.Registry.Count())
	assert.Empty(t, h.Rooms.Connections("b1"))
}
