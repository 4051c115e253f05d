package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// ErrUnknownConnection is returned when a room operation names a connection
// that is not registered on this instance.
var ErrUnknownConnection = errors.New("unknown connection")

// RoomManager tracks which local connections view which boards and keeps the
// shared presence store in step.
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{}
	joined map[string]map[string]struct{}

	registry *Registry
	store    PresenceStore
	router   *Router
	log      *log.Logger
}

// Join adds the connection to boardID's room. The user's first connection
// announces user_joined to everyone else; every join refreshes online_users.
func (m *RoomManager) Join(ctx context.Context, connectionID, boardID string) error {
	c, ok := m.registry.Get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}

	m.mu.Lock()
	if _, dup := m.rooms[boardID][connectionID]; dup {
		m.mu.Unlock()
		return m.sendSnapshot(ctx, connectionID, boardID, "")
	}
	m.add(connectionID, boardID)
	m.mu.Unlock()

	first, err := m.store.Add(ctx, boardID, PresenceEntry{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		DisplayName:  c.DisplayName,
	})
	if err != nil {
		m.mu.Lock()
		m.remove(connectionID, boardID)
		m.mu.Unlock()
		return err
	}

	m.log.WithFields(log.Fields{
		"board":      boardID,
		"connection": connectionID,
		"user":       c.UserID,
		"first":      first,
	}).Debug("joined board")

	if first {
		m.router.emitFrame(ctx, boardID, Frame{
			Type:    FrameUserJoined,
			Payload: UserJoinedPayload{BoardID: boardID, UserID: c.UserID, DisplayName: c.DisplayName},
		}, Actor{UserID: c.UserID, ConnectionID: c.ID})
	}
	m.broadcastSnapshot(ctx, boardID)
	return nil
}

// Leave removes the connection from boardID's room. The user's last
// connection announces user_left.
func (m *RoomManager) Leave(ctx context.Context, connectionID, boardID string) error {
	m.mu.Lock()
	if _, ok := m.rooms[boardID][connectionID]; !ok {
		m.mu.Unlock()
		return nil
	}
	m.remove(connectionID, boardID)
	m.mu.Unlock()

	e, last, found, err := m.store.Remove(ctx, boardID, connectionID)
	if err != nil {
		m.mu.Lock()
		if _, live := m.registry.Get(connectionID); live {
			m.add(connectionID, boardID)
		}
		m.mu.Unlock()
		return err
	}
	if !found {
		return nil
	}

	m.log.WithFields(log.Fields{
		"board":      boardID,
		"connection": connectionID,
		"user":       e.UserID,
		"last":       last,
	}).Debug("left board")

	if last {
		m.router.emitFrame(ctx, boardID, Frame{
			Type:    FrameUserLeft,
			Payload: UserLeftPayload{BoardID: boardID, UserID: e.UserID},
		}, Actor{})
	}
	m.broadcastSnapshot(ctx, boardID)
	return nil
}

// Disconnect leaves every room the connection joined.
func (m *RoomManager) Disconnect(ctx context.Context, connectionID string) {
	for _, boardID := range m.Boards(connectionID) {
		if err := m.Leave(ctx, connectionID, boardID); err != nil {
			m.log.WithError(err).WithFields(log.Fields{
				"board":      boardID,
				"connection": connectionID,
			}).Warn("leave on disconnect")
		}
	}
}

// Evict removes every local connection of userID from boardID's room.
func (m *RoomManager) Evict(ctx context.Context, boardID, userID string) {
	for _, id := range m.Connections(boardID) {
		c, ok := m.registry.Get(id)
		if !ok || c.UserID != userID {
			continue
		}
		if err := m.Leave(ctx, id, boardID); err != nil {
			m.log.WithError(err).WithField("board", boardID).Warn("evict")
			continue
		}
		m.router.SendTo(id, Frame{
			Type:    FrameError,
			Payload: ErrorPayload{Code: "REMOVED_FROM_BOARD", Message: "you are no longer a member of board " + boardID},
		})
	}
}

// Refresh touches the presence of every board with a local viewer.
func (m *RoomManager) Refresh(ctx context.Context) {
	m.mu.RLock()
	boards := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		boards = append(boards, id)
	}
	m.mu.RUnlock()
	for _, boardID := range boards {
		if err := m.store.Touch(ctx, boardID); err != nil {
			m.log.WithError(err).WithField("board", boardID).Warn("refresh presence")
		}
	}
}

// KeepAlive calls Refresh every interval until ctx is cancelled.
func (m *RoomManager) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Snapshot returns the board's online users.
func (m *RoomManager) Snapshot(ctx context.Context, boardID string) ([]domain.PresenceUser, error) {
	return m.store.Users(ctx, boardID)
}

// SendSnapshot sends the board's online users to one connection.
func (m *RoomManager) SendSnapshot(ctx context.Context, connectionID, boardID, requestID string) error {
	return m.sendSnapshot(ctx, connectionID, boardID, requestID)
}

// Connections lists the local connections viewing boardID in sorted order.
func (m *RoomManager) Connections(boardID string) []string {
	m.mu.RLock()
	set := m.rooms[boardID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Boards lists the boards a connection has joined.
func (m *RoomManager) Boards(connectionID string) []string {
	m.mu.RLock()
	set := m.joined[connectionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *RoomManager) add(connectionID, boardID string) {
	room, ok := m.rooms[boardID]
	if !ok {
		room = make(map[string]struct{})
		m.rooms[boardID] = room
	}
	room[connectionID] = struct{}{}
	boards, ok := m.joined[connectionID]
	if !ok {
		boards = make(map[string]struct{})
		m.joined[connectionID] = boards
	}
	boards[boardID] = struct{}{}
}

func (m *RoomManager) remove(connectionID, boardID string) {
	if room := m.rooms[boardID]; room != nil {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(m.rooms, boardID)
		}
	}
	if boards := m.joined[connectionID]; boards != nil {
		delete(boards, boardID)
		if len(boards) == 0 {
			delete(m.joined, connectionID)
		}
	}
}

func (m *RoomManager) broadcastSnapshot(ctx context.Context, boardID string) {
	users, err := m.store.Users(ctx, boardID)
	if err != nil {
		m.log.WithError(err).WithField("board", boardID).Warn("presence snapshot")
		return
	}
	m.router.emitFrame(ctx, boardID, Frame{
		Type:    FrameOnlineUsers,
		Payload: OnlineUsersPayload{BoardID: boardID, Users: users},
	}, Actor{})
}

func (m *RoomManager) sendSnapshot(ctx context.Context, connectionID, boardID, requestID string) error {
	users, err := m.store.Users(ctx, boardID)
	if err != nil {
		return err
	}
	m.router.SendTo(connectionID, Frame{
		Type:      FrameOnlineUsers,
		RequestID: requestID,
		Payload:   OnlineUsersPayload{BoardID: boardID, Users: users},
	})
	return nil
}
