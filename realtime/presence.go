package realtime

import (
	"context"
	"sort"
	"sync"

	"board-sync/domain"
)

// PresenceEntry is one connection's membership in a board room.
type PresenceEntry struct {
	ConnectionID string
	UserID       string
	DisplayName  string
}

// PresenceStore tracks which users are viewing a board. Presence is keyed by
// user: a user stays present while at least one of their connections is in
// the room.
type PresenceStore interface {
	// Add records e and reports whether it is the user's first connection in the room.
	// Adding a connection twice is a no-op.
	Add(ctx context.Context, boardID string, e PresenceEntry) (first bool, err error)
	// Remove drops the connection and reports whether it was the user's last.
	// found is false when the connection was not in the room.
	Remove(ctx context.Context, boardID, connectionID string) (e PresenceEntry, last, found bool, err error)
	// Users returns the room's users ordered by display name, then user id.
	Users(ctx context.Context, boardID string) ([]domain.PresenceUser, error)
	// Touch marks the room as still viewed so its entries do not expire.
	Touch(ctx context.Context, boardID string) error
}

type memoryRoom struct {
	conns  map[string]PresenceEntry
	counts map[string]int
	names  map[string]string
}

// MemoryPresence keeps presence in process memory. It is only correct when a
// single instance serves every connection of a board.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]*memoryRoom)}
}

func (m *MemoryPresence) Add(_ context.Context, boardID string, e PresenceEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[boardID]
	if !ok {
		room = &memoryRoom{
			conns:  make(map[string]PresenceEntry),
			counts: make(map[string]int),
			names:  make(map[string]string),
		}
		m.rooms[boardID] = room
	}
	if _, dup := room.conns[e.ConnectionID]; dup {
		return false, nil
	}
	room.conns[e.ConnectionID] = e
	room.names[e.UserID] = e.DisplayName
	room.counts[e.UserID]++
	return room.counts[e.UserID] == 1, nil
}

func (m *MemoryPresence) Remove(_ context.Context, boardID, connectionID string) (PresenceEntry, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[boardID]
	if !ok {
		return PresenceEntry{}, false, false, nil
	}
	e, ok := room.conns[connectionID]
	if !ok {
		return PresenceEntry{}, false, false, nil
	}
	delete(room.conns, connectionID)
	room.counts[e.UserID]--
	last := room.counts[e.UserID] <= 0
	if last {
		delete(room.counts, e.UserID)
		delete(room.names, e.UserID)
	}
	if len(room.conns) == 0 {
		delete(m.rooms, boardID)
	}
	return e, last, true, nil
}

func (m *MemoryPresence) Users(_ context.Context, boardID string) ([]domain.PresenceUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[boardID]
	if !ok {
		return []domain.PresenceUser{}, nil
	}
	users := make([]domain.PresenceUser, 0, len(room.names))
	for id, name := range room.names {
		users = append(users, domain.PresenceUser{UserID: id, DisplayName: name})
	}
	sortUsers(users)
	return users, nil
}

// Touch is a no-op: memory presence never expires.
func (m *MemoryPresence) Touch(context.Context, string) error {
	return nil
}

func sortUsers(users []domain.PresenceUser) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].UserID < users[j].UserID
	})
}
