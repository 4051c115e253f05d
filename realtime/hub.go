package realtime

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Hub bundles the registry, rooms and router of one instance.
type Hub struct {
	Registry *Registry
	Rooms    *RoomManager
	Router   *Router
}

// NewHub wires the live components together. A nil transport delivers in
// process only.
func NewHub(store PresenceStore, transport Transport, sendBuffer int, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if store == nil {
		store = NewMemoryPresence()
	}
	registry := NewRegistry(sendBuffer, logger)
	router := &Router{registry: registry, transport: transport, log: logger}
	rooms := &RoomManager{
		rooms:    make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
		registry: registry,
		store:    store,
		router:   router,
		log:      logger,
	}
	router.rooms = rooms
	registry.OnUnregister(rooms.Disconnect)
	return &Hub{Registry: registry, Rooms: rooms, Router: router}
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.Registry.mu.RLock()
	ids := make([]string, 0, len(h.Registry.conns))
	for id := range h.Registry.conns {
		ids = append(ids, id)
	}
	h.Registry.mu.RUnlock()
	for _, id := range ids {
		h.Registry.Unregister(ctx, id)
	}
}
