package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultSendBuffer = 64

// Connection is one authenticated live socket. Frames queued with enqueue are
// written by the socket's writer goroutine, which drains Send until Done closes.
type Connection struct {
	ID              string
	UserID          string
	DisplayName     string
	AuthenticatedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Connection) Send() <-chan []byte {
	return c.send
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// enqueue queues frame without blocking. It reports false when the
// connection is closed or its queue is full.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the connection's writer. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry maps user identities to their live connections on this instance.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}
	buffer int
	log    *log.Logger

	hooksMu      sync.RWMutex
	onUnregister []func(ctx context.Context, connectionID string)
}

func NewRegistry(sendBuffer int, logger *log.Logger) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
		buffer: sendBuffer,
		log:    logger,
	}
}

// OnUnregister adds a hook that runs synchronously after a connection is removed.
func (r *Registry) OnUnregister(fn func(ctx context.Context, connectionID string)) {
	r.hooksMu.Lock()
	r.onUnregister = append(r.onUnregister, fn)
	r.hooksMu.Unlock()
}

// Register records a freshly authenticated connection for userID.
func (r *Registry) Register(userID, displayName string) *Connection {
	if displayName == "" {
		displayName = userID
	}
	c := &Connection{
		ID:              uuid.NewString(),
		UserID:          userID,
		DisplayName:     displayName,
		AuthenticatedAt: time.Now().UTC(),
		send:            make(chan []byte, r.buffer),
		done:            make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[c.ID] = struct{}{}
	r.mu.Unlock()

	r.log.WithFields(log.Fields{"connection": c.ID, "user": userID}).Debug("connection registered")
	return c
}

// Unregister removes the connection and leaves every room it joined. Unknown
// ids are ignored.
func (r *Registry) Unregister(ctx context.Context, connectionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		if set := r.byUser[c.UserID]; set != nil {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Close()

	r.hooksMu.RLock()
	hooks := append([]func(context.Context, string){}, r.onUnregister...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, connectionID)
	}
	r.log.WithFields(log.Fields{"connection": connectionID, "user": c.UserID}).Debug("connection unregistered")
}

func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// ConnectionsFor lists the user's live connection ids in sorted order.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToUser queues frame on every connection of userID and returns how
// many accepted it.
func (r *Registry) SendToUser(userID string, frame []byte) int {
	sent := 0
	for _, id := range r.ConnectionsFor(userID) {
		if r.deliver(id, frame) {
			sent++
		}
	}
	return sent
}

// deliver queues frame on one connection. A connection that cannot keep up
// is closed; its client resynchronises after reconnecting.
func (r *Registry) deliver(connectionID string, frame []byte) bool {
	c, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	if c.enqueue(frame) {
		return true
	}
	select {
	case <-c.done:
	default:
		r.log.WithFields(log.Fields{"connection": c.ID, "user": c.UserID}).Warn("send queue full, closing slow connection")
		c.Close()
	}
	return false
}
