package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const evictTimeout = 5 * time.Second

// Actor identifies who caused a change. When ConnectionID is set only that
// connection is skipped on delivery, otherwise every connection of UserID is.
type Actor struct {
	UserID       string `json:"userId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (a Actor) excludes(c *Connection) bool {
	if a.UserID == "" && a.ConnectionID == "" {
		return false
	}
	if a.ConnectionID != "" {
		return c.ID == a.ConnectionID && (a.UserID == "" || c.UserID == a.UserID)
	}
	return c.UserID == a.UserID
}

// Envelope carries one encoded frame through a Transport. Exactly one of
// BoardID and UserID addresses the recipients.
type Envelope struct {
	BoardID   string          `json:"boardId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Frame     json.RawMessage `json:"frame"`
	Actor     Actor           `json:"actor"`
	EvictUser string          `json:"evictUser,omitempty"`
}

// Transport moves envelopes to every instance that may hold recipients.
type Transport interface {
	Publish(ctx context.Context, env Envelope) error
}

// Router fans board changes and presence updates out to room members.
type Router struct {
	mu        sync.Mutex
	registry  *Registry
	rooms     *RoomManager
	transport Transport
	log       *log.Logger
}

// Emit broadcasts change to every connection viewing boardID except the
// actor's. Delivery is best effort: failures are logged, never returned.
func (r *Router) Emit(ctx context.Context, boardID string, change domain.Change, actor Actor) {
	if change == nil {
		r.log.WithField("board", boardID).Warn("emit called without a change")
		return
	}
	frame := Frame{
		Type: FrameBoardUpdated,
		Payload: BoardUpdatedPayload{
			BoardID:    boardID,
			ChangeType: change.Kind(),
			Payload:    change,
			SenderID:   actor.UserID,
		},
	}
	env := Envelope{BoardID: boardID, Actor: actor}
	if removed, ok := change.(domain.MemberRemoved); ok {
		env.EvictUser = removed.UserID
	}
	r.publish(ctx, env, frame)
}

// Notify pushes a notification frame to every live connection of userID.
func (r *Router) Notify(ctx context.Context, userID string, n domain.Notification) {
	r.publish(ctx, Envelope{UserID: userID}, Frame{Type: FrameNotification, Payload: n})
}

// SendTo queues a frame on a single local connection.
func (r *Router) SendTo(connectionID string, frame Frame) bool {
	data, err := sonic.Marshal(frame)
	if err != nil {
		r.log.WithError(err).WithField("type", frame.Type).Error("encode frame")
		return false
	}
	return r.registry.deliver(connectionID, data)
}

func (r *Router) emitFrame(ctx context.Context, boardID string, frame Frame, actor Actor) {
	r.publish(ctx, Envelope{BoardID: boardID, Actor: actor}, frame)
}

func (r *Router) publish(ctx context.Context, env Envelope, frame Frame) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		r.log.WithError(err).WithField("type", frame.Type).Error("encode frame")
		return
	}
	env.Frame = data
	if r.transport == nil {
		r.Deliver(env)
		return
	}
	if err := r.transport.Publish(ctx, env); err != nil {
		r.log.WithError(err).WithFields(log.Fields{
			"board": env.BoardID,
			"type":  frame.Type,
		}).Warn("publish frame")
	}
}

// Deliver hands env to the matching local connections. Frames for one board
// are queued in the order Deliver is called.
func (r *Router) Deliver(env Envelope) {
	if env.UserID != "" {
		r.registry.SendToUser(env.UserID, env.Frame)
		return
	}

	r.mu.Lock()
	sent, skipped := 0, 0
	for _, id := range r.rooms.Connections(env.BoardID) {
		c, ok := r.registry.Get(id)
		if !ok {
			continue
		}
		if env.Actor.excludes(c) {
			skipped++
			continue
		}
		if r.registry.deliver(id, env.Frame) {
			sent++
		}
	}
	r.mu.Unlock()

	r.log.WithFields(log.Fields{
		"board":   env.BoardID,
		"sent":    sent,
		"skipped": skipped,
	}).Debug("frame delivered")

	if env.EvictUser != "" {
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		defer cancel()
		r.rooms.Evict(ctx, env.BoardID, env.EvictUser)
	}
}
