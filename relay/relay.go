// Package relay applies board changes produced by other services: it decodes
// them, refreshes cached membership and broadcasts them to live viewers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"board-sync/domain"
	"board-sync/realtime"
)

var (
	// ErrInvalidMessage marks messages that can never be applied.
	ErrInvalidMessage = errors.New("invalid relay message")
	// ErrDuplicate is returned for a message id that was already applied.
	ErrDuplicate = errors.New("duplicate relay message")
)

// Message is a change reported by an external service.
type Message struct {
	// ID is optional; when set, redelivered copies are dropped.
	ID           string            `json:"id,omitempty"`
	BoardID      string            `json:"boardId"`
	ChangeType   domain.ChangeKind `json:"changeType"`
	Payload      json.RawMessage   `json:"payload"`
	ActorID      string            `json:"actorId"`
	ConnectionID string            `json:"connectionId,omitempty"`
}

// Emitter broadcasts a change to a board's viewers.
type Emitter interface {
	Emit(ctx context.Context, boardID string, change domain.Change, actor realtime.Actor)
}

// Invalidator drops cached membership answers.
type Invalidator interface {
	Invalidate(ctx context.Context, boardID, userID string)
}

type Applier struct {
	live    Emitter
	members Invalidator
	dedupe  Deduper
}

// NewApplier returns an Applier. members may be nil when membership is not cached.
func NewApplier(live Emitter, members Invalidator) *Applier {
	return &Applier{live: live, members: members}
}

// WithDeduper drops messages whose id d has already seen.
func (a *Applier) WithDeduper(d Deduper) *Applier {
	a.dedupe = d
	return a
}

// Apply decodes msg and broadcasts it. Membership changes invalidate the
// member's cached role before anyone is told about them.
func (a *Applier) Apply(ctx context.Context, msg Message) (domain.Change, error) {
	if msg.BoardID == "" {
		return nil, fmt.Errorf("%w: missing board id", ErrInvalidMessage)
	}
	change, err := domain.DecodeChange(msg.ChangeType, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if a.dedupe != nil && msg.ID != "" {
		added, err := a.dedupe.Add(ctx, msg.BoardID, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("dedupe: %w", err)
		}
		if !added {
			return change, ErrDuplicate
		}
	}

	if a.members != nil {
		switch ch := change.(type) {
		case domain.MemberAdded:
			a.members.Invalidate(ctx, msg.BoardID, ch.UserID)
		case domain.MemberUpdated:
			a.members.Invalidate(ctx, msg.BoardID, ch.UserID)
		case domain.MemberRemoved:
			a.members.Invalidate(ctx, msg.BoardID, ch.UserID)
		}
	}
	if a.live != nil {
		a.live.Emit(ctx, msg.BoardID, change, realtime.Actor{UserID: msg.ActorID, ConnectionID: msg.ConnectionID})
	}
	return change, nil
}
