package api

import (
	"context"

	"board-sync/domain"
	"board-sync/position"
	"board-sync/realtime"
)

// Storage abstracts the read paths handlers need.
type Storage interface {
	Column(ctx context.Context, id string) (*domain.Column, error)
	Card(ctx context.Context, id string) (*domain.Card, error)
	Columns(ctx context.Context, boardID string) ([]domain.Column, error)
	Cards(ctx context.Context, columnID string) ([]domain.Card, error)
	Ping(ctx context.Context) error
}

// Positioner changes the order of cards and columns.
type Positioner interface {
	Reposition(ctx context.Context, ref domain.ItemRef, destContainerID string, destPosition int) (position.Result, error)
	Insert(ctx context.Context, p domain.Placeable, containerID string, position int) (domain.OrderedItem, error)
	Remove(ctx context.Context, ref domain.ItemRef) (domain.OrderedItem, error)
}

// Membership answers whether a user may see a board and with which role.
type Membership interface {
	IsMember(ctx context.Context, boardID, userID string) (domain.Role, bool, error)
}

// Broadcaster pushes changes to live viewers.
type Broadcaster interface {
	Emit(ctx context.Context, boardID string, change domain.Change, actor realtime.Actor)
	Notify(ctx context.Context, userID string, n domain.Notification)
}

// Notifier hands notifications to the notification service.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Authenticator is implemented by types able to identify callers from headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}
