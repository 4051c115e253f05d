package domain

import "time"

const (
	NotificationCardAssigned = "card_assigned"
	NotificationCardMoved    = "card_moved"
)

// Notification is handed to the external notification sink.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	SenderID   string    `json:"senderId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	EntityType ItemKind  `json:"entityType"`
	EntityID   string    `json:"entityId"`
	BoardID    string    `json:"boardId"`
	CreatedAt  time.Time `json:"createdAt"`
}
