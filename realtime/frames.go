package realtime

import (
	"board-sync/domain"
)

// Frame types exchanged over a board socket.
const (
	FrameConnected      = "connected"
	FrameUserJoined     = "user_joined"
	FrameUserLeft       = "user_left"
	FrameOnlineUsers    = "online_users"
	FrameBoardUpdated   = "board_updated"
	FrameNotification   = "notification"
	FrameError          = "error"
	FrameJoinBoard      = "join_board"
	FrameLeaveBoard     = "leave_board"
	FrameGetOnlineUsers = "get_online_users"
)

// Frame is the envelope of every socket message.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type UserJoinedPayload struct {
	BoardID     string `json:"boardId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserLeftPayload struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

type OnlineUsersPayload struct {
	BoardID string                `json:"boardId"`
	Users   []domain.PresenceUser `json:"users"`
}

type BoardUpdatedPayload struct {
	BoardID    string            `json:"boardId"`
	ChangeType domain.ChangeKind `json:"changeType"`
	Payload    domain.Change     `json:"payload"`
	SenderID   string            `json:"senderId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
