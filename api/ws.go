package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/realtime"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxFrameSize    = 16 << 10
	presenceTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Payload   struct {
		BoardID string `json:"boardId"`
	} `json:"payload"`
}

// serveSocket authenticates the caller before upgrading, then registers the
// socket with the hub until either side hangs up.
func serveSocket(hub *realtime.Hub, auth Authenticator, members Membership, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := auth.IdentityFromAuthHeader(authHeader(c.Request()))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader already wrote the failure response
			logger.WithError(err).Debug("websocket upgrade")
			return nil
		}

		conn := hub.Registry.Register(id.UserID, id.DisplayName)
		entry := logger.WithFields(log.Fields{"connection": conn.ID, "user": id.UserID})
		entry.Debug("socket connected")

		writerDone := make(chan struct{})
		go writeLoop(ws, conn, writerDone)
		hub.Router.SendTo(conn.ID, realtime.Frame{
			Type:    realtime.FrameConnected,
			Payload: realtime.ConnectedPayload{ConnectionID: conn.ID, UserID: id.UserID},
		})

		s := &socket{hub: hub, members: members, conn: conn, log: entry}
		s.readLoop(ws)

		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		hub.Registry.Unregister(ctx, conn.ID)
		cancel()
		conn.Close()
		<-writerDone
		entry.Debug("socket closed")
		return nil
	}
}

func writeLoop(ws *websocket.Conn, conn *realtime.Connection, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
		close(done)
	}()
	for {
		select {
		case frame := <-conn.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-conn.Done():
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

type socket struct {
	hub     *realtime.Hub
	members Membership
	conn    *realtime.Connection
	log     *log.Entry
}

func (s *socket) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("socket read")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		var f clientFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			s.reply("", "BAD_REQUEST", "malformed frame")
			continue
		}
		s.handle(f)
	}
}

func (s *socket) handle(f clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	switch f.Type {
	case realtime.FrameJoinBoard, realtime.FrameLeaveBoard, realtime.FrameGetOnlineUsers:
	default:
		s.reply(f.RequestID, "BAD_REQUEST", "unknown frame type "+f.Type)
		return
	}
	boardID := f.Payload.BoardID
	if boardID == "" {
		s.reply(f.RequestID, "BAD_REQUEST", "boardId is required")
		return
	}

	if f.Type == realtime.FrameLeaveBoard {
		if err := s.hub.Rooms.Leave(ctx, s.conn.ID, boardID); err != nil {
			s.fail(f.RequestID, err)
		}
		return
	}

	if _, ok, err := s.members.IsMember(ctx, boardID, s.conn.UserID); err != nil {
		s.fail(f.RequestID, err)
		return
	} else if !ok {
		s.fail(f.RequestID, domain.ErrPermission)
		return
	}

	var err error
	if f.Type == realtime.FrameJoinBoard {
		err = s.hub.Rooms.Join(ctx, s.conn.ID, boardID)
	} else {
		err = s.hub.Rooms.SendSnapshot(ctx, s.conn.ID, boardID, f.RequestID)
	}
	if err != nil {
		s.fail(f.RequestID, err)
	}
}

func (s *socket) fail(requestID string, err error) {
	if errors.Is(err, domain.ErrPermission) {
		s.reply(requestID, "FORBIDDEN", "not a member of this board")
		return
	}
	s.log.WithError(err).Warn("socket request failed")
	s.reply(requestID, "INTERNAL", "request failed")
}

func (s *socket) reply(requestID, code, msg string) {
	s.hub.Router.SendTo(s.conn.ID, realtime.Frame{
		Type:      realtime.FrameError,
		RequestID: requestID,
		Payload:   realtime.ErrorPayload{Code: code, Message: msg},
	})
}
