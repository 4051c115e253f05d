package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/realtime"
	"board-sync/relay"
)

// MaxBodyBytes caps a decoded request body.
const MaxBodyBytes = 64 << 10

const (
	headerConnectionID = "X-Connection-ID"
	appendPosition     = math.MaxInt32
)

// Services holds everything the HTTP surface depends on.
type Services struct {
	Store    Storage
	Engine   Positioner
	Members  Membership
	Auth     Authenticator
	Hub      *realtime.Hub
	Notifier Notifier
	Pool     PoolOptions
	Log      *log.Logger

	// Broadcaster overrides the hub's router for board changes.
	Broadcaster Broadcaster
	RelayToken  string
	// RelayDedupe, when set, drops relayed changes whose id was already seen.
	RelayDedupe relay.Deduper
}

// Register wires up all API routes on the provided Echo instance. The returned
// function stops the notification workers.
func Register(e *echo.Echo, s Services) (stop func()) {
	if s.Log == nil {
		s.Log = log.StandardLogger()
	}
	live := s.Broadcaster
	if live == nil && s.Hub != nil {
		live = s.Hub.Router
	}
	notify := newNotifyDispatcher(s.Notifier, live, s.Pool, s.Log)
	h := &handlers{Services: s, live: live, notify: notify}
	inv, _ := s.Members.(relay.Invalidator)
	h.relay = relay.NewApplier(live, inv)
	if s.RelayDedupe != nil {
		h.relay.WithDeduper(s.RelayDedupe)
	}

	e.GET("/healthz", h.healthz())
	e.GET("/api/boards/:boardID/columns", h.listColumns())
	e.POST("/api/boards/:boardID/columns", h.createColumn())
	e.PATCH("/api/columns/:columnID/position", h.moveColumn())
	e.DELETE("/api/columns/:columnID", h.deleteColumn())
	e.GET("/api/columns/:columnID/cards", h.listCards())
	e.POST("/api/columns/:columnID/cards", h.createCard())
	e.PATCH("/api/cards/:cardID/position", h.moveCard())
	e.DELETE("/api/cards/:cardID", h.deleteCard())
	if s.Hub != nil {
		e.GET("/ws", serveSocket(s.Hub, s.Auth, s.Members, s.Log))
	}
	if s.RelayToken != "" {
		e.POST("/internal/boards/:boardID/changes", h.relayChange())
	}
	return notify.Close
}

type handlers struct {
	Services
	live   Broadcaster
	notify *notifyDispatcher
	relay  *relay.Applier
}

type createColumnRequest struct {
	Name     string `json:"name"`
	Position *int   `json:"position"`
}

type createCardRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Position    *int       `json:"position"`
	AssignedTo  string     `json:"assignedTo"`
	DueDate     *time.Time `json:"dueDate"`
}

type moveRequest struct {
	ColumnID string `json:"columnId"`
	Position *int   `json:"position"`
}

// Columns never change boards; boardId is only checked when present.
type moveColumnRequest struct {
	BoardID  string `json:"boardId"`
	Position *int   `json:"position"`
}

func (h *handlers) instrument(route string, fn func(c echo.Context, m *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m, ctx := newRequestMetrics(c.Request().Context(), h.Log, route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			m.Log(c.Response().Status, err)
		}()
		return fn(c, m)
	}
}

func (h *handlers) authenticate(c echo.Context, m *requestMetrics) (Identity, error) {
	start := time.Now()
	id, err := h.Auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.Observe("auth", time.Since(start))
	return id, err
}

// authorize returns the caller's role on boardID or domain.ErrPermission.
func (h *handlers) authorize(ctx context.Context, m *requestMetrics, boardID, userID string) (domain.Role, error) {
	start := time.Now()
	role, ok, err := h.Members.IsMember(ctx, boardID, userID)
	m.Observe("membership", time.Since(start))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrPermission
	}
	return role, nil
}

func actorFrom(c echo.Context, userID string) realtime.Actor {
	return realtime.Actor{UserID: userID, ConnectionID: strings.TrimSpace(c.Request().Header.Get(headerConnectionID))}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func fail(c echo.Context, m *requestMetrics, stage string, err error) error {
	m.SetErrorStage(stage)
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return c.String(http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrPermission):
		return c.String(http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrContainerNotFound):
		return c.String(http.StatusNotFound, "container not found")
	case errors.Is(err, domain.ErrItemNotFound):
		return c.String(http.StatusNotFound, "not found")
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, "internal error")
}

func (h *handlers) emit(ctx context.Context, m *requestMetrics, boardID string, change domain.Change, actor realtime.Actor) {
	if h.live == nil {
		return
	}
	start := time.Now()
	h.live.Emit(ctx, boardID, change, actor)
	m.Observe("broadcast", time.Since(start))
}

func (h *handlers) healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

func (h *handlers) listColumns() echo.HandlerFunc {
	return h.instrument("/api/boards/:boardID/columns", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		boardID := c.Param("boardID")
		m.SetBoardID(boardID)
		if _, err := h.authorize(ctx, m, boardID, id.UserID); err != nil {
			return fail(c, m, "membership", err)
		}
		start := time.Now()
		cols, err := h.Store.Columns(ctx, boardID)
		m.Observe("fetch", time.Since(start))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		return c.JSON(http.StatusOK, cols)
	})
}

func (h *handlers) createColumn() echo.HandlerFunc {
	return h.instrument("/api/boards/:boardID/columns", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		boardID := c.Param("boardID")
		m.SetBoardID(boardID)

		var req createColumnRequest
		if err := decodeBody(c, &req); err != nil || strings.TrimSpace(req.Name) == "" {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		role, err := h.authorize(ctx, m, boardID, id.UserID)
		if err != nil {
			return fail(c, m, "membership", err)
		}
		if !role.CanManage() {
			return fail(c, m, "role", domain.ErrPermission)
		}

		col := &domain.Column{ID: uuid.NewString(), Name: strings.TrimSpace(req.Name), CreatedBy: id.UserID}
		pos := appendPosition
		if req.Position != nil {
			pos = *req.Position
		}
		start := time.Now()
		if _, err := h.Engine.Insert(ctx, col, boardID, pos); err != nil {
			return fail(c, m, "engine", err)
		}
		m.Observe("engine", time.Since(start))

		h.emit(ctx, m, boardID, domain.ColumnCreated{Column: *col}, actorFrom(c, id.UserID))
		return c.JSON(http.StatusCreated, col)
	})
}

func (h *handlers) moveColumn() echo.HandlerFunc {
	return h.instrument("/api/columns/:columnID/position", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		var req moveColumnRequest
		if err := decodeBody(c, &req); err != nil || req.Position == nil {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		col, err := h.Store.Column(ctx, c.Param("columnID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if col == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		m.SetBoardID(col.BoardID)
		if req.BoardID != "" && req.BoardID != col.BoardID {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "columns can only move within their board")
		}
		role, err := h.authorize(ctx, m, col.BoardID, id.UserID)
		if err != nil {
			return fail(c, m, "membership", err)
		}
		if !role.CanManage() {
			return fail(c, m, "role", domain.ErrPermission)
		}

		start := time.Now()
		res, err := h.Engine.Reposition(ctx, domain.ItemRef{Kind: domain.KindColumn, ID: col.ID}, col.BoardID, *req.Position)
		m.Observe("engine", time.Since(start))
		if err != nil {
			return fail(c, m, "engine", err)
		}
		if res.Moved() {
			h.emit(ctx, m, col.BoardID, domain.ColumnMoved{
				ColumnID:     col.ID,
				FromPosition: res.From.Position,
				ToPosition:   res.To.Position,
			}, actorFrom(c, id.UserID))
		}
		return c.JSON(http.StatusOK, res.To)
	})
}

func (h *handlers) deleteColumn() echo.HandlerFunc {
	return h.instrument("/api/columns/:columnID", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		col, err := h.Store.Column(ctx, c.Param("columnID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if col == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		m.SetBoardID(col.BoardID)
		role, err := h.authorize(ctx, m, col.BoardID, id.UserID)
		if err != nil {
			return fail(c, m, "membership", err)
		}
		if !role.CanManage() {
			return fail(c, m, "role", domain.ErrPermission)
		}
		start := time.Now()
		if _, err := h.Engine.Remove(ctx, domain.ItemRef{Kind: domain.KindColumn, ID: col.ID}); err != nil {
			return fail(c, m, "engine", err)
		}
		m.Observe("engine", time.Since(start))
		h.emit(ctx, m, col.BoardID, domain.ColumnRemoved{ColumnID: col.ID}, actorFrom(c, id.UserID))
		return c.NoContent(http.StatusNoContent)
	})
}

func (h *handlers) listCards() echo.HandlerFunc {
	return h.instrument("/api/columns/:columnID/cards", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		col, err := h.Store.Column(ctx, c.Param("columnID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if col == nil {
			return fail(c, m, "lookup", domain.ErrContainerNotFound)
		}
		m.SetBoardID(col.BoardID)
		if _, err := h.authorize(ctx, m, col.BoardID, id.UserID); err != nil {
			return fail(c, m, "membership", err)
		}
		start := time.Now()
		cards, err := h.Store.Cards(ctx, col.ID)
		m.Observe("fetch", time.Since(start))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		return c.JSON(http.StatusOK, cards)
	})
}

func (h *handlers) createCard() echo.HandlerFunc {
	return h.instrument("/api/columns/:columnID/cards", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		var req createCardRequest
		if err := decodeBody(c, &req); err != nil || strings.TrimSpace(req.Title) == "" {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		col, err := h.Store.Column(ctx, c.Param("columnID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if col == nil {
			return fail(c, m, "lookup", domain.ErrContainerNotFound)
		}
		m.SetBoardID(col.BoardID)
		if _, err := h.authorize(ctx, m, col.BoardID, id.UserID); err != nil {
			return fail(c, m, "membership", err)
		}

		card := &domain.Card{
			ID:          uuid.NewString(),
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			CreatedBy:   id.UserID,
			AssignedTo:  req.AssignedTo,
			DueDate:     req.DueDate,
		}
		pos := appendPosition
		if req.Position != nil {
			pos = *req.Position
		}
		start := time.Now()
		if _, err := h.Engine.Insert(ctx, card, col.ID, pos); err != nil {
			return fail(c, m, "engine", err)
		}
		m.Observe("engine", time.Since(start))

		h.emit(ctx, m, col.BoardID, domain.CardCreated{Card: *card}, actorFrom(c, id.UserID))
		if card.AssignedTo != "" && card.AssignedTo != id.UserID {
			h.notify.Dispatch(ctx, domain.Notification{
				ID:         uuid.NewString(),
				UserID:     card.AssignedTo,
				SenderID:   id.UserID,
				Type:       domain.NotificationCardAssigned,
				Title:      "You were assigned a card",
				Content:    card.Title,
				EntityType: domain.KindCard,
				EntityID:   card.ID,
				BoardID:    col.BoardID,
				CreatedAt:  time.Now().UTC(),
			})
		}
		return c.JSON(http.StatusCreated, card)
	})
}

func (h *handlers) moveCard() echo.HandlerFunc {
	return h.instrument("/api/cards/:cardID/position", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		var req moveRequest
		if err := decodeBody(c, &req); err != nil || req.Position == nil {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		card, err := h.Store.Card(ctx, c.Param("cardID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if card == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		src, err := h.Store.Column(ctx, card.ColumnID)
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if src == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		dst := src
		if req.ColumnID != "" && req.ColumnID != src.ID {
			dst, err = h.Store.Column(ctx, req.ColumnID)
			if err != nil {
				return fail(c, m, "storage", err)
			}
			if dst == nil {
				return fail(c, m, "lookup", domain.ErrContainerNotFound)
			}
		}
		m.SetBoardID(src.BoardID)

		role, err := h.authorize(ctx, m, src.BoardID, id.UserID)
		if err != nil {
			return fail(c, m, "membership", err)
		}
		if card.CreatedBy != id.UserID && !role.CanManage() {
			return fail(c, m, "role", domain.ErrPermission)
		}
		if dst.BoardID != src.BoardID {
			if _, err := h.authorize(ctx, m, dst.BoardID, id.UserID); err != nil {
				return fail(c, m, "membership", err)
			}
		}

		start := time.Now()
		res, err := h.Engine.Reposition(ctx, domain.ItemRef{Kind: domain.KindCard, ID: card.ID}, dst.ID, *req.Position)
		m.Observe("engine", time.Since(start))
		if err != nil {
			return fail(c, m, "engine", err)
		}
		if !res.Moved() {
			return c.JSON(http.StatusOK, res.To)
		}

		fromBoard := src.BoardID
		if res.From.ContainerID != src.ID {
			// the card moved again between lookup and commit
			if col, err := h.Store.Column(ctx, res.From.ContainerID); err == nil && col != nil {
				fromBoard = col.BoardID
			}
		}
		ev := domain.CardMoved{
			CardID:       card.ID,
			FromBoardID:  fromBoard,
			ToBoardID:    dst.BoardID,
			FromColumnID: res.From.ContainerID,
			ToColumnID:   res.To.ContainerID,
			FromPosition: res.From.Position,
			ToPosition:   res.To.Position,
		}
		actor := actorFrom(c, id.UserID)
		h.emit(ctx, m, fromBoard, ev, actor)
		if dst.BoardID != fromBoard {
			h.emit(ctx, m, dst.BoardID, ev, actor)
		}
		if card.AssignedTo != "" && card.AssignedTo != id.UserID && res.From.ContainerID != res.To.ContainerID {
			h.notify.Dispatch(ctx, domain.Notification{
				ID:         uuid.NewString(),
				UserID:     card.AssignedTo,
				SenderID:   id.UserID,
				Type:       domain.NotificationCardMoved,
				Title:      "A card assigned to you was moved",
				Content:    card.Title + " moved to " + dst.Name,
				EntityType: domain.KindCard,
				EntityID:   card.ID,
				BoardID:    dst.BoardID,
				CreatedAt:  time.Now().UTC(),
			})
		}
		return c.JSON(http.StatusOK, res.To)
	})
}

func (h *handlers) deleteCard() echo.HandlerFunc {
	return h.instrument("/api/cards/:cardID", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		id, err := h.authenticate(c, m)
		if err != nil {
			return fail(c, m, "auth", err)
		}
		card, err := h.Store.Card(ctx, c.Param("cardID"))
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if card == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		col, err := h.Store.Column(ctx, card.ColumnID)
		if err != nil {
			return fail(c, m, "storage", err)
		}
		if col == nil {
			return fail(c, m, "lookup", domain.ErrItemNotFound)
		}
		m.SetBoardID(col.BoardID)
		role, err := h.authorize(ctx, m, col.BoardID, id.UserID)
		if err != nil {
			return fail(c, m, "membership", err)
		}
		if card.CreatedBy != id.UserID && !role.CanManage() {
			return fail(c, m, "role", domain.ErrPermission)
		}
		start := time.Now()
		removed, err := h.Engine.Remove(ctx, domain.ItemRef{Kind: domain.KindCard, ID: card.ID})
		m.Observe("engine", time.Since(start))
		if err != nil {
			return fail(c, m, "engine", err)
		}
		h.emit(ctx, m, col.BoardID, domain.CardRemoved{CardID: card.ID, ColumnID: removed.ContainerID}, actorFrom(c, id.UserID))
		return c.NoContent(http.StatusNoContent)
	})
}

type relayRequest struct {
	ID           string            `json:"id"`
	ChangeType   domain.ChangeKind `json:"changeType"`
	Payload      json.RawMessage   `json:"payload"`
	ActorID      string            `json:"actorId"`
	ConnectionID string            `json:"connectionId"`
}

// relayChange lets trusted backend services broadcast changes they made
// outside this API.
func (h *handlers) relayChange() echo.HandlerFunc {
	return h.instrument("/internal/boards/:boardID/changes", func(c echo.Context, m *requestMetrics) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.RelayToken)) != 1 {
			m.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, "unauthorized")
		}
		boardID := c.Param("boardID")
		m.SetBoardID(boardID)

		var req relayRequest
		if err := decodeBody(c, &req); err != nil {
			m.SetErrorStage("invalid_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		start := time.Now()
		_, err := h.relay.Apply(c.Request().Context(), relay.Message{
			ID:           req.ID,
			BoardID:      boardID,
			ChangeType:   req.ChangeType,
			Payload:      req.Payload,
			ActorID:      req.ActorID,
			ConnectionID: req.ConnectionID,
		})
		m.Observe("broadcast", time.Since(start))
		switch {
		case err == nil, errors.Is(err, relay.ErrDuplicate):
			return c.NoContent(http.StatusAccepted)
		case errors.Is(err, relay.ErrInvalidMessage):
			m.SetErrorStage("invalid_change")
			return c.String(http.StatusBadRequest, err.Error())
		}
		return fail(c, m, "dedupe", err)
	})
}
