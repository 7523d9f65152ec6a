package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/JBJLogic/Potato-Market/nats_service"
	"github.com/JBJLogic/Potato-Market/store"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Broker fans messages out to every connection joined to a room.
type Broker interface {
	PublishMessage(ctx context.Context, msg *models.ChatMessage) error
	SubscribeToRoom(ctx context.Context, roomID int64, handler func(msg *models.ChatMessage)) (nats_service.Subscription, error)
}

// Store is the persistence the chat server needs.
type Store interface {
	GetRoom(ctx context.Context, roomID, viewerID int64) (models.ChatRoom, error)
	ListMessages(ctx context.Context, roomID int64, limit int) ([]models.ChatMessage, error)
	InsertMessage(ctx context.Context, msg *models.ChatMessage) error
	CreateRoom(ctx context.Context, productID, buyerID int64) (int64, error)
	GetUser(ctx context.Context, userID int64) (models.User, error)
}

// Presence counts the connections joined to a room.
type Presence interface {
	Join(ctx context.Context, roomID int64, connID string) (int64, error)
	Refresh(ctx context.Context, roomID int64, connID string) error
	Leave(ctx context.Context, roomID int64, connID string) error
}

type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	PublishWait    time.Duration
	IdentityCookie string
	Location       *time.Location // zone of created_at on the wire
}

type Handler struct {
	broker   Broker
	store    Store
	presence Presence // optional
	cfg      Config
	loc      *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func New(broker Broker, st Store, presence Presence, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.PublishWait <= 0 {
		cfg.PublishWait = 5 * time.Second
	}
	if cfg.IdentityCookie == "" {
		cfg.IdentityCookie = "user_id"
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		broker:   broker,
		store:    st,
		presence: presence,
		cfg:      cfg,
		loc:      loc,
		logger:   logger.With().Str("component", "chat").Logger(),
		now:      time.Now,
	}
}

// Register mounts the chat routes on app.
func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.Health)

	api := app.Group("/api", h.Identity)
	api.Get("/check-session", h.CheckSession)
	api.Get("/chat/room/:room_id/messages", h.GetRoomMessages)
	api.Post("/chat/room", h.CreateRoom)

	app.Use("/chat/ws", h.Identity, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/chat/ws", websocket.New(h.HandleWebSocket, websocket.Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}))
}

// localsUserID is the request locals key of the caller's user id.
const localsUserID = "chat.identity.user_id"

// Identity resolves the caller from the identity cookie and stores the id
// in the request locals. Requests without one pass through anonymously.
func (h *Handler) Identity(c *fiber.Ctx) error {
	if raw := c.Cookies(h.cfg.IdentityCookie); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			c.Locals(localsUserID, id)
		}
	}
	return c.Next()
}

// UserID is the caller resolved by Identity, 0 when anonymous.
func UserID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(localsUserID).(int64)
	return id
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(models.ErrorResponse{Error: message})
}

// Health reports whether the broker connection is up.
func (h *Handler) Health(c *fiber.Ctx) error {
	if hc, ok := h.broker.(interface{ Healthy() bool }); ok && !hc.Healthy() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// CheckSession reports who the identity cookie belongs to.
func (h *Handler) CheckSession(c *fiber.Ctx) error {
	id := UserID(c)
	if id == 0 {
		return c.JSON(models.SessionResponse{LoggedIn: false})
	}

	user, err := h.store.GetUser(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(models.SessionResponse{LoggedIn: false})
	}
	if err != nil {
		l := logging.Ctx(c.UserContext())
		l.Error().Err(err).Msg("failed to load session user")
		return fail(c, fiber.StatusInternalServerError, "세션 확인 중 오류가 발생했습니다.")
	}
	return c.JSON(models.SessionResponse{LoggedIn: true, User: &user})
}

// GetRoomMessages returns a room's metadata and its messages in order.
func (h *Handler) GetRoomMessages(c *fiber.Ctx) error {
	roomID, err := c.ParamsInt("room_id")
	if err != nil || roomID <= 0 {
		return fail(c, fiber.StatusBadRequest, errInvalidRoom)
	}
	viewer := UserID(c)
	if viewer == 0 {
		return fail(c, fiber.StatusUnauthorized, errLoginRequired)
	}

	ctx := c.UserContext()
	l := logging.Ctx(ctx)

	room, err := h.store.GetRoom(ctx, int64(roomID), viewer)
	if errors.Is(err, store.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, errRoomNotFound)
	}
	if err != nil {
		l.Error().Err(err).Int(logging.FieldRoomID, roomID).Msg("failed to load room")
		return fail(c, fiber.StatusInternalServerError, errRoomUnavailable)
	}
	if !room.HasParticipant(viewer) {
		return fail(c, fiber.StatusForbidden, errForbidden)
	}

	msgs, err := h.store.ListMessages(ctx, room.RoomID, 0)
	if err != nil {
		l.Error().Err(err).Int(logging.FieldRoomID, roomID).Msg("failed to load messages")
		return fail(c, fiber.StatusInternalServerError, errRoomUnavailable)
	}

	resp := models.HistoryResponse{
		Room:     room,
		Messages: make([]models.ReceiveMessagePayload, len(msgs)),
	}
	for i, m := range msgs {
		resp.Messages[i] = m.ToReceivePayload(h.loc)
	}
	return c.JSON(resp)
}

// CreateRoom opens the caller's room about a product, reusing an existing
// one.
func (h *Handler) CreateRoom(c *fiber.Ctx) error {
	buyer := UserID(c)
	if buyer == 0 {
		return fail(c, fiber.StatusUnauthorized, errLoginRequired)
	}

	var req models.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil || req.ProductID <= 0 {
		return fail(c, fiber.StatusBadRequest, "상품 ID가 필요합니다.")
	}

	roomID, err := h.store.CreateRoom(c.UserContext(), req.ProductID, buyer)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "상품을 찾을 수 없습니다.")
	case errors.Is(err, store.ErrOwnProduct):
		return fail(c, fiber.StatusBadRequest, "본인 상품에는 채팅할 수 없습니다.")
	case err != nil:
		l := logging.Ctx(c.UserContext())
		l.Error().Err(err).Int64("product_id", req.ProductID).Msg("failed to create room")
		return fail(c, fiber.StatusInternalServerError, "채팅방을 만들 수 없습니다.")
	}
	return c.JSON(models.CreateRoomResponse{RoomID: roomID})
}

func (h *Handler) joinPresence(ctx context.Context, roomID int64, connID string) int64 {
	if h.presence == nil {
		return 0
	}
	n, err := h.presence.Join(ctx, roomID, connID)
	if err != nil {
		h.logger.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("presence join failed")
		return 0
	}
	return n
}

func (h *Handler) leavePresence(ctx context.Context, roomID int64, connID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Leave(ctx, roomID, connID); err != nil {
		h.logger.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("presence leave failed")
	}
}

func (h *Handler) refreshPresence(roomID int64, connID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.presence.Refresh(ctx, roomID, connID); err != nil {
		h.logger.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("presence refresh failed")
	}
}
