package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/JBJLogic/Potato-Market/nats_service"
	"github.com/JBJLogic/Potato-Market/store"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxMessageRunes = 1000

// Protocol errors sent back in error events.
const (
	errBadRequest      = "잘못된 요청입니다."
	errUnknownEvent    = "알 수 없는 요청입니다."
	errLoginRequired   = "로그인이 필요합니다."
	errInvalidRoom     = "잘못된 채팅방 ID입니다."
	errRoomNotFound    = "채팅방을 찾을 수 없습니다."
	errRoomUnavailable = "채팅방을 불러올 수 없습니다."
	errForbidden       = "채팅방에 접근할 권한이 없습니다."
	errNotJoined       = "채팅방에 먼저 입장해주세요."
	errOtherRoom       = "참여하지 않은 채팅방입니다."
	errSenderMismatch  = "보낸 사람 정보가 올바르지 않습니다."
	errEmptyMessage    = "메시지를 입력해주세요."
	errMessageTooLong  = "메시지가 너무 깁니다."
	errSaveFailed      = "메시지 저장에 실패했습니다."
	errPublishFailed   = "메시지 전송 중 오류가 발생했습니다."
)

// Client is one WebSocket connection. It is joined to at most one room at
// a time; joining another room leaves the previous one.
type Client struct {
	Conn   *websocket.Conn
	ConnID string
	UserID int64

	h      *Handler
	send       chan *models.Envelope // Outbound events, drained by HandleWrite
	done       chan struct{}         // Closed when the reader exits
	writerDone chan struct{}         // Closed when HandleWrite returns
	logger zerolog.Logger

	room atomic.Int64 // Joined room, 0 when none

	mu  sync.Mutex // Serializes join and leave
	sub nats_service.Subscription
}

func newClient(conn *websocket.Conn, h *Handler, userID int64) *Client {
	connID := uuid.NewString()
	return &Client{
		Conn:   conn,
		ConnID: connID,
		UserID: userID,
		h:      h,
		send:       make(chan *models.Envelope, 256),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger: h.logger.With().
			Str(logging.FieldConnID, connID).
			Int64(logging.FieldUserID, userID).
			Logger(),
	}
}

// HandleRead reads events from the connection until it closes.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		c.logger.Debug().Msg("reader closed")
		close(c.done)
	}()

	cfg := c.h.cfg
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		var env models.Envelope
		err := c.Conn.ReadJSON(&env)
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError(errBadRequest)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			} else {
				c.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.dispatch(ctx, &env)
	}
}

func (c *Client) dispatch(ctx context.Context, env *models.Envelope) {
	switch env.Event {
	case models.EventJoinRoom:
		var p models.JoinRoomPayload
		if err := env.Decode(&p); err != nil {
			c.sendError(errBadRequest)
			return
		}
		c.join(ctx, p.RoomID)

	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := env.Decode(&p); err != nil {
			c.sendError(errBadRequest)
			return
		}
		c.sendMessage(ctx, p)

	default:
		c.logger.Debug().Str(logging.FieldEvent, env.Event).Msg("unknown event")
		c.sendError(errUnknownEvent)
	}
}

// join subscribes the connection to roomID. Re-joining the current room
// only refreshes presence and acknowledges again.
func (c *Client) join(ctx context.Context, roomID int64) {
	if roomID <= 0 {
		c.sendError(errInvalidRoom)
		return
	}

	room, err := c.h.store.GetRoom(ctx, roomID, c.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(errRoomNotFound)
			return
		}
		c.logger.Error().Err(err).Int64(logging.FieldRoomID, roomID).Msg("failed to load room")
		c.sendError(errRoomUnavailable)
		return
	}
	if !room.HasParticipant(c.UserID) {
		c.logger.Warn().Int64(logging.FieldRoomID, roomID).Msg("join refused, not a participant")
		c.sendError(errForbidden)
		return
	}

	c.mu.Lock()
	if c.room.Load() != roomID {
		c.leaveLocked(ctx)

		c.room.Store(roomID)
		sub, err := c.h.broker.SubscribeToRoom(ctx, roomID, c.deliver)
		if err != nil {
			c.room.Store(0)
			c.mu.Unlock()
			c.logger.Error().Err(err).Int64(logging.FieldRoomID, roomID).Msg("failed to subscribe")
			c.sendError(errRoomUnavailable)
			return
		}
		c.sub = sub
		c.logger.Info().Int64(logging.FieldRoomID, roomID).Msg("joined room")
	}
	c.mu.Unlock()

	members := c.h.joinPresence(ctx, roomID, c.ConnID)
	c.enqueue(models.EventRoomJoined, models.RoomJoinedPayload{RoomID: roomID, Members: members})
}

// leaveLocked drops the current room subscription. Called with c.mu held.
func (c *Client) leaveLocked(ctx context.Context) {
	roomID := c.room.Swap(0)
	if roomID == 0 {
		return
	}
	if c.sub != nil {
		c.sub.Stop()
		c.sub = nil
	}
	c.h.leavePresence(ctx, roomID, c.ConnID)
	c.logger.Debug().Int64(logging.FieldRoomID, roomID).Msg("left room")
}

func (c *Client) leave(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked(ctx)
}

func (c *Client) currentRoom() int64 {
	return c.room.Load()
}

func (c *Client) sendMessage(ctx context.Context, p models.SendMessagePayload) {
	roomID := c.currentRoom()
	switch {
	case roomID == 0:
		c.sendError(errNotJoined)
		return
	case p.RoomID != 0 && p.RoomID != roomID:
		c.sendError(errOtherRoom)
		return
	case p.SenderID != 0 && p.SenderID != c.UserID:
		c.sendError(errSenderMismatch)
		return
	}

	text := strings.TrimSpace(p.Message)
	if text == "" {
		c.sendError(errEmptyMessage)
		return
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		c.sendError(errMessageTooLong)
		return
	}

	msg := &models.ChatMessage{
		MessageID: uuid.NewString(),
		ClientID:  p.ClientID,
		RoomID:    roomID,
		SenderID:  c.UserID,
		Body:      text,
		CreatedAt: c.h.now().Truncate(time.Second),
	}

	if err := c.h.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Retransmission of a message already stored and delivered.
			c.logger.Debug().Str(logging.FieldClientID, p.ClientID).Msg("duplicate send ignored")
			return
		}
		c.logger.Error().Err(err).Msg("failed to store message")
		c.sendError(errSaveFailed)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.h.cfg.PublishWait)
	defer cancel()
	if err := c.h.broker.PublishMessage(pubCtx, msg); err != nil {
		c.logger.Error().Err(err).Str(logging.FieldMessageID, msg.MessageID).Msg("failed to publish message")
		c.sendError(errPublishFailed)
	}
}

// deliver runs on the broker's delivery goroutine.
func (c *Client) deliver(msg *models.ChatMessage) {
	if msg.RoomID != c.currentRoom() {
		return
	}
	c.enqueue(models.EventReceiveMessage, msg.ToReceivePayload(c.h.loc))
}

func (c *Client) sendError(message string) {
	c.enqueue(models.EventError, models.ErrorPayload{Message: message})
}

func (c *Client) enqueue(event string, payload interface{}) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str(logging.FieldEvent, event).Msg("failed to build event")
		return
	}
	select {
	case c.send <- env:
	case <-c.done:
	case <-time.After(time.Second): // Do not block broker delivery on a stuck client
		c.logger.Warn().Str(logging.FieldEvent, event).Msg("timeout queueing event for client")
	}
}

// HandleWrite writes queued events and keeps the connection alive with
// pings until the reader exits. It never touches the connection after
// done is closed.
func (c *Client) HandleWrite() {
	cfg := c.h.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.logger.Debug().Msg("writer closed")
		close(c.writerDone)
	}()

	for {
		select {
		case env := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteJSON(env); err != nil {
				c.logger.Warn().Err(err).Msg("websocket write error")
				c.Conn.Close() // Unblock the reader
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("websocket ping error")
				c.Conn.Close()
				return
			}
			if roomID := c.currentRoom(); roomID != 0 {
				c.h.refreshPresence(roomID, c.ConnID)
			}

		case <-c.done:
			return
		}
	}
}

// HandleWebSocket manages the lifecycle of a WebSocket connection. The
// identity middleware must have stored the user id in the connection
// locals.
func (h *Handler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals(localsUserID).(int64)
	if userID == 0 {
		h.logger.Warn().Msg("websocket without identity")
		if env, err := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: errLoginRequired}); err == nil {
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			conn.WriteJSON(env)
		}
		conn.Close()
		return
	}

	client := newClient(conn, h, userID)
	client.logger.Info().Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		client.leave(context.Background())
		cancel()
		client.logger.Info().Msg("client disconnected")
	}()

	go client.HandleWrite()
	client.HandleRead(ctx)

	// The connection goes back to the upgrader's pool once this returns.
	<-client.writerDone
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	conn.WriteMessage(websocket.CloseMessage, []byte{})
}
