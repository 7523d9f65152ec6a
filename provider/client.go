// Package provider talks to the marketplace REST API on behalf of the chat
// client: room history, room creation and the session check.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/JBJLogic/Potato-Market/room"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

type Config struct {
	BaseURL       string
	SessionCookie string
	SessionValue  string
	Timeout       time.Duration
	Location      *time.Location // zone for history timestamps without one
}

// Client is an HTTP client for the chat REST endpoints. Every request
// carries the session cookie when one is configured.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "provider").Logger(),
		now:    time.Now,
	}
}

type historyBody struct {
	Room     models.ChatRoom          `json:"room"`
	Messages []models.IncomingMessage `json:"messages"`
}

// FetchHistory loads the room metadata and its messages in server order.
// Failures are *room.HistoryError.
func (c *Client) FetchHistory(ctx context.Context, roomID int64) (models.RoomHistory, error) {
	url := c.cfg.BaseURL + "/api/chat/room/" + strconv.FormatInt(roomID, 10) + "/messages"

	code, body, err := c.do(ctx, fiber.Get(url))
	if err != nil {
		return models.RoomHistory{}, &room.HistoryError{Err: err}
	}
	if code < 200 || code > 299 {
		return models.RoomHistory{}, &room.HistoryError{Status: code, Message: errorText(body)}
	}

	var hb historyBody
	if err := json.Unmarshal(body, &hb); err != nil {
		return models.RoomHistory{}, &room.HistoryError{
			Status: code,
			Err:    fmt.Errorf("failed to decode history: %w", err),
		}
	}

	now := c.now()
	hist := models.RoomHistory{
		Room:     hb.Room,
		Messages: make([]models.ChatMessage, 0, len(hb.Messages)),
	}
	if hist.Room.RoomID == 0 {
		hist.Room.RoomID = roomID
	}
	for _, in := range hb.Messages {
		msg, err := in.Normalize(c.cfg.Location, now)
		if err != nil {
			c.logger.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("malformed timestamp in history, using now")
		}
		if msg.RoomID == 0 {
			msg.RoomID = roomID
		}
		hist.Messages = append(hist.Messages, msg)
	}
	return hist, nil
}

// CreateRoom opens (or reuses) the buyer's room for a product.
func (c *Client) CreateRoom(ctx context.Context, productID int64) (int64, error) {
	agent := fiber.Post(c.cfg.BaseURL + "/api/chat/room").JSON(models.CreateRoomRequest{ProductID: productID})

	code, body, err := c.do(ctx, agent)
	if err != nil {
		return 0, err
	}
	if code < 200 || code > 299 {
		if text := errorText(body); text != "" {
			return 0, fmt.Errorf("create room failed (%d): %s", code, text)
		}
		return 0, fmt.Errorf("create room failed (%d)", code)
	}

	var resp models.CreateRoomResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode create room response: %w", err)
	}
	if resp.RoomID == 0 {
		return 0, errors.New("create room response has no room_id")
	}
	return resp.RoomID, nil
}

// CheckSession asks the server who the cookie belongs to. loggedIn is false
// when the server answered but knows no user.
func (c *Client) CheckSession(ctx context.Context) (user models.User, loggedIn bool, err error) {
	code, body, err := c.do(ctx, fiber.Get(c.cfg.BaseURL+"/api/check-session"))
	if err != nil {
		return models.User{}, false, err
	}
	if code < 200 || code > 299 {
		return models.User{}, false, fmt.Errorf("session check failed (%d)", code)
	}

	var resp struct {
		LoggedIn bool         `json:"logged_in"`
		User     *sessionUser `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.User{}, false, fmt.Errorf("failed to decode session: %w", err)
	}
	if !resp.LoggedIn || resp.User == nil {
		return models.User{}, false, nil
	}
	return resp.User.toUser(), true, nil
}

// do sends the request bounded by the configured timeout or the context
// deadline, whichever is sooner.
func (c *Client) do(ctx context.Context, agent *fiber.Agent) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, nil, err
	}

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if c.cfg.SessionValue != "" {
		agent.Cookie(c.cfg.SessionCookie, c.cfg.SessionValue)
	}
	agent.Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, nil, fmt.Errorf("request failed: %w", errors.Join(errs...))
	}
	return code, body, nil
}

func errorText(body []byte) string {
	var resp models.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Error
}

// sessionUser accepts both user_id and id, which older session payloads
// used.
type sessionUser struct {
	UserID   models.FlexInt `json:"user_id"`
	ID       models.FlexInt `json:"id"`
	Nickname string         `json:"nickname"`
	Email    string         `json:"email,omitempty"`
	Type     string         `json:"type,omitempty"`
}

func (u sessionUser) toUser() models.User {
	id := int64(u.UserID)
	if id == 0 {
		id = int64(u.ID)
	}
	return models.User{ID: id, Nickname: u.Nickname, Email: u.Email, Type: u.Type}
}
