// Package room runs the lifecycle of one chat room view: it identifies the
// room and the user, loads history once, joins the room over the transport
// and relays sends and deliveries between the user and the message log.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/messagelog"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/JBJLogic/Potato-Market/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fallback views used when a room cannot be shown.
const (
	RedirectMyPage = "/mypage"
	RedirectHome   = "/"
)

// User facing notifications.
const (
	msgRoomNotIdentified = "채팅방 ID를 찾을 수 없습니다."
	msgLoginRequired     = "로그인이 필요합니다."
	msgHistoryFallback   = "채팅방을 불러올 수 없습니다."
	msgHistoryNetwork    = "채팅방을 불러오는 중 오류가 발생했습니다."
	msgConnectFailed     = "채팅 서버에 연결할 수 없습니다."
	msgNotConnected      = "서버에 연결되지 않았습니다."
	msgSendFailed        = "메시지 전송 중 오류가 발생했습니다."
	msgServerError       = "오류가 발생했습니다."
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// SessionResolver yields the signed-in user. It fails with an error
// wrapping ErrUnauthenticated when neither the live session nor a cached
// user context is available.
type SessionResolver interface {
	Resolve(ctx context.Context) (models.User, error)
}

// HistoryProvider fetches a room's metadata and messages. Failures should
// be *HistoryError.
type HistoryProvider interface {
	FetchHistory(ctx context.Context, roomID int64) (models.RoomHistory, error)
}

// Transport is the event channel to the chat server. *transport.Client
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Emit(ctx context.Context, event string, payload interface{}) error
	OnConnect(hook func()) (unsubscribe func())
	OnDisconnect(hook transport.DisconnectHandler) (unsubscribe func())
	OnMessage(loc *time.Location, fn func(models.ChatMessage)) (unsubscribe func())
	OnServerError(fn func(message string)) (unsubscribe func())
	Close() error
}

// View is the user facing surface apart from the message list. Methods may
// be called while the controller holds its lock and must not call back
// into the Controller synchronously.
type View interface {
	Notify(level Level, message string)
	Redirect(path string)
	ClearInput()
	SetSendEnabled(enabled bool)
	SetHeader(h messagelog.Header)
	SetConnectionState(s State)
}

type Options struct {
	RedirectDelay  time.Duration
	HistoryTimeout time.Duration
	ConnectTimeout time.Duration
	// OptimisticEcho shows sent messages as pending until the server
	// echo arrives. Off, the log only changes on server deliveries.
	OptimisticEcho bool
	Location       *time.Location
}

type Deps struct {
	Session   SessionResolver
	History   HistoryProvider
	Transport Transport
	View      View
	Renderer  messagelog.Renderer
	Logger    zerolog.Logger
}

type Controller struct {
	session   SessionResolver
	history   HistoryProvider
	transport Transport
	view      View
	renderer  messagelog.Renderer
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	roomID        int64
	user          models.User
	room          models.ChatRoom
	store         *messagelog.Store
	historyLoaded bool
	subscribed    bool
	unsubscribe   []func()
	redirect      *time.Timer
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.RedirectDelay < 0 {
		opts.RedirectDelay = 0
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Controller{
		session:   deps.Session,
		history:   deps.History,
		transport: deps.Transport,
		view:      deps.View,
		renderer:  deps.Renderer,
		opts:      opts,
		logger:    deps.Logger.With().Str("component", "room").Logger(),
		now:       time.Now,
		state:     Uninitialized,
	}
}

// Run initializes the room from path, loads its history and connects.
func (c *Controller) Run(ctx context.Context, path string) error {
	if err := c.Initialize(ctx, path); err != nil {
		return err
	}
	if err := c.LoadHistory(ctx); err != nil {
		return err
	}
	return c.Connect(ctx)
}

// Initialize identifies the room from path and resolves the current user.
// Either failure is fatal to the view: the user is notified and redirected.
func (c *Controller) Initialize(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.roomID != 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	roomID, err := ParseRoomID(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("room not identified")
		c.fail(LevelError, msgRoomNotIdentified, RedirectMyPage)
		return err
	}

	user, err := c.session.Resolve(ctx)
	if err == nil && user.ID == 0 {
		err = errors.New("session has no user id")
	}
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		c.logger.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("no user context")
		c.fail(LevelWarning, msgLoginRequired, RedirectHome)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return ErrClosed
	}
	c.roomID = roomID
	c.user = user
	c.store = messagelog.New(user.ID, c.renderer,
		messagelog.WithLocation(c.opts.Location),
		messagelog.WithLogger(c.logger))
	c.logger = c.logger.With().
		Int64(logging.FieldRoomID, roomID).
		Int64(logging.FieldUserID, user.ID).
		Logger()
	c.logger.Debug().Msg("room initialized")
	return nil
}

// LoadHistory fetches the room once. A rejected fetch is fatal to the view;
// one that got no response at all leaves the controller ready to retry.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == Closed:
		c.mu.Unlock()
		return ErrClosed
	case c.roomID == 0:
		c.mu.Unlock()
		return ErrRoomNotIdentified
	case c.historyLoaded || c.state == HistoryLoading || c.state == Failed:
		c.mu.Unlock()
		return nil
	}
	roomID := c.roomID
	c.setState(HistoryLoading)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.HistoryTimeout)
	defer cancel()

	hist, err := c.history.FetchHistory(ctx, roomID)
	if err != nil {
		var herr *HistoryError
		if !errors.As(err, &herr) {
			herr = &HistoryError{Err: err}
		}
		c.logger.Warn().Err(herr).Int("status", herr.Status).Msg("history fetch failed")

		if herr.Retryable() {
			c.mu.Lock()
			if c.state == HistoryLoading {
				c.setState(Uninitialized)
			}
			c.mu.Unlock()
			c.view.Notify(LevelError, msgHistoryNetwork)
			return herr
		}

		text := herr.Message
		if text == "" {
			text = msgHistoryFallback
		}
		c.fail(LevelError, text, RedirectMyPage)
		return herr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return ErrClosed
	}
	c.room = hist.Room
	if c.room.RoomID == 0 {
		c.room.RoomID = roomID
	}
	c.historyLoaded = true
	c.view.SetHeader(messagelog.NewHeader(c.room))
	c.store.LoadInitial(hist.Messages)
	c.setState(HistoryLoaded)
	c.logger.Info().Int("messages", len(hist.Messages)).Msg("history loaded")
	return nil
}

// Connect opens the transport and joins the room. Every physical
// connection, including automatic reconnects, sends exactly one
// join-room. Calling Connect again while connecting or connected is a
// no-op.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return nil
	case HistoryLoaded, Disconnected:
	default:
		c.mu.Unlock()
		return ErrHistoryNotLoaded
	}
	if !c.subscribed {
		c.subscribe()
	}
	c.setState(Connecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("connect failed")
		c.mu.Lock()
		if c.state == Connecting {
			c.setState(Disconnected)
		}
		c.mu.Unlock()
		c.view.Notify(LevelError, msgConnectFailed)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// subscribe registers the transport handlers. Called with c.mu held.
func (c *Controller) subscribe() {
	c.subscribed = true
	c.unsubscribe = append(c.unsubscribe,
		c.transport.OnConnect(c.handleConnect),
		c.transport.OnDisconnect(c.handleDisconnect),
		c.transport.OnMessage(c.opts.Location, c.handleMessage),
		c.transport.OnServerError(c.handleServerError),
	)
}

func (c *Controller) handleConnect() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	roomID := c.roomID
	c.setState(Connected)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := c.transport.Emit(ctx, models.EventJoinRoom, models.JoinRoomPayload{RoomID: roomID}); err != nil {
		c.logger.Warn().Err(err).Msg("join-room failed")
		return
	}
	c.logger.Info().Msg("joined room")
}

func (c *Controller) handleDisconnect(err error, reconnecting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	if reconnecting {
		c.setState(Reconnecting)
	} else {
		c.setState(Disconnected)
	}
	c.logger.Warn().Err(err).Bool("reconnecting", reconnecting).Msg("disconnected")
}

func (c *Controller) handleMessage(msg models.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.store == nil {
		return
	}
	if msg.RoomID != 0 && msg.RoomID != c.roomID {
		c.logger.Debug().Int64("message_room_id", msg.RoomID).Msg("ignoring message for another room")
		return
	}
	if msg.RoomID == 0 {
		msg.RoomID = c.roomID
	}
	c.store.Append(msg)
}

func (c *Controller) handleServerError(message string) {
	c.logger.Warn().Err(&TransportError{Message: message}).Msg("server pushed error")
	if message == "" {
		message = msgServerError
	}
	c.mu.Lock()
	closed := c.state == Closed
	c.mu.Unlock()
	if !closed {
		c.view.Notify(LevelError, message)
	}
}

// Send emits one message. Blank text is rejected without side effects.
// Without a live connection it fails with ErrTransportUnavailable and
// leaves the input and the log alone. Otherwise the input is cleared
// before the emit and the send control is disabled until it returns.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Connected || !c.transport.Connected() {
		c.mu.Unlock()
		c.view.Notify(LevelError, msgNotConnected)
		return ErrTransportUnavailable
	}
	msg := models.ChatMessage{
		ClientID:  uuid.NewString(),
		RoomID:    c.roomID,
		SenderID:  c.user.ID,
		Body:      text,
		CreatedAt: c.now(),
	}
	store := c.store
	c.mu.Unlock()

	c.view.ClearInput()
	c.view.SetSendEnabled(false)
	defer c.view.SetSendEnabled(true)

	if c.opts.OptimisticEcho {
		store.AppendPending(msg)
	}

	err := c.transport.Emit(ctx, models.EventSendMessage, models.SendMessagePayload{
		RoomID:   msg.RoomID,
		Message:  msg.Body,
		SenderID: msg.SenderID,
		ClientID: msg.ClientID,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str(logging.FieldClientID, msg.ClientID).Msg("send failed")
		if c.opts.OptimisticEcho {
			store.DropPending(msg.ClientID)
		}
		c.view.Notify(LevelError, msgSendFailed)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	c.logger.Debug().Str(logging.FieldClientID, msg.ClientID).Msg("message sent")
	return nil
}

// Views returns the display projection of the log, nil before the room
// is initialized.
func (c *Controller) Views() []messagelog.View {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Views()
}

// Close tears the view down: handlers are removed, the transport is
// closed and pending redirects are cancelled.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	if c.redirect != nil {
		c.redirect.Stop()
		c.redirect = nil
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.setState(Closed)
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	c.logger.Debug().Msg("room closed")
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) RoomID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) User() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Controller) Room() models.ChatRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Messages returns a copy of the message log.
func (c *Controller) Messages() []models.ChatMessage {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Messages()
}

// fail notifies the user and schedules the redirect away from the view.
func (c *Controller) fail(level Level, message, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.setState(Failed)
	c.view.Notify(level, message)

	if c.redirect != nil {
		c.redirect.Stop()
	}
	c.redirect = time.AfterFunc(c.opts.RedirectDelay, func() {
		c.mu.Lock()
		closed := c.state == Closed
		c.mu.Unlock()
		if !closed {
			c.view.Redirect(path)
		}
	})
}

// setState records s and pushes it to the view. Called with c.mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().
		Str(logging.FieldState, s.String()).
		Str("previous", c.state.String()).
		Msg("state changed")
	c.state = s
	c.view.SetConnectionState(s)
}
