// Package transport wraps the chat WebSocket so the rest of the client only
// deals with named events: connect, on, emit and close. It owns heartbeats
// and reconnection; every successful (re)connection replays the connect
// hooks, which is where callers perform their room-join handshake.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// DisconnectHandler is told why the connection dropped and whether a
// reconnect is under way. It is called a second time with reconnecting set
// to false when the reconnect budget runs out.
type DisconnectHandler func(err error, reconnecting bool)

type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	Reconnect        bool
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectRetries uint64 // 0 retries forever
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Client is a reconnecting event channel over one WebSocket at a time.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu           sync.RWMutex
	conn         *connection
	handlers     map[string]map[uint64]Handler
	onConnect    map[uint64]func()
	onDisconnect map[uint64]DisconnectHandler
	nextID       uint64
	reconnecting bool
	closed       bool
	done         chan struct{}
}

type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *connection) stop() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:       logger.With().Str("component", "transport").Logger(),
		handlers:     make(map[string]map[uint64]Handler),
		onConnect:    make(map[uint64]func()),
		onDisconnect: make(map[uint64]DisconnectHandler),
		done:         make(chan struct{}),
	}
}

// Connect dials the server unless a connection is already up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed, up := c.closed, c.conn != nil
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if up {
		return nil
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		ws.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	c.reconnecting = false // a drop from here on starts a fresh reconnect
	hooks := make([]func(), 0, len(c.onConnect))
	for _, h := range c.onConnect {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.logger.Debug().Str("url", c.cfg.URL).Msg("connected")
	for _, h := range hooks {
		h()
	}
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// On registers handler for event and returns a function removing it.
func (c *Client) On(event string, handler Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnConnect registers a hook run after every successful (re)connection.
func (c *Client) OnConnect(hook func()) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.onConnect[id] = hook

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onConnect, id)
	}
}

// OnDisconnect registers a hook run whenever the connection drops.
func (c *Client) OnDisconnect(hook DisconnectHandler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.onDisconnect[id] = hook

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onDisconnect, id)
	}
}

// Emit queues one event for the writer. It never buffers across
// disconnects: without a live connection it fails with ErrNotConnected.
func (c *Client) Emit(ctx context.Context, event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	select {
	case conn.send <- data:
		c.logger.Debug().Str(logging.FieldEvent, event).Msg("emitted")
		return nil
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down for good, stops reconnecting and drops
// every registered handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[string]map[uint64]Handler)
	c.onConnect = make(map[uint64]func())
	c.onDisconnect = make(map[uint64]DisconnectHandler)
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		conn.stop()
	}
	c.logger.Debug().Msg("closed")
	return nil
}

func (c *Client) readPump(conn *connection) {
	var readErr error
	defer func() {
		c.drop(conn, readErr)
	}()

	conn.ws.SetReadLimit(c.cfg.MaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug().Str(logging.FieldEvent, env.Event).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close() // unblocks the reader, which reports the drop
	}()

	for {
		select {
		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				return
			}

		case <-conn.done:
			return
		}
	}
}

// drop retires conn after its reader stopped. Connections already replaced
// or torn down by Close are ignored.
func (c *Client) drop(conn *connection, err error) {
	conn.stop()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	retry := c.cfg.Reconnect && !c.closed && !c.reconnecting
	if retry {
		c.reconnecting = true
	}
	hooks := c.disconnectHooks()
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn().Err(err).Bool("reconnecting", retry).Msg("connection lost")
	} else {
		c.logger.Info().Err(err).Bool("reconnecting", retry).Msg("connection closed")
	}
	for _, h := range hooks {
		h(err, retry)
	}

	if retry {
		go c.reconnect()
	}
}

func (c *Client) disconnectHooks() []DisconnectHandler {
	hooks := make([]DisconnectHandler, 0, len(c.onDisconnect))
	for _, h := range c.onDisconnect {
		hooks = append(hooks, h)
	}
	return hooks
}

// reconnect redials with exponential backoff until it succeeds, the client
// is closed, or the retry budget is spent.
// The reconnecting flag is cleared by the Connect that installs the new
// connection, or here when giving up.
func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.ReconnectInitial
	exp.MaxInterval = c.cfg.ReconnectMax
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if c.cfg.ReconnectRetries > 0 {
		policy = backoff.WithMaxRetries(exp, c.cfg.ReconnectRetries)
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer dialCancel()

		err := c.Connect(dialCtx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		c.logger.Debug().Err(err).Int(logging.FieldAttempt, attempt).Dur("retry_in", next).Msg("reconnect failed")
	})
	if err == nil {
		c.logger.Info().Int(logging.FieldAttempt, attempt).Msg("reconnected")
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.reconnecting = false
	hooks := c.disconnectHooks()
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Error().Err(err).Int(logging.FieldAttempt, attempt).Msg("giving up on reconnect")
	for _, h := range hooks {
		h(err, false)
	}
}
