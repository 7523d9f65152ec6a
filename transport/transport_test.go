package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JBJLogic/Potato-Market/messagelog"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	joins    []int64
	accepted int32
	dropOn   int32  // accepted connection number closed right after upgrade
	stamp    string // created_at echoed back, a fixed time when empty
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n := atomic.AddInt32(&s.accepted, 1); n == atomic.LoadInt32(&s.dropOn) {
			ws.Close()
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		defer ws.Close()

		for {
			var env models.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case models.EventJoinRoom:
				var p models.JoinRoomPayload
				_ = env.Decode(&p)
				s.mu.Lock()
				s.joins = append(s.joins, p.RoomID)
				s.mu.Unlock()
				reply, _ := models.NewEnvelope(models.EventRoomJoined, models.RoomJoinedPayload{RoomID: p.RoomID, Members: 1})
				_ = ws.WriteJSON(reply)
			case models.EventSendMessage:
				var p models.SendMessagePayload
				_ = env.Decode(&p)
				s.mu.Lock()
				stamp := s.stamp
				s.mu.Unlock()
				if stamp == "" {
					stamp = "2024-03-01 14:05:00"
				}
				reply, _ := models.NewEnvelope(models.EventReceiveMessage, models.ReceiveMessagePayload{
					MessageID: "m-1",
					ClientID:  p.ClientID,
					RoomID:    p.RoomID,
					SenderID:  p.SenderID,
					Message:   p.Message,
					CreatedAt: stamp,
				})
				_ = ws.WriteJSON(reply)
			default:
				reply, _ := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: "unknown event " + env.Event})
				_ = ws.WriteJSON(reply)
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *chatServer) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		ws.Close()
	}
	s.conns = nil
}

func (s *chatServer) joined() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.joins...)
}

func newClient(t *testing.T, url string, reconnect bool) *Client {
	t.Helper()
	c := New(Config{
		URL:              url,
		PingInterval:     20 * time.Millisecond,
		PongWait:         200 * time.Millisecond,
		WriteWait:        time.Second,
		Reconnect:        reconnect,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		ReconnectRetries: 20,
	}, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEmitAndReceive(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), false)

	received := make(chan models.ChatMessage, 1)
	c.OnMessage(time.UTC, func(m models.ChatMessage) { received <- m })

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	err := c.Emit(context.Background(), models.EventSendMessage, models.SendMessagePayload{
		RoomID: 12, Message: "hello", SenderID: 7, ClientID: "c-1",
	})
	require.NoError(t, err)

	select {
	case m := <-received:
		assert.Equal(t, "m-1", m.MessageID)
		assert.Equal(t, "c-1", m.ClientID)
		assert.Equal(t, int64(12), m.RoomID)
		assert.Equal(t, int64(7), m.SenderID)
		assert.Equal(t, "hello", m.Body)
		assert.Equal(t, time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC), m.CreatedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no receive-message delivered")
	}
}

type appendRenderer struct {
	appended chan messagelog.View
}

func (r *appendRenderer) RenderAll([]messagelog.View) {}
func (r *appendRenderer) RenderEmpty() {}
func (r *appendRenderer) RenderAppend(v messagelog.View) { r.appended <- v }
func (r *appendRenderer) RenderUpdate(int, messagelog.View) {}
func (r *appendRenderer) RenderRemove(int) {}
func (r *appendRenderer) ScrollToBottom() {}

func TestMalformedCreatedAtStillReachesLog(t *testing.T) {
	srv := newChatServer(t)
	srv.mu.Lock()
	srv.stamp = "not-a-date"
	srv.mu.Unlock()
	c := newClient(t, srv.url(), false)

	r := &appendRenderer{appended: make(chan messagelog.View, 1)}
	log := messagelog.New(7, r, messagelog.WithLocation(time.UTC))
	c.OnMessage(time.UTC, func(m models.ChatMessage) { log.Append(m) })

	require.NoError(t, c.Connect(context.Background()))
	before := time.Now()
	require.NoError(t, c.Emit(context.Background(), models.EventSendMessage, models.SendMessagePayload{
		RoomID: 12, Message: "hello", SenderID: 7, ClientID: "c-1",
	}))

	select {
	case v := <-r.appended:
		assert.Equal(t, "hello", v.Text)
		assert.True(t, v.Outbound)
		assert.NotEmpty(t, v.TimeText)
	case <-time.After(2 * time.Second):
		t.Fatal("message with a bad created_at never reached the log")
	}

	msgs := log.Messages()
	require.Len(t, msgs, 1)
	assert.WithinDuration(t, before, msgs[0].CreatedAt, 5*time.Second)
}

func TestServerErrorEvent(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), false)

	errs := make(chan string, 1)
	c.OnServerError(func(msg string) { errs <- msg })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Emit(context.Background(), "bogus", struct{}{}))

	select {
	case msg := <-errs:
		assert.Equal(t, "unknown event bogus", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event delivered")
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/none", false)
	err := c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestConnectFailure(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/none", false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.Connected())
}

func TestUnsubscribe(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), false)

	var hits int32
	unsubscribe := c.On(models.EventRoomJoined, func(json.RawMessage) { atomic.AddInt32(&hits, 1) })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 3}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	require.NoError(t, c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 3}))
	require.Eventually(t, func() bool { return len(srv.joined()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestReconnectReplaysConnectHooks(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), true)

	var connects int32
	c.OnConnect(func() {
		atomic.AddInt32(&connects, 1)
		_ = c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 12})
	})

	var mu sync.Mutex
	var drops []bool
	c.OnDisconnect(func(_ error, reconnecting bool) {
		mu.Lock()
		drops = append(drops, reconnecting)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(srv.joined()) == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.kick()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connects) == 2 && len(srv.joined()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{12, 12}, srv.joined())
	assert.True(t, c.Connected())

	mu.Lock()
	assert.Equal(t, []bool{true}, drops)
	mu.Unlock()
}

func TestReconnectSurvivesDropDuringConnectHooks(t *testing.T) {
	srv := newChatServer(t)
	atomic.StoreInt32(&srv.dropOn, 2)
	c := newClient(t, srv.url(), true)

	c.OnConnect(func() { time.Sleep(50 * time.Millisecond) })
	var gaveUp int32
	c.OnDisconnect(func(_ error, reconnecting bool) {
		if !reconnecting {
			atomic.AddInt32(&gaveUp, 1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	srv.kick()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&srv.accepted) >= 3 && c.Connected()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&gaveUp))
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), false)

	require.NoError(t, c.Connect(context.Background()))
	// Several pong waits pass with no application traffic.
	time.Sleep(600 * time.Millisecond)
	assert.True(t, c.Connected())
	require.NoError(t, c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 5}))
	require.Eventually(t, func() bool { return len(srv.joined()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	srv := newChatServer(t)
	c := newClient(t, srv.url(), true)

	var drops int32
	c.OnDisconnect(func(error, bool) { atomic.AddInt32(&drops, 1) })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Emit(context.Background(), models.EventJoinRoom, models.JoinRoomPayload{RoomID: 1}), ErrNotConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&drops))
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.accepted))
	assert.NoError(t, c.Close())
}
