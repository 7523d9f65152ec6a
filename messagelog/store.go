// Package messagelog keeps the ordered message log of one room and drives a
// Renderer with incremental updates.
package messagelog

import (
	"sync"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/rs/zerolog"
)

// Renderer displays the log. Calls are made with the store locked and in
// log order, so implementations must not call back into the Store.
type Renderer interface {
	RenderAll(views []View)
	RenderEmpty()
	RenderAppend(v View)
	// RenderUpdate replaces the item at index, used when a pending
	// optimistic message is confirmed by the server.
	RenderUpdate(index int, v View)
	// RenderRemove deletes the item at index, used when a pending
	// message could not be sent.
	RenderRemove(index int)
	ScrollToBottom()
}

type Option func(*Store)

// WithLocation sets the zone used for clock text. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type entry struct {
	msg     models.ChatMessage
	pending bool
}

// Store is the arrival-ordered message log. Identity is message_id when the
// server assigned one, otherwise client_id; a message whose identity is
// already known is dropped.
type Store struct {
	mu       sync.Mutex
	userID   int64
	renderer Renderer
	loc      *time.Location
	logger   zerolog.Logger

	entries []entry
	seen    map[string]struct{}
	pending map[string]int // client_id -> index in entries
}

func New(currentUserID int64, renderer Renderer, opts ...Option) *Store {
	s := &Store{
		userID:   currentUserID,
		renderer: renderer,
		loc:      time.Local,
		logger:   zerolog.Nop(),
		seen:     make(map[string]struct{}),
		pending:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadInitial replaces the log with history and renders it in one pass.
func (s *Store) LoadInitial(msgs []models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]entry, 0, len(msgs))
	s.seen = make(map[string]struct{}, len(msgs))
	s.pending = make(map[string]int)

	for _, m := range msgs {
		s.entries = append(s.entries, entry{msg: m})
		s.remember(m)
	}

	if len(s.entries) == 0 {
		s.renderer.RenderEmpty()
		return
	}

	views := make([]View, len(s.entries))
	for i, e := range s.entries {
		views[i] = s.view(e)
	}
	s.renderer.RenderAll(views)
	s.renderer.ScrollToBottom()
}

// Append adds one live message and renders only that item. It reports
// whether the log changed.
func (s *Store) Append(msg models.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.pending[msg.ClientID]; ok && msg.ClientID != "" {
		delete(s.pending, msg.ClientID)
		s.entries[idx] = entry{msg: msg}
		s.remember(msg)
		s.renderer.RenderUpdate(idx, s.view(s.entries[idx]))
		s.renderer.ScrollToBottom()
		return true
	}

	if s.known(msg) {
		s.logger.Debug().
			Str("message_id", msg.MessageID).
			Str(logging.FieldClientID, msg.ClientID).
			Msg("dropping duplicate message")
		return false
	}

	s.add(entry{msg: msg})
	return true
}

// AppendPending shows a locally sent message before the server confirms
// it. The echo carrying the same client_id replaces it in place.
func (s *Store) AppendPending(msg models.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known(msg) {
		return false
	}
	if msg.ClientID != "" {
		s.pending[msg.ClientID] = len(s.entries)
	}
	s.add(entry{msg: msg, pending: msg.ClientID != ""})
	return true
}

// DropPending removes the pending message with clientID from the log. It
// reports whether one was found. An empty log falls back to the
// placeholder.
func (s *Store) DropPending(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.pending[clientID]
	if !ok || clientID == "" {
		return false
	}
	delete(s.pending, clientID)
	delete(s.seen, "c:"+clientID)
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	for id, i := range s.pending {
		if i > idx {
			s.pending[id] = i - 1
		}
	}

	s.renderer.RenderRemove(idx)
	if len(s.entries) == 0 {
		s.renderer.RenderEmpty()
	}
	return true
}

// Messages returns a copy of the log in display order.
func (s *Store) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChatMessage, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Views returns the display projection of the log.
func (s *Store) Views() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]View, len(s.entries))
	for i, e := range s.entries {
		out[i] = s.view(e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) add(e entry) {
	s.entries = append(s.entries, e)
	s.remember(e.msg)
	s.renderer.RenderAppend(s.view(e))
	s.renderer.ScrollToBottom()
}

func (s *Store) view(e entry) View {
	return newView(e.msg, s.userID, s.loc, e.pending)
}

func (s *Store) remember(m models.ChatMessage) {
	if m.MessageID != "" {
		s.seen["m:"+m.MessageID] = struct{}{}
	}
	if m.ClientID != "" {
		s.seen["c:"+m.ClientID] = struct{}{}
	}
}

func (s *Store) known(m models.ChatMessage) bool {
	if m.MessageID != "" {
		if _, ok := s.seen["m:"+m.MessageID]; ok {
			return true
		}
	}
	if m.ClientID != "" {
		if _, ok := s.seen["c:"+m.ClientID]; ok {
			return true
		}
	}
	return false
}
