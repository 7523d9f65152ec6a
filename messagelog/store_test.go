package messagelog

import (
	"fmt"
	"testing"
	"time"

	"github.com/JBJLogic/Potato-Market/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	views []View // rendered items, mirrors what a DOM would hold
}

func (r *recorder) RenderAll(views []View) {
	r.calls = append(r.calls, fmt.Sprintf("all:%d", len(views)))
	r.views = append([]View(nil), views...)
}

func (r *recorder) RenderEmpty() {
	r.calls = append(r.calls, "empty")
	r.views = nil
}

func (r *recorder) RenderAppend(v View) {
	r.calls = append(r.calls, "append")
	r.views = append(r.views, v)
}

func (r *recorder) RenderUpdate(index int, v View) {
	r.calls = append(r.calls, fmt.Sprintf("update:%d", index))
	r.views[index] = v
}

func (r *recorder) RenderRemove(index int) {
	r.calls = append(r.calls, fmt.Sprintf("remove:%d", index))
	r.views = append(r.views[:index], r.views[index+1:]...)
}

func (r *recorder) ScrollToBottom() {
	r.calls = append(r.calls, "scroll")
}

var seoul = time.FixedZone("KST", 9*60*60)

func msgAt(id string, sender int64, body string, hour, min int) models.ChatMessage {
	return models.ChatMessage{
		MessageID: id,
		RoomID:    12,
		SenderID:  sender,
		Body:      body,
		CreatedAt: time.Date(2024, 3, 1, hour, min, 0, 0, seoul),
	}
}

func TestLoadInitial(t *testing.T) {
	r := &recorder{}
	s := New(7, r, WithLocation(seoul))

	s.LoadInitial([]models.ChatMessage{
		msgAt("", 7, "hi", 14, 5),
		msgAt("", 9, "hello", 14, 6),
	})

	assert.Equal(t, []string{"all:2", "scroll"}, r.calls)
	require.Len(t, r.views, 2)
	assert.True(t, r.views[0].Outbound)
	assert.Equal(t, ClassSent, r.views[0].ClassName())
	assert.False(t, r.views[1].Outbound)
	assert.Equal(t, ClassReceived, r.views[1].ClassName())
	assert.Equal(t, "14:05", r.views[0].TimeText)
	assert.Equal(t, 2, s.Len())
}

func TestLoadInitialEmpty(t *testing.T) {
	r := &recorder{}
	s := New(7, r)

	s.LoadInitial(nil)

	assert.Equal(t, []string{"empty"}, r.calls)
	assert.Zero(t, s.Len())
}

func TestLoadInitialReplaces(t *testing.T) {
	r := &recorder{}
	s := New(7, r)

	s.LoadInitial([]models.ChatMessage{msgAt("a", 7, "one", 1, 0)})
	s.LoadInitial([]models.ChatMessage{msgAt("b", 7, "two", 2, 0)})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Body)

	// "a" is no longer part of the log, so it may arrive again.
	assert.True(t, s.Append(msgAt("a", 7, "one", 1, 0)))
}

func TestAppendRendersOnlyNewItem(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.LoadInitial([]models.ChatMessage{msgAt("a", 9, "first", 1, 0)})
	r.calls = nil

	assert.True(t, s.Append(msgAt("b", 7, "second", 1, 1)))

	assert.Equal(t, []string{"append", "scroll"}, r.calls)
	require.Len(t, r.views, 2)
	assert.Equal(t, "second", r.views[1].Text)
}

func TestAppendAfterEmptyHistory(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.LoadInitial(nil)

	s.Append(msgAt("a", 9, "first", 1, 0))

	assert.Equal(t, []string{"empty", "append", "scroll"}, r.calls)
	require.Len(t, r.views, 1)
}

func TestAppendDedup(t *testing.T) {
	tests := []struct {
		name  string
		first models.ChatMessage
		again models.ChatMessage
	}{
		{
			name:  "same message id",
			first: models.ChatMessage{MessageID: "m1", Body: "x"},
			again: models.ChatMessage{MessageID: "m1", Body: "x"},
		},
		{
			name:  "same client id",
			first: models.ChatMessage{ClientID: "c1", Body: "x"},
			again: models.ChatMessage{ClientID: "c1", Body: "x"},
		},
		{
			name:  "retransmission with new server id",
			first: models.ChatMessage{MessageID: "m1", ClientID: "c1", Body: "x"},
			again: models.ChatMessage{MessageID: "m2", ClientID: "c1", Body: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			s := New(7, r)
			assert.True(t, s.Append(tt.first))
			assert.False(t, s.Append(tt.again))
			assert.Equal(t, 1, s.Len())
			assert.Len(t, r.views, 1)
		})
	}
}

func TestHistoryDedupsLiveDuplicate(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.LoadInitial([]models.ChatMessage{msgAt("m1", 9, "hi", 1, 0)})

	assert.False(t, s.Append(msgAt("m1", 9, "hi", 1, 0)))
	assert.Equal(t, 1, s.Len())
}

func TestMessagesWithoutIdentityAreKept(t *testing.T) {
	r := &recorder{}
	s := New(7, r)

	s.Append(models.ChatMessage{Body: "same"})
	s.Append(models.ChatMessage{Body: "same"})

	assert.Equal(t, 2, s.Len())
}

func TestArrivalOrder(t *testing.T) {
	r := &recorder{}
	s := New(7, r)

	s.Append(msgAt("late", 9, "second by clock", 10, 0))
	s.Append(msgAt("early", 9, "first by clock", 9, 0))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "late", msgs[0].MessageID)
	assert.Equal(t, "early", msgs[1].MessageID)
}

func TestPendingReconciledByClientID(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.Append(msgAt("m0", 9, "before", 1, 0))

	pending := models.ChatMessage{ClientID: "c1", SenderID: 7, Body: "mine", CreatedAt: time.Now()}
	assert.True(t, s.AppendPending(pending))
	require.Len(t, r.views, 2)
	assert.True(t, r.views[1].Pending)

	echo := models.ChatMessage{MessageID: "m1", ClientID: "c1", SenderID: 7, Body: "mine", CreatedAt: time.Now()}
	assert.True(t, s.Append(echo))

	assert.Equal(t, 2, s.Len())
	assert.Contains(t, r.calls, "update:1")
	assert.False(t, r.views[1].Pending)
	assert.Equal(t, "m1", s.Messages()[1].MessageID)

	// A second copy of the echo is a duplicate.
	assert.False(t, s.Append(echo))
	assert.Equal(t, 2, s.Len())
}

func TestDropPending(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.Append(msgAt("m0", 9, "before", 1, 0))
	s.AppendPending(models.ChatMessage{ClientID: "c1", SenderID: 7, Body: "lost", CreatedAt: time.Now()})
	s.AppendPending(models.ChatMessage{ClientID: "c2", SenderID: 7, Body: "kept", CreatedAt: time.Now()})

	assert.True(t, s.DropPending("c1"))
	assert.False(t, s.DropPending("c1"))
	assert.False(t, s.DropPending("unknown"))
	assert.Contains(t, r.calls, "remove:1")
	require.Len(t, r.views, 2)
	assert.Equal(t, "kept", r.views[1].Text)
	assert.Equal(t, 2, s.Len())

	// Later pending entries still reconcile at their shifted position.
	assert.True(t, s.Append(models.ChatMessage{MessageID: "m2", ClientID: "c2", SenderID: 7, Body: "kept", CreatedAt: time.Now()}))
	assert.Contains(t, r.calls, "update:1")
	assert.False(t, r.views[1].Pending)

	// A dropped message that reaches the server after all is shown.
	assert.True(t, s.Append(models.ChatMessage{MessageID: "m3", ClientID: "c1", SenderID: 7, Body: "lost", CreatedAt: time.Now()}))
	assert.Equal(t, 3, s.Len())
}

func TestDropLastPendingShowsPlaceholder(t *testing.T) {
	r := &recorder{}
	s := New(7, r)
	s.LoadInitial(nil)
	s.AppendPending(models.ChatMessage{ClientID: "c1", SenderID: 7, Body: "lost", CreatedAt: time.Now()})

	assert.True(t, s.DropPending("c1"))
	assert.Zero(t, s.Len())
	assert.Equal(t, []string{"empty", "append", "scroll", "remove:0", "empty"}, r.calls)
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := New(7, &recorder{})
	s.Append(models.ChatMessage{MessageID: "m1", Body: "x"})

	msgs := s.Messages()
	msgs[0].Body = "changed"

	assert.Equal(t, "x", s.Messages()[0].Body)
}
