package messagelog

import (
	"testing"
	"time"

	"github.com/JBJLogic/Potato-Market/models"
	"github.com/stretchr/testify/assert"
)

func TestViewEscapesBody(t *testing.T) {
	v := newView(models.ChatMessage{Body: `<script>alert("x")</script> & more`}, 1, time.UTC, false)

	assert.Equal(t, `&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt; &amp; more`, v.Body)
	assert.Equal(t, `<script>alert("x")</script> & more`, v.Text)
	assert.NotContains(t, v.HTML(), "<script>")
}

func TestViewHTML(t *testing.T) {
	msg := models.ChatMessage{
		SenderID:  1,
		Body:      "hi",
		CreatedAt: time.Date(2024, 3, 1, 9, 7, 0, 0, time.UTC),
	}

	assert.Equal(t,
		`<div class="message message-sent"><div class="message-content"><div class="message-text">hi</div><div class="message-time">09:07</div></div></div>`,
		newView(msg, 1, time.UTC, false).HTML())
	assert.Contains(t, newView(msg, 2, time.UTC, true).HTML(), `class="message message-received message-pending"`)
}

func TestViewTimeInLocation(t *testing.T) {
	msg := models.ChatMessage{CreatedAt: time.Date(2024, 3, 1, 5, 30, 0, 0, time.UTC)}

	assert.Equal(t, "05:30", newView(msg, 0, time.UTC, false).TimeText)
	assert.Equal(t, "14:30", newView(msg, 0, time.FixedZone("KST", 9*3600), false).TimeText)
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		price int64
		want  string
	}{
		{0, "0원"},
		{500, "500원"},
		{15000, "15,000원"},
		{1234567, "1,234,567원"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatPrice(tt.price))
	}
}

func TestNewHeader(t *testing.T) {
	h := NewHeader(models.ChatRoom{
		RoomID:    12,
		Product:   models.Product{Name: "자전거", Price: 50000},
		OtherUser: models.User{ID: 9, Nickname: "감자"},
	})

	assert.Equal(t, Header{RoomID: 12, ProductName: "자전거", Price: "50,000원", Counterpart: "감자"}, h)
}

func TestEmptyHTML(t *testing.T) {
	assert.Contains(t, EmptyHTML(), `class="empty-messages"`)
	assert.Contains(t, EmptyHTML(), EmptyText)
}
