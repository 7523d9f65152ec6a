package messagelog

import (
	"fmt"
	"html"
	"time"

	"github.com/JBJLogic/Potato-Market/models"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	ClassSent     = "message-sent"
	ClassReceived = "message-received"

	// TimeLayout is the 24-hour clock shown next to every message.
	TimeLayout = "15:04"

	EmptyText = "아직 메시지가 없습니다. 첫 메시지를 보내보세요!"
)

// View is the display projection of one message. History and live
// messages go through the same projection.
type View struct {
	MessageID string
	ClientID  string
	SenderID  int64
	Text      string // as sent
	Body      string // HTML-escaped Text
	TimeText  string
	Outbound  bool
	Pending   bool
}

func newView(msg models.ChatMessage, currentUserID int64, loc *time.Location, pending bool) View {
	return View{
		MessageID: msg.MessageID,
		ClientID:  msg.ClientID,
		SenderID:  msg.SenderID,
		Text:      msg.Body,
		Body:      html.EscapeString(msg.Body),
		TimeText:  msg.CreatedAt.In(loc).Format(TimeLayout),
		Outbound:  msg.IsFrom(currentUserID),
		Pending:   pending,
	}
}

// ClassName is the message-sent / message-received style class.
func (v View) ClassName() string {
	if v.Outbound {
		return ClassSent
	}
	return ClassReceived
}

// HTML renders the message fragment. Body is already escaped.
func (v View) HTML() string {
	class := "message " + v.ClassName()
	if v.Pending {
		class += " message-pending"
	}
	return fmt.Sprintf(`<div class="%s"><div class="message-content"><div class="message-text">%s</div><div class="message-time">%s</div></div></div>`,
		class, v.Body, v.TimeText)
}

// EmptyHTML is the placeholder shown for a room without messages.
func EmptyHTML() string {
	return `<div class="empty-messages"><p>` + EmptyText + `</p></div>`
}

var pricePrinter = message.NewPrinter(language.Korean)

// FormatPrice renders a won amount with digit grouping, e.g. "15,000원".
func FormatPrice(price int64) string {
	return pricePrinter.Sprintf("%d원", price)
}

// Header is the room summary shown above the log.
type Header struct {
	RoomID      int64
	ProductName string
	Price       string
	Counterpart string
}

func NewHeader(room models.ChatRoom) Header {
	return Header{
		RoomID:      room.RoomID,
		ProductName: room.Product.Name,
		Price:       FormatPrice(room.Product.Price),
		Counterpart: room.OtherUser.Nickname,
	}
}
