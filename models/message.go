package models

import (
	"time"
)

// ChatMessage is the canonical chat message. Inbound payloads of every shape
// are normalized into it before they reach the message log, and the server
// publishes it as-is on the room bus.
type ChatMessage struct {
	MessageID string    `json:"message_id,omitempty"` // Server-assigned id, absent on optimistic sends
	ClientID  string    `json:"client_id,omitempty"`  // Correlation id chosen by the sending client
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// IsFrom reports whether userID sent the message.
func (m ChatMessage) IsFrom(userID int64) bool {
	return m.SenderID == userID
}

// ToReceivePayload converts the message to its receive-message wire form,
// rendering created_at in loc.
func (m ChatMessage) ToReceivePayload(loc *time.Location) ReceiveMessagePayload {
	if loc == nil {
		loc = time.Local
	}
	return ReceiveMessagePayload{
		MessageID: m.MessageID,
		ClientID:  m.ClientID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Message:   m.Body,
		CreatedAt: m.CreatedAt.In(loc).Format(WireTimeLayout),
	}
}
