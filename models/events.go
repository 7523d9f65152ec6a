package models

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged over the chat WebSocket.
const (
	EventJoinRoom    = "join-room"
	EventSendMessage = "send-message"

	EventReceiveMessage = "receive-message"
	EventRoomJoined     = "room-joined"
	EventError          = "error"
)

// Envelope frames every WebSocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// Client -> server payloads

type JoinRoomPayload struct {
	RoomID int64 `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID   int64  `json:"room_id"`
	Message  string `json:"message"`
	SenderID int64  `json:"sender_id"`
	ClientID string `json:"client_id,omitempty"`
}

// Server -> client payloads

// ReceiveMessagePayload keeps the upper-case SENDER_ID key the history
// endpoint has always used.
type ReceiveMessagePayload struct {
	MessageID string `json:"message_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	RoomID    int64  `json:"room_id,omitempty"`
	SenderID  int64  `json:"SENDER_ID"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

type RoomJoinedPayload struct {
	RoomID  int64 `json:"room_id"`
	Members int64 `json:"members"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
