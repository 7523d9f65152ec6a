package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexInt decodes an integer sent either as a JSON number or a quoted string.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*f = FlexInt(n)
	return nil
}

// IncomingMessage accepts every message shape the backend has produced:
// SENDER_ID / sender_id / senderId, message / body, created_at / createdAt.
// encoding/json matches keys case-insensitively, which covers sender_id.
type IncomingMessage struct {
	MessageID      string          `json:"message_id"`
	ClientID       string          `json:"client_id"`
	RoomID         FlexInt         `json:"room_id"`
	SenderID       *FlexInt        `json:"SENDER_ID"`
	SenderIDCamel  *FlexInt        `json:"senderId"`
	Message        *string         `json:"message"`
	Body           *string         `json:"body"`
	CreatedAt      json.RawMessage `json:"created_at"`
	CreatedAtCamel json.RawMessage `json:"createdAt"`
}

// Normalize converts the payload to a ChatMessage. A malformed timestamp is
// replaced with now and reported through an error wrapping
// ErrMalformedTimestamp; the returned message is usable either way.
func (in IncomingMessage) Normalize(loc *time.Location, now time.Time) (ChatMessage, error) {
	msg := ChatMessage{
		MessageID: in.MessageID,
		ClientID:  in.ClientID,
		RoomID:    int64(in.RoomID),
	}

	switch {
	case in.SenderID != nil:
		msg.SenderID = int64(*in.SenderID)
	case in.SenderIDCamel != nil:
		msg.SenderID = int64(*in.SenderIDCamel)
	}

	switch {
	case in.Message != nil:
		msg.Body = *in.Message
	case in.Body != nil:
		msg.Body = *in.Body
	}

	raw := in.CreatedAt
	if len(raw) == 0 {
		raw = in.CreatedAtCamel
	}
	createdAt, err := NormalizeTimestamp(raw, loc, now)
	msg.CreatedAt = createdAt
	return msg, err
}

// DecodeIncoming decodes a receive-message payload into a ChatMessage.
// Structural decode failures are returned as plain errors with a zero
// message; timestamp failures follow IncomingMessage.Normalize.
func DecodeIncoming(data []byte, loc *time.Location, now time.Time) (ChatMessage, error) {
	var in IncomingMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return in.Normalize(loc, now)
}
