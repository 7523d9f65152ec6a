package nats_service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/JBJLogic/Potato-Market/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "chat.room.12", RoomSubject("chat", 12))
	assert.Equal(t, "potato.chat.room.7", RoomSubject("potato.chat", 7))
}

func TestDecodeMessage(t *testing.T) {
	in := models.ChatMessage{
		MessageID: "m-1",
		ClientID:  "c-1",
		RoomID:    12,
		SenderID:  7,
		Body:      "hello",
		CreatedAt: time.Date(2024, 1, 15, 13, 5, 0, 0, time.UTC),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := decodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	_, err = decodeMessage([]byte(`{"body":"no room"}`))
	assert.Error(t, err)
	_, err = decodeMessage([]byte(`not json`))
	assert.Error(t, err)
}
