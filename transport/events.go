package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
)

// OnMessage subscribes to receive-message and hands every payload over as
// a normalized ChatMessage, with zone-less timestamps read in loc.
// Undecodable payloads are logged and dropped.
func (c *Client) OnMessage(loc *time.Location, fn func(models.ChatMessage)) (unsubscribe func()) {
	return c.On(models.EventReceiveMessage, func(data json.RawMessage) {
		msg, err := models.DecodeIncoming(data, loc, time.Now())
		if err != nil {
			if !errors.Is(err, models.ErrMalformedTimestamp) {
				c.logger.Warn().Err(err).Str(logging.FieldEvent, models.EventReceiveMessage).Msg("dropping message")
				return
			}
			c.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("malformed timestamp, using now")
		}
		fn(msg)
	})
}

// OnServerError subscribes to error events. A payload without a message is
// reported as an empty string.
func (c *Client) OnServerError(fn func(message string)) (unsubscribe func()) {
	return c.On(models.EventError, func(data json.RawMessage) {
		var p models.ErrorPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				c.logger.Warn().Err(err).Str(logging.FieldEvent, models.EventError).Msg("undecodable error payload")
			}
		}
		fn(p.Message)
	})
}
