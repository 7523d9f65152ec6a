package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Subscription is a live room subscription. jetstream.ConsumeContext
// satisfies it.
type Subscription interface {
	Stop()
}

type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	cfg    Config
	logger zerolog.Logger
}

// NewNatsService connects to NATS and makes sure the room stream exists.
func NewNatsService(ctx context.Context, cfg Config, logger zerolog.Logger) (*NatsService, error) {
	logger = logger.With().Str("component", "nats").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("potato-chat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	s := &NatsService{js: js, nc: nc, cfg: cfg, logger: logger}

	ensureCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ensureStream(ensureCtx); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NatsService) ensureStream(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, s.cfg.StreamName)
	if err == nil {
		s.logger.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("found existing stream")
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream '%s': %w", s.cfg.StreamName, err)
	}

	s.logger.Info().Str("stream", s.cfg.StreamName).Msg("stream not found, creating")
	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        s.cfg.StreamName,
		Description: "Chat room messages",
		Subjects:    []string{s.cfg.SubjectPrefix + ".room.*"},
		MaxAge:      s.cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", s.cfg.StreamName, err)
	}
	return nil
}

func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// Healthy reports whether the NATS connection is up.
func (s *NatsService) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// PublishMessage sends msg to its room subject. The message id doubles as
// the JetStream dedup id so a retried publish is stored once.
func (s *NatsService) PublishMessage(ctx context.Context, msg *models.ChatMessage) error {
	subject := RoomSubject(s.cfg.SubjectPrefix, msg.RoomID)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.MessageID))
	if err != nil {
		return fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	s.logger.Debug().Str(logging.FieldSubject, subject).Str(logging.FieldMessageID, msg.MessageID).Msg("published message")
	return nil
}

// RoomSubject is the subject carrying one room's messages.
func RoomSubject(prefix string, roomID int64) string {
	return fmt.Sprintf("%s.room.%d", prefix, roomID)
}

// SubscribeToRoom delivers every message published to the room from now
// on. History is served by the store, so nothing earlier is replayed.
func (s *NatsService) SubscribeToRoom(ctx context.Context, roomID int64, handler func(msg *models.ChatMessage)) (Subscription, error) {
	subject := RoomSubject(s.cfg.SubjectPrefix, roomID)

	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	consumeCtx, err := cons.Consume(func(jsMsg jetstream.Msg) {
		msg, err := decodeMessage(jsMsg.Data())
		if err != nil {
			s.logger.Warn().Err(err).Str(logging.FieldSubject, jsMsg.Subject()).Msg("dropping undecodable message")
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	s.logger.Debug().Str(logging.FieldSubject, subject).Msg("subscribed")
	return consumeCtx, nil
}

func decodeMessage(data []byte) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.RoomID == 0 || msg.MessageID == "" {
		return nil, errors.New("message without room or id")
	}
	return &msg, nil
}
