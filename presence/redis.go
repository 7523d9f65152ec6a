// Package presence tracks which WebSocket connections are joined to which
// room, across server instances, in Redis.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	KeyTTL   time.Duration // how long a member survives without a refresh
}

// RedisPresence keeps one sorted set per room whose members are connection
// ids scored by their expiry time. Expired members are pruned on every
// write, so crashed instances age out of the count.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisPresence(ctx context.Context, cfg Config, logger zerolog.Logger) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chat:presence"
	}
	return &RedisPresence{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "presence").Logger(),
		now:    time.Now,
	}, nil
}

func (p *RedisPresence) keyFor(roomID int64) string {
	return fmt.Sprintf("%s:room:%d", p.prefix, roomID)
}

// Join adds connID to the room and returns the number of live members.
// Joining again only refreshes the member.
func (p *RedisPresence) Join(ctx context.Context, roomID int64, connID string) (int64, error) {
	key := p.keyFor(roomID)
	now := p.now()

	var card *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(p.ttl).UnixMilli()), Member: connID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to join room %d: %w", roomID, err)
	}

	p.logger.Debug().Int64(logging.FieldRoomID, roomID).Str(logging.FieldConnID, connID).Int64("members", card.Val()).Msg("joined")
	return card.Val(), nil
}

// Refresh extends connID's membership. It is a no-op for a member that
// already left.
func (p *RedisPresence) Refresh(ctx context.Context, roomID int64, connID string) error {
	key := p.keyFor(roomID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, key, redis.Z{Score: float64(p.now().Add(p.ttl).UnixMilli()), Member: connID})
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence in room %d: %w", roomID, err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, roomID int64, connID string) error {
	if err := p.client.ZRem(ctx, p.keyFor(roomID), connID).Err(); err != nil {
		return fmt.Errorf("failed to leave room %d: %w", roomID, err)
	}
	p.logger.Debug().Int64(logging.FieldRoomID, roomID).Str(logging.FieldConnID, connID).Msg("left")
	return nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}
