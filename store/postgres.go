// Package store persists users, products, chat rooms and messages in
// Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("duplicate message")
	ErrOwnProduct = errors.New("cannot open a chat on your own product")
)

const defaultHistoryLimit = 500

type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	Attempts uint64 // connection attempts before giving up, 0 means 10
}

// NewPool connects to Postgres, retrying while the database comes up.
func NewPool(ctx context.Context, cfg PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 10
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, attempts-1), ctx)

	var pool *pgxpool.Pool
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			logger.Warn().Err(err).Int(logging.FieldAttempt, attempt).Msg("database connect failed")
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn().Err(err).Int(logging.FieldAttempt, attempt).Msg("database ping failed")
			return err
		}
		pool = p
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
	}

	logger.Info().Int(logging.FieldAttempt, attempt).Msg("database connected")
	return pool, nil
}

// Store is the Postgres implementation of the chat server's persistence.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetRoom loads a room with its product and names the counterpart of
// viewerID as OtherUser.
func (s *Store) GetRoom(ctx context.Context, roomID, viewerID int64) (models.ChatRoom, error) {
	var row roomRow
	err := s.pool.QueryRow(ctx, `
		SELECT r.room_id, r.buyer_id, r.seller_id,
		       p.product_id, p.product_name, p.price,
		       b.nickname, s.nickname
		FROM chat_rooms r
		JOIN products p ON p.product_id = r.product_id
		JOIN users b ON b.user_id = r.buyer_id
		JOIN users s ON s.user_id = r.seller_id
		WHERE r.room_id = $1
	`, roomID).Scan(
		&row.roomID, &row.buyerID, &row.sellerID,
		&row.productID, &row.productName, &row.price,
		&row.buyerNickname, &row.sellerNickname,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatRoom{}, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return models.ChatRoom{}, fmt.Errorf("failed to load room %d: %w", roomID, err)
	}
	return row.toRoom(viewerID), nil
}

type roomRow struct {
	roomID, buyerID, sellerID int64
	productID                 int64
	productName               string
	price                     int64
	buyerNickname             string
	sellerNickname            string
}

func (r roomRow) toRoom(viewerID int64) models.ChatRoom {
	room := models.ChatRoom{
		RoomID:   r.roomID,
		Product:  models.Product{ID: r.productID, Name: r.productName, Price: r.price},
		BuyerID:  r.buyerID,
		SellerID: r.sellerID,
	}
	if viewerID == r.sellerID {
		room.OtherUser = models.User{ID: r.buyerID, Nickname: r.buyerNickname}
	} else {
		room.OtherUser = models.User{ID: r.sellerID, Nickname: r.sellerNickname}
	}
	return room
}

// ListMessages returns the newest limit messages of a room, oldest first,
// in insertion order.
func (s *Store) ListMessages(ctx context.Context, roomID int64, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, COALESCE(client_id, ''), room_id, sender_id, message, created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE room_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of room %d: %w", roomID, err)
	}
	defer rows.Close()

	msgs := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.MessageID, &m.ClientID, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages of room %d: %w", roomID, err)
	}
	return msgs, nil
}

// InsertMessage stores msg. A second message with the same client id in
// the same room is rejected with ErrDuplicate.
func (s *Store) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (message_id, room_id, sender_id, client_id, message, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT DO NOTHING
	`, msg.MessageID, msg.RoomID, msg.SenderID, msg.ClientID, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// CreateRoom returns the buyer's room for productID, creating it on first
// contact.
func (s *Store) CreateRoom(ctx context.Context, productID, buyerID int64) (int64, error) {
	var sellerID int64
	err := s.pool.QueryRow(ctx, `SELECT seller_id FROM products WHERE product_id = $1`, productID).Scan(&sellerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load product %d: %w", productID, err)
	}
	if sellerID == buyerID {
		return 0, ErrOwnProduct
	}

	var roomID int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO chat_rooms (product_id, buyer_id, seller_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, buyer_id) DO UPDATE SET product_id = EXCLUDED.product_id
		RETURNING room_id
	`, productID, buyerID, sellerID).Scan(&roomID)
	if err != nil {
		return 0, fmt.Errorf("failed to create room: %w", err)
	}
	return roomID, nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, nickname, COALESCE(email, ''), user_type FROM users WHERE user_id = $1
	`, userID).Scan(&u.ID, &u.Nickname, &u.Email, &u.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	return u, nil
}
