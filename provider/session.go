package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/models"
	"github.com/JBJLogic/Potato-Market/room"
	"github.com/rs/zerolog"
)

var ErrNoCachedUser = errors.New("no cached user")

// UserCache persists the last signed-in user so a chat can be opened when
// the session check is unavailable. An empty path disables it.
type UserCache struct {
	path string
}

func NewUserCache(path string) *UserCache {
	return &UserCache{path: path}
}

func (c *UserCache) Load() (models.User, error) {
	if c == nil || c.path == "" {
		return models.User{}, ErrNoCachedUser
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.User{}, ErrNoCachedUser
		}
		return models.User{}, fmt.Errorf("failed to read user cache: %w", err)
	}

	var u sessionUser
	if err := json.Unmarshal(data, &u); err != nil {
		return models.User{}, fmt.Errorf("failed to decode user cache: %w", err)
	}
	user := u.toUser()
	if user.ID == 0 {
		return models.User{}, ErrNoCachedUser
	}
	return user, nil
}

func (c *UserCache) Save(user models.User) error {
	if c == nil || c.path == "" {
		return nil
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create user cache dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user cache: %w", err)
	}
	return nil
}

// SessionResolver resolves the current user from the live session check,
// falling back to the cached user when the server knows no session or
// cannot be reached.
type SessionResolver struct {
	client *Client
	cache  *UserCache
	logger zerolog.Logger
}

func NewSessionResolver(client *Client, cache *UserCache, logger zerolog.Logger) *SessionResolver {
	return &SessionResolver{
		client: client,
		cache:  cache,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

func (r *SessionResolver) Resolve(ctx context.Context) (models.User, error) {
	user, loggedIn, err := r.client.CheckSession(ctx)
	switch {
	case err != nil:
		r.logger.Warn().Err(err).Msg("session check failed, trying cached user")
	case loggedIn && user.ID != 0:
		if err := r.cache.Save(user); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache user")
		}
		return user, nil
	}

	cached, cacheErr := r.cache.Load()
	if cacheErr == nil {
		r.logger.Info().Int64(logging.FieldUserID, cached.ID).Msg("using cached user")
		return cached, nil
	}
	if !errors.Is(cacheErr, ErrNoCachedUser) {
		r.logger.Warn().Err(cacheErr).Msg("user cache unusable")
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", room.ErrUnauthenticated, err)
	}
	return models.User{}, room.ErrUnauthenticated
}
