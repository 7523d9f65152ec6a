package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	p := &RedisPresence{prefix: "chat:presence"}
	assert.Equal(t, "chat:presence:room:12", p.keyFor(12))
}

// TestRedisPresence runs against the Redis named by POTATO_TEST_REDIS_ADDR.
func TestRedisPresence(t *testing.T) {
	addr := os.Getenv("POTATO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POTATO_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	p, err := NewRedisPresence(ctx, Config{
		Address: addr,
		Prefix:  "test:" + uuid.NewString(),
		KeyTTL:  time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	n, err := p.Join(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = p.Join(ctx, 1, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = p.Join(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "rejoining does not add a member")

	require.NoError(t, p.Refresh(ctx, 1, "b"))
	require.NoError(t, p.Leave(ctx, 1, "a"))
	n, err = p.Join(ctx, 1, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a left the room")

	// Members whose expiry has passed are pruned.
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = p.Join(ctx, 1, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
