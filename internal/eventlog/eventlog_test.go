package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopNeverRemembers(t *testing.T) {
	var l Ledger = Noop{}
	require.NoError(t, l.Mark(context.Background(), "evt_1"))
	seen, err := l.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNewRedisLedgerRejectsBadURL(t *testing.T) {
	_, err := NewRedisLedger(context.Background(), "://nope", time.Minute)
	assert.Error(t, err)
}

func TestRedisLedger(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := NewRedisLedger(ctx, redisURL, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	id := "evt_" + uuid.NewString()
	seen, err := l.Seen(ctx, id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Mark(ctx, id))
	seen, err = l.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := l.client.TTL(ctx, keyPrefix+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
