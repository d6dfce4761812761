package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cache := NewIdempotencyCache(rdb, 5*time.Minute)
	ctx := context.Background()

	got, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Put(ctx, "tok-1", CachedSend{MessageID: 7, ConversationID: 10, SenderID: 1}))
	require.NoError(t, cache.Put(ctx, "tok-1", CachedSend{MessageID: 8, ConversationID: 10, SenderID: 1}))

	got, err = cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.MessageID)
	assert.Equal(t, 5*time.Minute, mr.TTL("chat:idem:tok-1"))

	mr.FastForward(6 * time.Minute)
	got, err = cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyCacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	_, err := NewIdempotencyCache(rdb, time.Minute).Get(context.Background(), "tok")
	assert.Error(t, err)
}
