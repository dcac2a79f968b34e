package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRedisLimiter(db, "test:rl:")
	rule := Rule{Limit: 2, Window: time.Minute}
	key := "test:rl:redeem:user-1"

	mock.ExpectEvalSha(fixedWindowScript.Hash(), []string{key}, int64(60000)).SetVal([]interface{}{int64(1), int64(60000)})
	mock.ExpectEvalSha(fixedWindowScript.Hash(), []string{key}, int64(60000)).SetVal([]interface{}{int64(2), int64(59000)})
	mock.ExpectEvalSha(fixedWindowScript.Hash(), []string{key}, int64(60000)).SetVal([]interface{}{int64(3), int64(41400)})

	ctx := context.Background()

	d, err := limiter.Allow(ctx, "redeem", "user-1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "redeem", "user-1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "redeem", "user-1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Count)
	assert.Equal(t, 41*time.Second, d.RetryAfter)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiter_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRedisLimiter(db, "")

	mock.ExpectEvalSha(fixedWindowScript.Hash(), []string{"ecokoin:rate_limit:deposit:op-1"}, int64(60000)).
		SetErr(errors.New("connection refused"))

	_, err := limiter.Allow(context.Background(), "deposit", "op-1", Rule{Limit: 30, Window: time.Minute})
	assert.Error(t, err)
}

func TestRedisLimiter_DisabledRule(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRedisLimiter(db, "")

	d, err := limiter.Allow(context.Background(), "deposit", "op-1", Rule{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLimiter_Window(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter()
	limiter.now = func() time.Time { return now }
	rule := Rule{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "redeem", "u1", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	now = now.Add(20 * time.Second)
	d, err := limiter.Allow(ctx, "redeem", "u1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	d, err = limiter.Allow(ctx, "redeem", "u2", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "subjects are counted separately")

	now = now.Add(41 * time.Second)
	d, err = limiter.Allow(ctx, "redeem", "u1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window starts after reset")
}
