package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwatch/backend/internal/frauderr"
)

func newTestKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return kv, mr
}

func TestLimiter_WindowBoundary(t *testing.T) {
	kv, mr := newTestKV(t)
	limiter := NewLimiter(kv, 60*time.Second, 5)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err, "request %d should pass", i)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(5-i), res.Remaining)
	}

	// The 6th request in the same window is rejected with a retry hint.
	res, err := limiter.Allow(ctx, "client-1")
	assert.False(t, res.Allowed)
	require.Error(t, err)
	assert.True(t, frauderr.Is(err, frauderr.KindRateLimited))
	assert.Greater(t, res.RetryAfterSec, 0)
	assert.LessOrEqual(t, res.RetryAfterSec, 60)

	// Other clients have their own window.
	res, err = limiter.Allow(ctx, "client-2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// The counter rolls over exactly when the window expires.
	mr.FastForward(61 * time.Second)
	res, err = limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
}

type failingKV struct{ KV }

func (f failingKV) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewLimiter(failingKV{NewMemoryKV()}, time.Minute, 1)

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(context.Background(), "client-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestIdempotency_ReplayReturnsVerbatim(t *testing.T) {
	kv, mr := newTestKV(t)
	idem := NewIdempotency(kv, time.Hour)
	ctx := context.Background()

	_, ok, err := idem.Lookup(ctx, "freeze_card", "K1")
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte(`{"status":"FROZEN","card_id":"card-1"}`)
	require.NoError(t, idem.Record(ctx, "freeze_card", "K1", payload))

	got, ok, err := idem.Lookup(ctx, "freeze_card", "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, got)

	// Different operation, same key: no collision.
	_, ok, err = idem.Lookup(ctx, "open_dispute", "K1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Entries expire after the TTL.
	mr.FastForward(time.Hour + time.Second)
	_, ok, err = idem.Lookup(ctx, "freeze_card", "K1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOTP_ConsumedOnce(t *testing.T) {
	kv, _ := newTestKV(t)
	otp := NewOTPStore(kv, 5*time.Minute)
	ctx := context.Background()

	code, err := otp.Issue(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, code, 6)

	// Wrong code does not consume.
	err = otp.Verify(ctx, "card-1", "000000")
	if code == "000000" {
		t.Skip("generated the guessed code")
	}
	assert.True(t, frauderr.Is(err, frauderr.KindOTPInvalid))

	// Right code verifies once, then is gone.
	require.NoError(t, otp.Verify(ctx, "card-1", code))
	err = otp.Verify(ctx, "card-1", code)
	assert.True(t, frauderr.Is(err, frauderr.KindOTPInvalid))
}

func TestOTP_Expires(t *testing.T) {
	kv, mr := newTestKV(t)
	otp := NewOTPStore(kv, 5*time.Minute)
	ctx := context.Background()

	code, err := otp.Issue(ctx, "card-9")
	require.NoError(t, err)

	mr.FastForward(5*time.Minute + time.Second)
	err = otp.Verify(ctx, "card-9", code)
	assert.True(t, frauderr.Is(err, frauderr.KindOTPInvalid))
}
