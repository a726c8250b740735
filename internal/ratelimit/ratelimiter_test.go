package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/mediagate/internal/ratelimit"
	"github.com/AlexKimmel/mediagate/internal/ratelimit/memory"
)

func TestRateLimiterDefaults(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := ratelimit.NewRateLimiter(memory.New(), clock, ratelimit.Policy{})

	assert.Equal(t, ratelimit.Policy{Limit: 10, Window: time.Hour}, l.Defaults())

	for i := 0; i < 10; i++ {
		d := l.Check("user-1", ratelimit.Policy{})
		require.True(t, d.Allowed)
		assert.Equal(t, 9-i, d.Remaining)
	}
	d := l.Check("user-1", ratelimit.Policy{})
	assert.False(t, d.Allowed)
	assert.Equal(t, clock.Now().Add(time.Hour), d.ResetAt)
	assert.Equal(t, time.Hour, d.RetryAfter(clock.Now()))

	clock.Advance(time.Hour + time.Second)
	d = l.Check("user-1", ratelimit.Policy{})
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestRateLimiterPerCallOverride(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := ratelimit.NewRateLimiter(memory.New(), clock, ratelimit.Policy{Limit: 100, Window: time.Minute})

	d, err := l.Allow(context.Background(), "ip", ratelimit.Policy{Limit: 1})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)

	d, err = l.Allow(context.Background(), "ip", ratelimit.Policy{Limit: 1})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRetryAfterWhenAllowed(t *testing.T) {
	now := time.Now()
	d := ratelimit.Decision{Allowed: true, ResetAt: now.Add(time.Minute)}
	assert.Zero(t, d.RetryAfter(now))
}
