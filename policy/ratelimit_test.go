package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-agent/types"
)

func TestRateLimitIsPerEndpoint(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := NewEngine([]types.Policy{types.RateLimitPolicy{MaxPerMinute: 3}}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordRequest(ctx, "/a"))
	}

	d, err := e.Evaluate(ctx, Request{Endpoint: "/a"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.PolicyRateLimit, d.Kind)

	d, err = e.Evaluate(ctx, Request{Endpoint: "/b"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(61 * time.Second)
	d, err = e.Evaluate(ctx, Request{Endpoint: "/a"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimitHourlyWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(NewMemoryRequestLog(), clock.Now)
	p := types.RateLimitPolicy{MaxPerMinute: 10, MaxPerHour: 2}

	require.NoError(t, limiter.Record(ctx, "/h"))
	clock.Advance(5 * time.Minute)
	require.NoError(t, limiter.Record(ctx, "/h"))
	clock.Advance(5 * time.Minute)

	ok, reason, err := limiter.Check(ctx, p, "/h")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "last hour")

	clock.Advance(51 * time.Minute)
	ok, _, err = limiter.Check(ctx, p, "/h")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitScope(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := NewEngine([]types.Policy{
		types.RateLimitPolicy{MaxPerMinute: 1, Endpoint: "/v1/*"},
		types.RateLimitPolicy{MaxPerMinute: 2, Endpoint: "/search"},
	}, WithClock(clock.Now))

	for _, ep := range []string{"/v1/quote", "/search", "/other"} {
		require.NoError(t, e.RecordRequest(ctx, ep))
	}

	d, err := e.Evaluate(ctx, Request{Endpoint: "/v1/quote"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = e.Evaluate(ctx, Request{Endpoint: "/search"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, e.RecordRequest(ctx, "/search"))
	d, err = e.Evaluate(ctx, Request{Endpoint: "/search"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, e.RecordRequest(ctx, "/other"))
	d, err = e.Evaluate(ctx, Request{Endpoint: "/other"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestScopeMatches(t *testing.T) {
	assert.True(t, ScopeMatches("", "/a"))
	assert.True(t, ScopeMatches("*", "/a"))
	assert.True(t, ScopeMatches("/a", "/a"))
	assert.False(t, ScopeMatches("/a", "/ab"))
	assert.True(t, ScopeMatches("/a*", "/ab"))
	assert.False(t, ScopeMatches("/b*", "/ab"))
}

func TestMemoryRequestLogPrune(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	log := NewMemoryRequestLog()

	require.NoError(t, log.Record(ctx, "/a", base.Add(2*time.Minute)))
	require.NoError(t, log.Record(ctx, "/a", base))
	require.NoError(t, log.Record(ctx, "/b", base))

	n, err := log.Count(ctx, "/a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, log.Prune(ctx, base.Add(time.Minute)))
	n, err = log.Count(ctx, "/a", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = log.Count(ctx, "/b", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
