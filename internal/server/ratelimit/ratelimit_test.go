package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozen returns a limiter whose clock only moves when advance is called.
func frozen(t *testing.T, cfg *Config) (*Limiter, func(time.Duration)) {
	t.Helper()
	l := NewLimiter(cfg)
	t.Cleanup(l.Stop)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return l, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func TestLimiter_Allow(t *testing.T) {
	l, _ := frozen(t, &Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})

	for i := 0; i < 10; i++ {
		allowed, info := l.Allow("127.0.0.1", "/captures", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 10, info.Limit)
		assert.Equal(t, 9-i, info.Remaining)
	}

	allowed, info := l.Allow("127.0.0.1", "/captures", "GET")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.InDelta(t, float64(6*time.Second), float64(info.RetryAfter), float64(time.Millisecond))
	assert.True(t, info.ResetTime.After(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestLimiter_Refill(t *testing.T) {
	l, advance := frozen(t, &Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute})

	for i := 0; i < 60; i++ {
		l.Allow("c", "/x", "GET")
	}
	allowed, _ := l.Allow("c", "/x", "GET")
	require.False(t, allowed)

	advance(time.Second)
	allowed, _ = l.Allow("c", "/x", "GET")
	assert.True(t, allowed)
	allowed, _ = l.Allow("c", "/x", "GET")
	assert.False(t, allowed)
}

func TestLimiter_DeniedDoesNotConsume(t *testing.T) {
	l, advance := frozen(t, &Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Second})

	allowed, _ := l.Allow("c", "/x", "GET")
	require.True(t, allowed)
	for i := 0; i < 5; i++ {
		allowed, _ = l.Allow("c", "/x", "GET")
		require.False(t, allowed)
	}
	advance(time.Second)
	allowed, _ = l.Allow("c", "/x", "GET")
	assert.True(t, allowed, "denied requests must not push the next token further out")
}

func TestLimiter_Whitelist(t *testing.T) {
	l, _ := frozen(t, &Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})

	for i := 0; i < 100; i++ {
		allowed, info := l.Allow("127.0.0.1", "/captures", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	l, _ := frozen(t, &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"10.0.0.1": true},
	})

	allowed, _ := l.Allow("10.0.0.1", "/health", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(&Config{Enabled: false})
	defer l.Stop()

	for i := 0; i < 50; i++ {
		allowed, _ := l.Allow("c", "/captures", "POST")
		require.True(t, allowed)
	}
	assert.Zero(t, l.Len())
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	l, _ := frozen(t, &Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})

	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("c", "/captures", "POST")
		require.True(t, allowed, "burst request %d", i+1)
	}
	allowed, info := l.Allow("c", "/captures", "POST")
	assert.False(t, allowed)
	assert.Equal(t, 30, info.Limit)

	// Reads on the same path use the default limit.
	allowed, info = l.Allow("c", "/captures", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)

	// Other clients have their own buckets.
	allowed, _ = l.Allow("d", "/captures", "POST")
	assert.True(t, allowed)
}

func TestLimiter_PrefixPatternSharesBucket(t *testing.T) {
	l, _ := frozen(t, &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/tribunals/", Method: "DELETE", Limit: 2, Window: time.Minute, Burst: 2},
		},
	})

	allowed, _ := l.Allow("c", "/tribunals/TRT3/cache", "DELETE")
	require.True(t, allowed)
	allowed, _ = l.Allow("c", "/tribunals/TRT15/cache", "DELETE")
	require.True(t, allowed)
	allowed, _ = l.Allow("c", "/tribunals/TRT2/cache", "DELETE")
	assert.False(t, allowed)
}

func TestLimiter_HealthUnlimited(t *testing.T) {
	l, _ := frozen(t, &Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Hour})
	for i := 0; i < 20; i++ {
		allowed, _ := l.Allow("c", "/health", "GET")
		require.True(t, allowed)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := frozen(t, &Config{Enabled: true, DefaultLimit: 100, DefaultWindow: time.Minute})

	var allowedCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("c", "/x", "GET"); ok {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(100), allowedCount.Load())
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, advance := frozen(t, &Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Minute})

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), "/x", "GET")
	}
	require.Equal(t, 5, l.Len())

	advance(30 * time.Second)
	l.Allow("client-0", "/x", "GET")
	advance(45 * time.Second)
	l.evictIdle()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := NewLimiter(nil)
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMatchEndpoint(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "/captures", Method: "POST", Limit: 1},
		{Path: "/tribunals/", Method: "PUT", Limit: 2},
		{Path: "/tribunals/TRT3/", Method: "PUT", Limit: 3},
	}

	assert.Equal(t, 1, MatchEndpoint("/captures", "POST", configs).Limit)
	assert.Nil(t, MatchEndpoint("/captures", "GET", configs))
	assert.Nil(t, MatchEndpoint("/captures/abc", "POST", configs))
	assert.Equal(t, 2, MatchEndpoint("/tribunals/TRT15/segundo_grau", "PUT", configs).Limit)
	assert.Equal(t, 3, MatchEndpoint("/tribunals/TRT3/primeiro_grau", "PUT", configs).Limit, "longest prefix wins")

	health := MatchEndpoint("/health", "GET", configs)
	require.NotNil(t, health)
	assert.Zero(t, health.Limit)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 10.0.0.2,")

	cfg := LoadConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.DefaultLimit)
	assert.Equal(t, time.Minute, cfg.DefaultWindow)
	assert.Len(t, cfg.Whitelist, 2)
	assert.NotEmpty(t, cfg.EndpointConfigs)

	t.Setenv("RATE_LIMIT_ENABLED", "false")
	assert.False(t, LoadConfig().Enabled)
}
