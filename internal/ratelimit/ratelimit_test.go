package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBudget(t *testing.T) {
	l := New(Config{MaxRequests: 3, Window: time.Second})
	require.NotNil(t, l)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("user:u1")
		assert.True(t, ok, "request %d within budget", i+1)
	}
	ok, retryAfter := l.Allow("user:u1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Second)

	// Other keys keep their own budget.
	ok, _ = l.Allow("user:u2")
	assert.True(t, ok)
}

func TestLimiterWindowReset(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Second})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	ok, _ := l.Allow("ip:1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow("ip:1.2.3.4")
	require.False(t, ok)

	clock = clock.Add(time.Second)
	ok, _ = l.Allow("ip:1.2.3.4")
	assert.True(t, ok, "fresh window after expiry")
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{MaxRequests: 0})
	require.Nil(t, l)

	// A nil limiter always allows and reports no stats.
	for i := 0; i < 100; i++ {
		ok, retryAfter := l.Allow("user:anyone")
		assert.True(t, ok)
		assert.Zero(t, retryAfter)
	}
	assert.Nil(t, l.Stats())
}

func TestLimiterStats(t *testing.T) {
	l := New(Config{MaxRequests: 5, Window: 2 * time.Second})
	l.Allow("a")
	l.Allow("b")
	stats := l.Stats()
	assert.Equal(t, 2, stats["activeWindows"])
	assert.Equal(t, 5, stats["maxRequests"])
	assert.Equal(t, int64(2000), stats["windowMs"])
}

func TestLoginLimiter(t *testing.T) {
	l := NewLogin(LoginConfig{MaxAttempts: 2, Window: time.Minute})
	require.NotNil(t, l)

	assert.True(t, l.Allow("alice", "1.1.1.1"))
	assert.True(t, l.Allow("alice", "1.1.1.1"))
	assert.False(t, l.Allow("alice", "1.1.1.1"))

	// Distinct IP and distinct username each get their own counter.
	assert.True(t, l.Allow("alice", "2.2.2.2"))
	assert.True(t, l.Allow("bob", "1.1.1.1"))
}

func TestLoginLimiterReset(t *testing.T) {
	l := NewLogin(LoginConfig{MaxAttempts: 1, Window: time.Minute})
	require.False(t, func() bool {
		l.Allow("alice", "1.1.1.1")
		ok := l.Allow("alice", "1.1.1.1")
		return ok
	}())

	l.Reset("alice")
	assert.True(t, l.Allow("alice", "1.1.1.1"), "successful login clears attempts")
}

func TestLoginLimiterDisabled(t *testing.T) {
	l := NewLogin(LoginConfig{})
	require.Nil(t, l)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("alice", "1.1.1.1"))
	}
	l.Reset("alice")
}
