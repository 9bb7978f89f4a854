// Package ratelimit provides the fixed-window request limiter and the login
// attempt limiter used by the gateway dispatcher.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the request limiter thresholds. A zero MaxRequests disables
// the limiter entirely.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

type window struct {
	count int
	start time.Time
}

// Limiter enforces a per-key fixed-window request budget. Keys are
// "ip:<addr>" before authentication and "user:<id>" after; the dispatcher
// picks the key, the limiter only counts.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	now     func() time.Time
}

// New creates a limiter. Returns nil when the config disables limiting;
// callers treat a nil limiter as "always allow".
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow counts one request against key. When the budget is exhausted it
// returns false plus the estimated wait until the window reopens.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.cfg.Window {
		l.windows[key] = &window{count: 1, start: now}
		l.sweepLocked(now)
		return true, 0
	}

	w.count++
	if w.count > l.cfg.MaxRequests {
		retryAfter := l.cfg.Window - now.Sub(w.start)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	return true, 0
}

// sweepLocked drops expired windows opportunistically; called while a new
// window is being created so there is no background goroutine to manage.
func (l *Limiter) sweepLocked(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

// Stats returns limiter counters for the server stats surface.
func (l *Limiter) Stats() map[string]interface{} {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"activeWindows": len(l.windows),
		"maxRequests":   l.cfg.MaxRequests,
		"windowMs":      l.cfg.Window.Milliseconds(),
	}
}

// LoginConfig holds the built-in identity login limiter thresholds.
type LoginConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// LoginLimiter throttles login attempts keyed by (username, ip). A
// successful login resets the counter for that username across all IPs.
type LoginLimiter struct {
	mu      sync.Mutex
	cfg     LoginConfig
	windows map[string]*window
	now     func() time.Time
}

// NewLogin creates a login limiter, or nil (always allow) when disabled.
func NewLogin(cfg LoginConfig) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &LoginLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func loginKey(username, ip string) string { return username + "\x00" + ip }

// Allow counts one login attempt for (username, ip).
func (l *LoginLimiter) Allow(username, ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := loginKey(username, ip)
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.cfg.Window {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.cfg.MaxAttempts
}

// Reset clears attempt counters for a username after a successful login.
func (l *LoginLimiter) Reset(username string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := username + "\x00"
	for key := range l.windows {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.windows, key)
		}
	}
}
