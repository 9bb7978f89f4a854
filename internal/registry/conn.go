// Package registry tracks live gateway connections and their per-connection
// state: session, subscription counters, heartbeat timestamps, and the
// authorization cache.
package registry

import (
	"sync"
	"time"
)

// Session is the authenticated identity bound to a connection. A connection
// holds zero or one; login replaces any existing one.
type Session struct {
	UserID    string   `json:"userId"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"expiresAt,omitempty"` // wall-clock ms, 0 = no expiry
	Token     string   `json:"-"`
}

// Expired reports whether the session has a TTL that has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && s.ExpiresAt <= now.UnixMilli()
}

// HasRole reports whether the session carries the given role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Transport is the write side of a connection. Send enqueues a frame without
// blocking and reports whether it was accepted; Close initiates a WebSocket
// close with the given code and reason. Both are safe from any goroutine and
// after close.
type Transport interface {
	Send(frame []byte) bool
	Close(code int, reason string)
}

// Conn is the gateway's record of one live WebSocket connection.
type Conn struct {
	ID          string
	IP          string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport

	mu        sync.Mutex
	session   *Session
	lastPing  time.Time
	lastPong  time.Time
	nextSubID int64
	storeSubs int
	rulesSubs int

	// Authorization cache for built-in identity mode. Entries are valid only
	// while authEpoch matches the identity service's global epoch.
	authEpoch uint64
	authCache map[string]bool
}

// NewConn creates a connection record bound to its transport.
func NewConn(id, ip, remoteAddr string, transport Transport) *Conn {
	now := time.Now()
	return &Conn{
		ID:          id,
		IP:          ip,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		transport:   transport,
		lastPong:    now,
		authCache:   make(map[string]bool),
	}
}

// Send enqueues a frame for delivery.
func (c *Conn) Send(frame []byte) bool { return c.transport.Send(frame) }

// Close initiates a close with the given code and reason.
func (c *Conn) Close(code int, reason string) { c.transport.Close(code, reason) }

// Session returns the current session, or nil.
func (c *Conn) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession replaces the session and atomically clears the authorization
// cache scoped to this connection. Passing nil logs the connection out.
func (c *Conn) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.authCache = make(map[string]bool)
	c.authEpoch = 0
}

// NextSubID allocates a subscription id unique within this connection.
func (c *Conn) NextSubID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	return c.nextSubID
}

// AddStoreSubs adjusts the store-subscription counter by delta.
func (c *Conn) AddStoreSubs(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeSubs += delta
}

// AddRulesSubs adjusts the rules-subscription counter by delta.
func (c *Conn) AddRulesSubs(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rulesSubs += delta
}

// SubCounts returns the current (store, rules) subscription counters.
func (c *Conn) SubCounts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeSubs, c.rulesSubs
}

// MarkPing records that a heartbeat ping was just sent.
func (c *Conn) MarkPing(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = at
}

// MarkPong records a client pong.
func (c *Conn) MarkPong(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = at
}

// Heartbeat returns the last ping and pong timestamps.
func (c *Conn) Heartbeat() (lastPing, lastPong time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing, c.lastPong
}

// CachedDecision returns a cached authorization decision when the cache is
// still at the given epoch.
func (c *Conn) CachedDecision(epoch uint64, key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authEpoch != epoch {
		return false, false
	}
	decision, ok := c.authCache[key]
	return decision, ok
}

// CacheDecision stores an authorization decision, resetting the cache first
// when the epoch moved.
func (c *Conn) CacheDecision(epoch uint64, key string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authEpoch != epoch {
		c.authCache = make(map[string]bool)
		c.authEpoch = epoch
	}
	c.authCache[key] = allowed
}
