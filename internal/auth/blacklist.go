package auth

import (
	"sync"
	"time"
)

// DefaultBlacklistTTL bounds how long a revoked user stays locked out.
const DefaultBlacklistTTL = 5 * time.Minute

// Blacklist is the short-TTL deny-list of userIds whose sessions were
// forcibly revoked. Entries expire lazily on read.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewBlacklist creates a blacklist; ttl <= 0 uses the default.
func NewBlacklist(ttl time.Duration) *Blacklist {
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}
	return &Blacklist{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add records a revocation for the user.
func (b *Blacklist) Add(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[userID] = b.now().Add(b.ttl)
}

// Revoked reports whether the user is currently blacklisted.
func (b *Blacklist) Revoked(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, exists := b.entries[userID]
	if !exists {
		return false
	}
	if b.now().After(expiry) {
		delete(b.entries, userID)
		return false
	}
	return true
}
