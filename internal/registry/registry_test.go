package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	frames [][]byte
	code   int
	reason string
	closed bool
}

func (f *fakeTransport) Send(frame []byte) bool {
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func newConn(id, ip string) *Conn {
	return NewConn(id, ip, ip+":12345", &fakeTransport{})
}

func TestAddRemove(t *testing.T) {
	r := New()
	c := newConn("c1", "10.0.0.1")
	r.Add(c)

	assert.Equal(t, 1, r.Count())
	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, c, got)

	assert.True(t, r.Remove("c1"))
	assert.False(t, r.Remove("c1"), "second remove reports already gone")
	assert.Equal(t, 0, r.Count())
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestCountByIP(t *testing.T) {
	r := New()
	r.Add(newConn("a", "10.0.0.1"))
	r.Add(newConn("b", "10.0.0.1"))
	r.Add(newConn("c", "10.0.0.2"))

	assert.Equal(t, 2, r.CountByIP("10.0.0.1"))
	assert.Equal(t, 1, r.CountByIP("10.0.0.2"))
	assert.Equal(t, 0, r.CountByIP("10.0.0.3"))

	r.Remove("a")
	assert.Equal(t, 1, r.CountByIP("10.0.0.1"))
	r.Remove("b")
	assert.Equal(t, 0, r.CountByIP("10.0.0.1"))
}

func TestFilter(t *testing.T) {
	r := New()
	alice := newConn("a", "10.0.0.1")
	alice.SetSession(&Session{UserID: "u-alice", Roles: []string{"admin"}})
	bob := newConn("b", "10.0.0.2")
	bob.SetSession(&Session{UserID: "u-bob", Roles: []string{"reader"}})
	anon := newConn("c", "10.0.0.3")
	r.Add(alice)
	r.Add(bob)
	r.Add(anon)

	admins := r.Filter(func(c *Conn) bool {
		s := c.Session()
		return s != nil && s.HasRole("admin")
	})
	require.Len(t, admins, 1)
	assert.Equal(t, "a", admins[0].ID)

	assert.Len(t, r.Snapshot(), 3)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	live := &Session{UserID: "u", ExpiresAt: now.Add(time.Hour).UnixMilli()}
	assert.False(t, live.Expired(now))

	dead := &Session{UserID: "u", ExpiresAt: now.Add(-time.Second).UnixMilli()}
	assert.True(t, dead.Expired(now))

	forever := &Session{UserID: "u"}
	assert.False(t, forever.Expired(now))
}

func TestConnSubCounters(t *testing.T) {
	c := newConn("c1", "10.0.0.1")
	assert.Equal(t, int64(1), c.NextSubID())
	assert.Equal(t, int64(2), c.NextSubID())

	c.AddStoreSubs(2)
	c.AddRulesSubs(1)
	storeSubs, rulesSubs := c.SubCounts()
	assert.Equal(t, 2, storeSubs)
	assert.Equal(t, 1, rulesSubs)

	c.AddStoreSubs(-1)
	storeSubs, _ = c.SubCounts()
	assert.Equal(t, 1, storeSubs)
}

func TestAuthCacheEpoch(t *testing.T) {
	c := newConn("c1", "10.0.0.1")

	c.CacheDecision(1, "store.get|items", true)
	decision, ok := c.CachedDecision(1, "store.get|items")
	require.True(t, ok)
	assert.True(t, decision)

	// A moved epoch invalidates everything cached before it.
	_, ok = c.CachedDecision(2, "store.get|items")
	assert.False(t, ok)

	c.CacheDecision(2, "store.insert|items", false)
	decision, ok = c.CachedDecision(2, "store.insert|items")
	require.True(t, ok)
	assert.False(t, decision)
	_, ok = c.CachedDecision(2, "store.get|items")
	assert.False(t, ok, "stale entries are dropped when the epoch moves")
}

func TestSetSessionClearsCache(t *testing.T) {
	c := newConn("c1", "10.0.0.1")
	c.CacheDecision(3, "store.get|items", true)
	c.SetSession(&Session{UserID: "u"})
	_, ok := c.CachedDecision(3, "store.get|items")
	assert.False(t, ok, "login resets the authorization cache")
}
