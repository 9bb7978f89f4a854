// Package audit records one entry per dispatched operation into a bounded
// in-memory ring, with an optional Redis list sink for off-process
// retention. The audit.query operation reads back through the ring.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one audited operation.
type Entry struct {
	At         int64  `json:"at"` // unix ms
	ConnID     string `json:"connId"`
	UserID     string `json:"userId,omitempty"`
	Op         string `json:"op"`
	Code       string `json:"code,omitempty"` // empty on success
	DurationMs int64  `json:"durationMs"`
}

// Query filters audit entries.
type Query struct {
	UserID string
	Op     string
	Code   string
	Limit  int
	Offset int
}

// Config configures the trail.
type Config struct {
	Capacity  int    // ring size, default 4096
	RedisAddr string // empty disables the Redis sink
	RedisList string // default "audit:gateway"
	RedisCap  int64  // max retained list length, default 100000
}

// Trail is the audit sink. Writes never block the dispatcher: the ring
// append is O(1) under a mutex and Redis writes go through a buffered
// channel drained by one goroutine.
type Trail struct {
	mu      sync.Mutex
	ring    []Entry
	next    int
	filled  bool
	total   int64
	started time.Time

	sinkCh chan Entry
	rdb    *redis.Client
	list   string
	rcap   int64
	logger *log.Logger
}

// New creates a trail and, when configured, connects the Redis sink.
func New(cfg Config) *Trail {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4096
	}
	if cfg.RedisList == "" {
		cfg.RedisList = "audit:gateway"
	}
	if cfg.RedisCap <= 0 {
		cfg.RedisCap = 100000
	}

	t := &Trail{
		ring:    make([]Entry, cfg.Capacity),
		started: time.Now(),
		list:    cfg.RedisList,
		rcap:    cfg.RedisCap,
		logger:  log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
	if cfg.RedisAddr != "" {
		t.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		t.sinkCh = make(chan Entry, 1024)
		go t.sinkLoop()
	}
	return t
}

// Record appends one entry.
func (t *Trail) Record(e Entry) {
	t.mu.Lock()
	t.ring[t.next] = e
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.filled = true
	}
	t.total++
	t.mu.Unlock()

	if t.sinkCh != nil {
		select {
		case t.sinkCh <- e:
		default:
			// Sink is behind; the in-memory ring still has the entry.
		}
	}
}

func (t *Trail) sinkLoop() {
	ctx := context.Background()
	for e := range t.sinkCh {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		pipe := t.rdb.Pipeline()
		pipe.LPush(ctx, t.list, payload)
		pipe.LTrim(ctx, t.list, 0, t.rcap-1)
		if _, err := pipe.Exec(ctx); err != nil {
			t.logger.Printf("Redis sink write failed: %v", err)
		}
	}
}

// Find returns matching entries, newest first.
func (t *Trail) Find(q Query) []Entry {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	t.mu.Lock()
	entries := t.snapshotLocked()
	t.mu.Unlock()

	out := make([]Entry, 0, q.Limit)
	skipped := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.Op != "" && e.Op != q.Op {
			continue
		}
		if q.Code != "" && e.Code != q.Code {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) == q.Limit {
			break
		}
	}
	return out
}

// snapshotLocked returns ring contents in chronological order.
func (t *Trail) snapshotLocked() []Entry {
	if !t.filled {
		return append([]Entry(nil), t.ring[:t.next]...)
	}
	out := make([]Entry, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	out = append(out, t.ring[:t.next]...)
	return out
}

// Stats returns trail counters.
func (t *Trail) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	retained := t.next
	if t.filled {
		retained = len(t.ring)
	}
	return map[string]interface{}{
		"recorded":  t.total,
		"retained":  retained,
		"capacity":  len(t.ring),
		"redisSink": t.rdb != nil,
	}
}

// Close stops the Redis sink.
func (t *Trail) Close() {
	if t.sinkCh != nil {
		close(t.sinkCh)
	}
	if t.rdb != nil {
		_ = t.rdb.Close()
	}
}
