// Package subscriptions implements live views over the Store and
// pattern-matched event fan-out from the RuleEngine, pushed to connections
// as they change.
package subscriptions

import (
	"sync/atomic"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

// Quota enforces the per-connection and global subscription caps across
// both subscription kinds. Zero values disable the respective cap.
type Quota struct {
	MaxPerConnection int
	MaxTotal         int

	total atomic.Int64
}

// Acquire reserves one subscription slot for the connection.
func (q *Quota) Acquire(conn *registry.Conn) *protocol.Error {
	if q.MaxPerConnection > 0 {
		storeSubs, rulesSubs := conn.SubCounts()
		if storeSubs+rulesSubs >= q.MaxPerConnection {
			return protocol.NewError(protocol.CodeRateLimited,
				"Subscription limit reached for this connection")
		}
	}
	if q.MaxTotal > 0 {
		if q.total.Add(1) > int64(q.MaxTotal) {
			q.total.Add(-1)
			return protocol.NewError(protocol.CodeRateLimited,
				"Global subscription limit reached")
		}
		return nil
	}
	q.total.Add(1)
	return nil
}

// Release returns one slot.
func (q *Quota) Release() { q.total.Add(-1) }

// Total returns the number of live subscriptions across all connections.
func (q *Quota) Total() int64 { return q.total.Load() }
