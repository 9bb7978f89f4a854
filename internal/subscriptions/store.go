package subscriptions

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"

	"github.com/canopydb/gateway/internal/metrics"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

// storeSub is one live query view: the named query, its params, and the
// canonical JSON of the last emitted snapshot for change detection.
type storeSub struct {
	conn     *registry.Conn
	id       int64
	query    string
	params   map[string]interface{}
	snapshot []byte
}

// StoreManager owns all store subscriptions. Evaluation runs on the Store's
// notification goroutine, which serializes it per Store instance and keeps
// it off the request path. Each committed mutation triggers at most one
// evaluation per subscription.
type StoreManager struct {
	store store.Store
	quota *Quota

	mu     sync.Mutex
	byConn map[string]map[int64]*storeSub

	cancel func()
	pushFn func(conn *registry.Conn, frame []byte)
	logger *log.Logger
}

// NewStoreManager wires the manager into the Store's change feed. pushFn
// delivers a frame to a connection; the default sends on the connection
// transport.
func NewStoreManager(st store.Store, quota *Quota) *StoreManager {
	m := &StoreManager{
		store:  st,
		quota:  quota,
		byConn: make(map[string]map[int64]*storeSub),
		logger: log.New(log.Writer(), "[LIVEQUERY] ", log.LstdFlags),
	}
	m.pushFn = func(conn *registry.Conn, frame []byte) { conn.Send(frame) }
	m.cancel = st.OnChange(m.evaluate)
	return m
}

// Close detaches the manager from the Store's change feed.
func (m *StoreManager) Close() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Subscribe resolves the named query, executes it for the initial snapshot,
// and registers the live view. The snapshot is returned to the caller.
func (m *StoreManager) Subscribe(conn *registry.Conn, query string, params map[string]interface{}) (int64, interface{}, error) {
	if !m.store.HasQuery(query) {
		return 0, nil, protocol.Errorf(protocol.CodeQueryNotDefined, "Query %q not defined", query)
	}
	if err := m.quota.Acquire(conn); err != nil {
		return 0, nil, err
	}

	result, err := m.store.RunQuery(query, params)
	if err != nil {
		m.quota.Release()
		return 0, nil, err
	}
	snapshot, err := canonicalJSON(result)
	if err != nil {
		m.quota.Release()
		return 0, nil, err
	}

	sub := &storeSub{
		conn:     conn,
		id:       conn.NextSubID(),
		query:    query,
		params:   params,
		snapshot: snapshot,
	}

	m.mu.Lock()
	if m.byConn[conn.ID] == nil {
		m.byConn[conn.ID] = make(map[int64]*storeSub)
	}
	m.byConn[conn.ID][sub.id] = sub
	m.mu.Unlock()

	conn.AddStoreSubs(1)
	return sub.id, result, nil
}

// Unsubscribe removes one subscription. Unknown or already-removed ids fail
// with NOT_FOUND.
func (m *StoreManager) Unsubscribe(conn *registry.Conn, id int64) error {
	m.mu.Lock()
	subs := m.byConn[conn.ID]
	if subs == nil {
		m.mu.Unlock()
		return protocol.Errorf(protocol.CodeNotFound, "Subscription %d not found", id)
	}
	if _, exists := subs[id]; !exists {
		m.mu.Unlock()
		return protocol.Errorf(protocol.CodeNotFound, "Subscription %d not found", id)
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.byConn, conn.ID)
	}
	m.mu.Unlock()

	conn.AddStoreSubs(-1)
	m.quota.Release()
	return nil
}

// DropConn removes every subscription of a closing connection. Cleanup runs
// exactly once; a second call finds nothing.
func (m *StoreManager) DropConn(connID string) int {
	m.mu.Lock()
	subs := m.byConn[connID]
	delete(m.byConn, connID)
	m.mu.Unlock()

	for range subs {
		m.quota.Release()
	}
	return len(subs)
}

// Count returns the number of live store subscriptions.
func (m *StoreManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.byConn {
		n += len(subs)
	}
	return n
}

// evaluate re-runs every live query after a committed mutation, pushing to
// subscribers whose result changed. The Store does not say which queries a
// mutation affects, so all of them re-run. Evaluation errors skip the tick
// and keep the subscription alive.
func (m *StoreManager) evaluate(_ []string) {
	m.mu.Lock()
	all := make([]*storeSub, 0)
	for _, subs := range m.byConn {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		result, err := m.store.RunQuery(sub.query, sub.params)
		if err != nil {
			m.logger.Printf("Evaluation of %q failed for sub %d: %v", sub.query, sub.id, err)
			continue
		}
		next, err := canonicalJSON(result)
		if err != nil {
			m.logger.Printf("Snapshot encoding failed for sub %d: %v", sub.id, err)
			continue
		}

		m.mu.Lock()
		subs, live := m.byConn[sub.conn.ID]
		if live {
			_, live = subs[sub.id]
		}
		changed := live && !bytes.Equal(sub.snapshot, next)
		if changed {
			sub.snapshot = next
		}
		m.mu.Unlock()

		if changed {
			metrics.PushesTotal.WithLabelValues(protocol.ChannelSubscription).Inc()
			m.pushFn(sub.conn, protocol.EncodePush(protocol.ChannelSubscription, sub.id, json.RawMessage(next)))
		}
	}
}

// canonicalJSON encodes a query result for byte-wise change comparison.
// encoding/json sorts map keys, so equal values encode identically.
func canonicalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "Snapshot not serializable: %s", err.Error())
	}
	return data, nil
}
