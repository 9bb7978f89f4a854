package subscriptions

import (
	"log"
	"sync"

	"github.com/canopydb/gateway/internal/metrics"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/rules"
)

type ruleSub struct {
	conn    *registry.Conn
	id      int64
	pattern string
	cancel  func()
}

// RulesManager owns all rules subscriptions: glob patterns fanned out from
// the RuleEngine to connections. No snapshot and no dedup: every matching
// event pushes.
type RulesManager struct {
	engine rules.Engine
	quota  *Quota

	mu     sync.Mutex
	byConn map[string]map[int64]*ruleSub

	pushFn func(conn *registry.Conn, frame []byte)
	logger *log.Logger
}

// NewRulesManager creates the manager. engine may be nil when no RuleEngine
// is configured; Subscribe then fails with RULES_NOT_AVAILABLE.
func NewRulesManager(engine rules.Engine, quota *Quota) *RulesManager {
	m := &RulesManager{
		engine: engine,
		quota:  quota,
		byConn: make(map[string]map[int64]*ruleSub),
		logger: log.New(log.Writer(), "[EVENTSUB] ", log.LstdFlags),
	}
	m.pushFn = func(conn *registry.Conn, frame []byte) { conn.Send(frame) }
	return m
}

// Subscribe registers a pattern subscription on the engine.
func (m *RulesManager) Subscribe(conn *registry.Conn, pattern string) (int64, error) {
	if m.engine == nil {
		return 0, protocol.NewError(protocol.CodeRulesUnavailable, "No rule engine configured")
	}
	if pattern == "" {
		return 0, protocol.NewError(protocol.CodeValidation, "Pattern required")
	}
	if err := m.quota.Acquire(conn); err != nil {
		return 0, err
	}

	sub := &ruleSub{conn: conn, id: conn.NextSubID(), pattern: pattern}
	sub.cancel = m.engine.Subscribe(pattern, func(ev rules.Event) {
		metrics.PushesTotal.WithLabelValues(protocol.ChannelEvent).Inc()
		m.pushFn(conn, protocol.EncodePush(protocol.ChannelEvent, sub.id, map[string]interface{}{
			"topic": ev.Topic,
			"event": ev.Data,
		}))
	})

	m.mu.Lock()
	if m.byConn[conn.ID] == nil {
		m.byConn[conn.ID] = make(map[int64]*ruleSub)
	}
	m.byConn[conn.ID][sub.id] = sub
	m.mu.Unlock()

	conn.AddRulesSubs(1)
	return sub.id, nil
}

// Unsubscribe cancels one subscription; unknown ids fail with NOT_FOUND.
func (m *RulesManager) Unsubscribe(conn *registry.Conn, id int64) error {
	if m.engine == nil {
		return protocol.NewError(protocol.CodeRulesUnavailable, "No rule engine configured")
	}
	m.mu.Lock()
	subs := m.byConn[conn.ID]
	sub := subs[id]
	if sub == nil {
		m.mu.Unlock()
		return protocol.Errorf(protocol.CodeNotFound, "Subscription %d not found", id)
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.byConn, conn.ID)
	}
	m.mu.Unlock()

	sub.cancel()
	conn.AddRulesSubs(-1)
	m.quota.Release()
	return nil
}

// DropConn cancels every subscription of a closing connection.
func (m *RulesManager) DropConn(connID string) int {
	m.mu.Lock()
	subs := m.byConn[connID]
	delete(m.byConn, connID)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		m.quota.Release()
	}
	return len(subs)
}

// Count returns the number of live rules subscriptions.
func (m *RulesManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.byConn {
		n += len(subs)
	}
	return n
}
