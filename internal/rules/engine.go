// Package rules defines the narrow interface the gateway consumes from its
// RuleEngine collaborator and an in-memory topic/fact engine behind it.
package rules

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Event is one emitted topic event as seen by subscribers.
type Event struct {
	Topic         string                 `json:"topic"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	At            int64                  `json:"at"`
}

// Engine is the collaborator interface the gateway routes rules.* through.
type Engine interface {
	Emit(topic string, data map[string]interface{}, correlationID string)
	SetFact(key string, value interface{})
	GetFact(key string) (interface{}, bool)
	DeleteFact(key string) bool
	QueryFacts(pattern string) map[string]interface{}
	AllFacts() map[string]interface{}
	// Subscribe registers a pattern-matched event callback; the returned
	// func cancels it.
	Subscribe(pattern string, fn func(ev Event)) (cancel func())
	Stats() map[string]interface{}
}

// MatchTopic reports whether a glob pattern matches a dot-separated topic.
// "*" matches exactly one segment, "**" matches any number of trailing
// segments; a bare "**" pattern matches everything, while a bare "*" matches
// only single-segment topics.
func MatchTopic(pattern, topic string) bool {
	if pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(segs) == 0 {
				return false
			}
		default:
			if len(segs) == 0 || segs[0] != pat[0] {
				return false
			}
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

type subscriber struct {
	pattern string
	fn      func(ev Event)
}

// Memory is the in-memory rule engine: glob-matched topic fan-out plus a
// key/value fact store. Fact mutations emit fact.set / fact.deleted events
// so subscribers can observe them like any other topic.
type Memory struct {
	mu          sync.RWMutex
	facts       map[string]interface{}
	subscribers map[int]*subscriber
	nextSub     int

	emitted int64
	logger  *log.Logger
}

// NewMemory creates an empty rule engine.
func NewMemory() *Memory {
	return &Memory{
		facts:       make(map[string]interface{}),
		subscribers: make(map[int]*subscriber),
		logger:      log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}
}

// Emit delivers an event to every subscriber whose pattern matches.
// Callbacks run outside the engine lock.
func (m *Memory) Emit(topic string, data map[string]interface{}, correlationID string) {
	ev := Event{
		Topic:         topic,
		Data:          data,
		CorrelationID: correlationID,
		At:            time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.emitted++
	matched := make([]func(Event), 0)
	for _, sub := range m.subscribers {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range matched {
		fn(ev)
	}
}

// SetFact stores a fact and emits fact.set.
func (m *Memory) SetFact(key string, value interface{}) {
	m.mu.Lock()
	m.facts[key] = value
	m.mu.Unlock()
	m.Emit("fact.set", map[string]interface{}{"key": key, "value": value}, "")
}

// GetFact returns a fact value if present.
func (m *Memory) GetFact(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.facts[key]
	return v, ok
}

// DeleteFact removes a fact; it emits fact.deleted only when the fact
// existed.
func (m *Memory) DeleteFact(key string) bool {
	m.mu.Lock()
	_, existed := m.facts[key]
	delete(m.facts, key)
	m.mu.Unlock()
	if existed {
		m.Emit("fact.deleted", map[string]interface{}{"key": key}, "")
	}
	return existed
}

// QueryFacts returns all facts whose key matches the glob pattern.
func (m *Memory) QueryFacts(pattern string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{})
	for k, v := range m.facts {
		if MatchTopic(pattern, k) {
			out[k] = v
		}
	}
	return out
}

// AllFacts returns a copy of the fact table.
func (m *Memory) AllFacts() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.facts))
	for k, v := range m.facts {
		out[k] = v
	}
	return out
}

// Subscribe registers an event callback for a glob pattern.
func (m *Memory) Subscribe(pattern string, fn func(ev Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = &subscriber{pattern: pattern, fn: fn}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Stats returns engine statistics.
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"facts":       len(m.facts),
		"subscribers": len(m.subscribers),
		"emitted":     m.emitted,
		"engine":      "memory",
	}
}

var _ Engine = (*Memory)(nil)
