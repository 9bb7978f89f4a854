// Package procedures stores and interprets declarative step programs that
// run against the Store and RuleEngine on behalf of clients.
package procedures

import (
	"log"
	"sync"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/store"
)

// Condition gates an "if" step: a dotted ref into the bindings compared to a
// literal value.
type Condition struct {
	Ref      string      `json:"ref"`
	Operator string      `json:"operator"` // eq|neq|gt|gte|lt|lte
	Value    interface{} `json:"value"`
}

// Step is one instruction of a procedure. Which fields apply depends on
// Action; see the interpreter.
type Step struct {
	Action string `json:"action"`
	As     string `json:"as,omitempty"`

	// store.* actions
	Bucket string                 `json:"bucket,omitempty"`
	ID     string                 `json:"id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Filter map[string]interface{} `json:"filter,omitempty"`

	// rules.emit
	Topic   string                 `json:"topic,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`

	// aggregate
	Source string `json:"source,omitempty"`
	Field  string `json:"field,omitempty"`
	Op     string `json:"op,omitempty"` // sum|avg|min|max|count

	// if
	Condition *Condition `json:"condition,omitempty"`
	Then      []Step     `json:"then,omitempty"`
	Else      []Step     `json:"else,omitempty"`

	// return
	Value interface{} `json:"value,omitempty"`
}

// Procedure is a named, persisted step program.
type Procedure struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Input       map[string]store.FieldSpec `json:"input,omitempty"`
	Steps       []Step                     `json:"steps"`
	Transaction bool                       `json:"transaction,omitempty"`
}

// Summary is the list-view projection of a procedure.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepsCount  int    `json:"stepsCount"`
}

// Registry holds registered procedures.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Procedure
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Procedure),
		logger: log.New(log.Writer(), "[PROCEDURES] ", log.LstdFlags),
	}
}

// Register stores a new procedure. Duplicate names and empty step lists are
// rejected.
func (r *Registry) Register(p *Procedure) error {
	if p.Name == "" {
		return protocol.NewError(protocol.CodeValidation, "Procedure name required")
	}
	if len(p.Steps) == 0 {
		return protocol.NewError(protocol.CodeValidation, "Procedure must have at least one step")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name]; exists {
		return protocol.Errorf(protocol.CodeAlreadyExists, "Procedure %q already registered", p.Name)
	}
	r.byName[p.Name] = p
	r.logger.Printf("Registered procedure %q (%d steps)", p.Name, len(p.Steps))
	return nil
}

// Unregister removes a procedure.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return protocol.Errorf(protocol.CodeNotFound, "Procedure %q not found", name)
	}
	delete(r.byName, name)
	return nil
}

// Update merges a partial patch into an existing procedure.
func (r *Registry) Update(name string, patch *Procedure) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, exists := r.byName[name]
	if !exists {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %q not found", name)
	}
	merged := *existing
	if patch.Description != "" {
		merged.Description = patch.Description
	}
	if patch.Input != nil {
		merged.Input = patch.Input
	}
	if patch.Steps != nil {
		if len(patch.Steps) == 0 {
			return nil, protocol.NewError(protocol.CodeValidation, "Procedure must have at least one step")
		}
		merged.Steps = patch.Steps
	}
	merged.Transaction = patch.Transaction
	r.byName[name] = &merged
	return &merged, nil
}

// Get returns a procedure by name.
func (r *Registry) Get(name string) (*Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.byName[name]
	if !exists {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %q not found", name)
	}
	return p, nil
}

// List returns summaries of all procedures.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, Summary{
			Name:        p.Name,
			Description: p.Description,
			StepsCount:  len(p.Steps),
		})
	}
	return out
}

// Count returns the number of registered procedures.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
