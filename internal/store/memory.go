package store

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopydb/gateway/internal/protocol"
)

// Memory is the in-memory reference Store engine. It keeps documents in
// insertion order per bucket, validates against the bucket schema, and
// delivers change notifications from a single worker goroutine so listeners
// observe commits in order.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	queries map[string]QueryFunc

	listenerMu   sync.Mutex
	listeners    map[int]func([]string)
	nextListener int

	notifyCh chan notifyJob
	logger   *log.Logger
}

type memBucket struct {
	cfg   BucketConfig
	order []string
	docs  map[string]Doc
}

type notifyJob struct {
	buckets []string
	done    chan struct{} // non-nil only for Settle sentinels
}

// NewMemory creates an empty in-memory store and starts its notification
// worker.
func NewMemory() *Memory {
	m := &Memory{
		buckets:   make(map[string]*memBucket),
		queries:   make(map[string]QueryFunc),
		listeners: make(map[int]func([]string)),
		notifyCh:  make(chan notifyJob, 256),
		logger:    log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	go m.notifyLoop()
	return m
}

func (m *Memory) notifyLoop() {
	for job := range m.notifyCh {
		if job.done != nil {
			close(job.done)
			continue
		}
		m.listenerMu.Lock()
		fns := make([]func([]string), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
		m.listenerMu.Unlock()
		for _, fn := range fns {
			fn(job.buckets)
		}
	}
}

func (m *Memory) enqueueNotify(buckets []string) {
	if len(buckets) == 0 {
		return
	}
	m.notifyCh <- notifyJob{buckets: buckets}
}

// OnChange registers a change listener; the returned func removes it.
func (m *Memory) OnChange(fn func(buckets []string)) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		delete(m.listeners, id)
	}
}

// Settle blocks until every notification queued before the call has been
// delivered.
func (m *Memory) Settle() {
	done := make(chan struct{})
	m.notifyCh <- notifyJob{done: done}
	<-done
}

// DefineBucket creates a bucket. Redefining an existing bucket fails.
func (m *Memory) DefineBucket(name string, cfg BucketConfig) error {
	if name == "" {
		return protocol.NewError(protocol.CodeValidation, "Bucket name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.buckets[name]; exists {
		return protocol.Errorf(protocol.CodeAlreadyExists, "Bucket %q already defined", name)
	}
	m.buckets[name] = &memBucket{cfg: cfg, docs: make(map[string]Doc)}
	m.logger.Printf("Defined bucket %q (%d schema fields)", name, len(cfg.Schema))
	return nil
}

// DropBucket removes a bucket and its documents.
func (m *Memory) DropBucket(name string) error {
	m.mu.Lock()
	if _, exists := m.buckets[name]; !exists {
		m.mu.Unlock()
		return protocol.Errorf(protocol.CodeBucketNotDefined, "Bucket %q not defined", name)
	}
	delete(m.buckets, name)
	m.mu.Unlock()
	m.logger.Printf("Dropped bucket %q", name)
	m.enqueueNotify([]string{name})
	return nil
}

// Bucket returns a live handle; operations on it lock per call.
func (m *Memory) Bucket(name string) (Bucket, error) {
	m.mu.Lock()
	_, exists := m.buckets[name]
	m.mu.Unlock()
	if !exists {
		return nil, protocol.Errorf(protocol.CodeBucketNotDefined, "Bucket %q not defined", name)
	}
	return &liveBucket{store: m, name: name}, nil
}

// BucketNames returns all bucket names, sorted.
func (m *Memory) BucketNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefineQuery registers a named query, replacing any previous definition.
func (m *Memory) DefineQuery(name string, fn QueryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[name] = fn
}

// HasQuery reports whether a named query exists.
func (m *Memory) HasQuery(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queries[name]
	return ok
}

// RunQuery executes a named query against the live store.
func (m *Memory) RunQuery(name string, params map[string]interface{}) (interface{}, error) {
	m.mu.Lock()
	fn, ok := m.queries[name]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeQueryNotDefined, "Query %q not defined", name)
	}
	return fn(&liveContext{store: m}, params)
}

type liveContext struct{ store *Memory }

func (c *liveContext) Bucket(name string) (Bucket, error) { return c.store.Bucket(name) }

// Stats returns engine statistics.
func (m *Memory) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := 0
	perBucket := make(map[string]int, len(m.buckets))
	for name, b := range m.buckets {
		docs += len(b.order)
		perBucket[name] = len(b.order)
	}
	return map[string]interface{}{
		"buckets":         len(m.buckets),
		"documents":       docs,
		"documentsPer":    perBucket,
		"queries":         len(m.queries),
		"engine":          "memory",
		"collectedAtUnix": time.Now().Unix(),
	}
}

// ---------------------------------------------------------------------------
// Live bucket handle
// ---------------------------------------------------------------------------

type liveBucket struct {
	store *Memory
	name  string
}

func (b *liveBucket) with(fn func(mb *memBucket) error) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	mb, exists := b.store.buckets[b.name]
	if !exists {
		return protocol.Errorf(protocol.CodeBucketNotDefined, "Bucket %q not defined", b.name)
	}
	return fn(mb)
}

func (b *liveBucket) Insert(doc Doc) (Doc, error) {
	var out Doc
	err := b.with(func(mb *memBucket) error {
		inserted, err := mb.insert(doc)
		if err != nil {
			return err
		}
		out = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.store.enqueueNotify([]string{b.name})
	return out, nil
}

func (b *liveBucket) Get(id string) (Doc, error) {
	var out Doc
	err := b.with(func(mb *memBucket) error {
		doc, err := mb.get(id)
		if err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

func (b *liveBucket) Update(id string, patch Doc) (Doc, error) {
	var out Doc
	err := b.with(func(mb *memBucket) error {
		updated, err := mb.update(id, patch)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.store.enqueueNotify([]string{b.name})
	return out, nil
}

func (b *liveBucket) Delete(id string) error {
	err := b.with(func(mb *memBucket) error { return mb.remove(id) })
	if err != nil {
		return err
	}
	b.store.enqueueNotify([]string{b.name})
	return nil
}

func (b *liveBucket) Clear() error {
	err := b.with(func(mb *memBucket) error {
		mb.order = nil
		mb.docs = make(map[string]Doc)
		return nil
	})
	if err != nil {
		return err
	}
	b.store.enqueueNotify([]string{b.name})
	return nil
}

func (b *liveBucket) All() ([]Doc, error) {
	var out []Doc
	err := b.with(func(mb *memBucket) error { out = mb.all(); return nil })
	return out, err
}

func (b *liveBucket) Where(filter map[string]interface{}) ([]Doc, error) {
	var out []Doc
	err := b.with(func(mb *memBucket) error {
		docs, err := mb.where(filter)
		out = docs
		return err
	})
	return out, err
}

func (b *liveBucket) FindOne(filter map[string]interface{}) (Doc, error) {
	docs, err := b.Where(filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (b *liveBucket) Count(filter map[string]interface{}) (int, error) {
	if len(filter) == 0 {
		var n int
		err := b.with(func(mb *memBucket) error { n = len(mb.order); return nil })
		return n, err
	}
	docs, err := b.Where(filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (b *liveBucket) First() (Doc, error) {
	var out Doc
	err := b.with(func(mb *memBucket) error {
		if len(mb.order) > 0 {
			out = cloneDoc(mb.docs[mb.order[0]])
		}
		return nil
	})
	return out, err
}

func (b *liveBucket) Last() (Doc, error) {
	var out Doc
	err := b.with(func(mb *memBucket) error {
		if len(mb.order) > 0 {
			out = cloneDoc(mb.docs[mb.order[len(mb.order)-1]])
		}
		return nil
	})
	return out, err
}

func (b *liveBucket) Paginate(offset, limit int) (*Page, error) {
	var out *Page
	err := b.with(func(mb *memBucket) error {
		out = mb.paginate(offset, limit)
		return nil
	})
	return out, err
}

func (b *liveBucket) Sum(field string) (float64, error) { return b.aggregate(field, "sum") }
func (b *liveBucket) Avg(field string) (float64, error) { return b.aggregate(field, "avg") }
func (b *liveBucket) Min(field string) (float64, error) { return b.aggregate(field, "min") }
func (b *liveBucket) Max(field string) (float64, error) { return b.aggregate(field, "max") }

func (b *liveBucket) aggregate(field, op string) (float64, error) {
	var out float64
	err := b.with(func(mb *memBucket) error {
		out = mb.aggregate(field, op)
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Bucket internals (caller holds the store lock)
// ---------------------------------------------------------------------------

func (mb *memBucket) insert(doc Doc) (Doc, error) {
	stored := cloneDoc(doc)
	if _, has := stored["id"]; !has {
		stored["id"] = uuid.NewString()
	}
	id, ok := stored["id"].(string)
	if !ok || id == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Document id must be a non-empty string")
	}
	if _, exists := mb.docs[id]; exists {
		return nil, protocol.Errorf(protocol.CodeConflict, "Document %q already exists", id)
	}

	now := time.Now().UnixMilli()
	stored["_version"] = int64(1)
	stored["_createdAt"] = now
	stored["_updatedAt"] = now

	if err := mb.validate(stored, id); err != nil {
		return nil, err
	}

	mb.docs[id] = stored
	mb.order = append(mb.order, id)
	return cloneDoc(stored), nil
}

func (mb *memBucket) get(id string) (Doc, error) {
	doc, exists := mb.docs[id]
	if !exists {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Document %q not found", id)
	}
	return cloneDoc(doc), nil
}

func (mb *memBucket) update(id string, patch Doc) (Doc, error) {
	doc, exists := mb.docs[id]
	if !exists {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Document %q not found", id)
	}

	merged := cloneDoc(doc)
	for k, v := range patch {
		switch k {
		case "id", "_version", "_createdAt", "_updatedAt":
			// Engine-owned fields are not patchable.
		default:
			merged[k] = v
		}
	}
	merged["_version"] = asInt64(doc["_version"]) + 1
	merged["_updatedAt"] = time.Now().UnixMilli()

	if err := mb.validate(merged, id); err != nil {
		return nil, err
	}

	mb.docs[id] = merged
	return cloneDoc(merged), nil
}

func (mb *memBucket) remove(id string) error {
	if _, exists := mb.docs[id]; !exists {
		return protocol.Errorf(protocol.CodeNotFound, "Document %q not found", id)
	}
	delete(mb.docs, id)
	for i, existing := range mb.order {
		if existing == id {
			mb.order = append(mb.order[:i], mb.order[i+1:]...)
			break
		}
	}
	return nil
}

func (mb *memBucket) all() []Doc {
	out := make([]Doc, 0, len(mb.order))
	for _, id := range mb.order {
		out = append(out, cloneDoc(mb.docs[id]))
	}
	return out
}

func (mb *memBucket) where(filter map[string]interface{}) ([]Doc, error) {
	out := make([]Doc, 0)
	for _, id := range mb.order {
		ok, err := matchFilter(mb.docs[id], filter)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeValidation, "Invalid filter: %s", err.Error())
		}
		if ok {
			out = append(out, cloneDoc(mb.docs[id]))
		}
	}
	return out, nil
}

func (mb *memBucket) paginate(offset, limit int) *Page {
	total := len(mb.order)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	items := make([]Doc, 0, limit)
	for i := offset; i < total && len(items) < limit; i++ {
		items = append(items, cloneDoc(mb.docs[mb.order[i]]))
	}
	return &Page{Items: items, Total: total, Offset: offset, Limit: limit}
}

func (mb *memBucket) aggregate(field, op string) float64 {
	var sum, min, max float64
	count := 0
	for _, id := range mb.order {
		v, ok := toFloat(mb.docs[id][field])
		if !ok {
			continue
		}
		if count == 0 {
			min, max = v, v
		} else {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		sum += v
		count++
	}
	switch op {
	case "sum":
		return sum
	case "avg":
		if count == 0 {
			return 0
		}
		return sum / float64(count)
	case "min":
		return min
	case "max":
		return max
	}
	return 0
}

func (mb *memBucket) validate(doc Doc, selfID string) error {
	for field, spec := range mb.cfg.Schema {
		value, present := doc[field]
		if !present || value == nil {
			if spec.Required {
				return protocol.Errorf(protocol.CodeValidation, "Field %q is required", field)
			}
			continue
		}
		if spec.Type != "" && !typeMatches(value, spec.Type) {
			return protocol.Errorf(protocol.CodeValidation, "Field %q must be of type %s", field, spec.Type)
		}
		if spec.Unique {
			for id, other := range mb.docs {
				if id == selfID {
					continue
				}
				if valuesEqual(other[field], value) {
					return protocol.Errorf(protocol.CodeConflict, "Field %q must be unique", field)
				}
			}
		}
	}
	return nil
}

func typeMatches(v interface{}, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	}
	return true
}

func cloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Transaction runs fn against a staged copy of every bucket it touches.
// Reads inside the transaction see the transaction's own writes. On success
// the staged buckets replace the live ones atomically and a single change
// notification is queued for the touched buckets; on error nothing is
// applied.
func (m *Memory) Transaction(fn func(tx Tx) error) error {
	m.mu.Lock()
	view := &txView{store: m, staged: make(map[string]*memBucket)}
	err := fn(view)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	touched := make([]string, 0, len(view.staged))
	for name, staged := range view.staged {
		m.buckets[name] = staged
		touched = append(touched, name)
	}
	sort.Strings(touched)
	m.mu.Unlock()

	m.enqueueNotify(touched)
	return nil
}

type txView struct {
	store  *Memory
	staged map[string]*memBucket
}

func (tx *txView) Bucket(name string) (Bucket, error) {
	if staged, ok := tx.staged[name]; ok {
		return &txBucket{mb: staged}, nil
	}
	live, exists := tx.store.buckets[name]
	if !exists {
		return nil, protocol.Errorf(protocol.CodeBucketNotDefined, "Bucket %q not defined", name)
	}
	staged := &memBucket{
		cfg:   live.cfg,
		order: append([]string(nil), live.order...),
		docs:  make(map[string]Doc, len(live.docs)),
	}
	for id, doc := range live.docs {
		staged.docs[id] = cloneDoc(doc)
	}
	tx.staged[name] = staged
	return &txBucket{mb: staged}, nil
}

// txBucket operates directly on a staged bucket; the store lock is held for
// the duration of the transaction.
type txBucket struct{ mb *memBucket }

func (b *txBucket) Insert(doc Doc) (Doc, error)           { return b.mb.insert(doc) }
func (b *txBucket) Get(id string) (Doc, error)            { return b.mb.get(id) }
func (b *txBucket) Update(id string, p Doc) (Doc, error)  { return b.mb.update(id, p) }
func (b *txBucket) Delete(id string) error                { return b.mb.remove(id) }
func (b *txBucket) All() ([]Doc, error)                   { return b.mb.all(), nil }
func (b *txBucket) Where(f map[string]interface{}) ([]Doc, error) { return b.mb.where(f) }

func (b *txBucket) Clear() error {
	b.mb.order = nil
	b.mb.docs = make(map[string]Doc)
	return nil
}

func (b *txBucket) FindOne(f map[string]interface{}) (Doc, error) {
	docs, err := b.mb.where(f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (b *txBucket) Count(f map[string]interface{}) (int, error) {
	if len(f) == 0 {
		return len(b.mb.order), nil
	}
	docs, err := b.mb.where(f)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (b *txBucket) First() (Doc, error) {
	if len(b.mb.order) == 0 {
		return nil, nil
	}
	return cloneDoc(b.mb.docs[b.mb.order[0]]), nil
}

func (b *txBucket) Last() (Doc, error) {
	if len(b.mb.order) == 0 {
		return nil, nil
	}
	return cloneDoc(b.mb.docs[b.mb.order[len(b.mb.order)-1]]), nil
}

func (b *txBucket) Paginate(offset, limit int) (*Page, error) {
	return b.mb.paginate(offset, limit), nil
}

func (b *txBucket) Sum(field string) (float64, error) { return b.mb.aggregate(field, "sum"), nil }
func (b *txBucket) Avg(field string) (float64, error) { return b.mb.aggregate(field, "avg"), nil }
func (b *txBucket) Min(field string) (float64, error) { return b.mb.aggregate(field, "min"), nil }
func (b *txBucket) Max(field string) (float64, error) { return b.mb.aggregate(field, "max"), nil }

var _ Store = (*Memory)(nil)
