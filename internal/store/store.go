// Package store defines the narrow interface the gateway consumes from its
// Store collaborator, plus an in-memory reference engine used by the gateway
// binary and the test suite. The storage engine behind this interface owns
// schema validation, query evaluation, and mutation transactionality; the
// gateway only routes into it.
package store

// Doc is one schemaless-looking document. The engine injects "id",
// "_version", "_createdAt" and "_updatedAt".
type Doc = map[string]interface{}

// FieldSpec describes one schema field of a bucket.
type FieldSpec struct {
	Type     string `json:"type,omitempty"` // string|number|boolean|object|array
	Required bool   `json:"required,omitempty"`
	Unique   bool   `json:"unique,omitempty"`
}

// BucketConfig carries the per-bucket schema. An empty schema accepts any
// document.
type BucketConfig struct {
	Schema map[string]FieldSpec `json:"schema,omitempty"`
}

// Page is the result of a paginate call.
type Page struct {
	Items  []Doc `json:"items"`
	Total  int   `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

// Bucket is the per-bucket operation surface.
type Bucket interface {
	Insert(doc Doc) (Doc, error)
	Get(id string) (Doc, error)
	Update(id string, patch Doc) (Doc, error)
	Delete(id string) error
	Clear() error
	All() ([]Doc, error)
	Where(filter map[string]interface{}) ([]Doc, error)
	FindOne(filter map[string]interface{}) (Doc, error)
	Count(filter map[string]interface{}) (int, error)
	First() (Doc, error)
	Last() (Doc, error)
	Paginate(offset, limit int) (*Page, error)
	Sum(field string) (float64, error)
	Avg(field string) (float64, error)
	Min(field string) (float64, error)
	Max(field string) (float64, error)
}

// QueryContext is what a named query sees while executing.
type QueryContext interface {
	Bucket(name string) (Bucket, error)
}

// QueryFunc is a registered named query.
type QueryFunc func(ctx QueryContext, params map[string]interface{}) (interface{}, error)

// Tx is the transactional view handed to Transaction callbacks. Reads inside
// the transaction observe the transaction's own writes.
type Tx interface {
	Bucket(name string) (Bucket, error)
}

// Store is the collaborator interface the gateway routes store.* operations
// through.
type Store interface {
	DefineBucket(name string, cfg BucketConfig) error
	DropBucket(name string) error
	Bucket(name string) (Bucket, error)
	BucketNames() []string
	DefineQuery(name string, fn QueryFunc)
	RunQuery(name string, params map[string]interface{}) (interface{}, error)
	HasQuery(name string) bool
	Transaction(fn func(tx Tx) error) error
	// OnChange registers a change listener invoked with the names of buckets
	// touched by each committed mutation. The returned func cancels it.
	OnChange(fn func(buckets []string)) (cancel func())
	// Settle blocks until all queued change notifications have been
	// delivered.
	Settle()
	Stats() map[string]interface{}
}
