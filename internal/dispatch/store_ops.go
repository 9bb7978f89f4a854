package dispatch

import (
	"strings"

	"github.com/canopydb/gateway/internal/auth"
	"github.com/canopydb/gateway/internal/metrics"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

// storeParams carries the flat parameter surface shared by the store
// handlers. The request envelope already uses "id", so documents are
// addressed with "docId" on the wire.
type storeParams struct {
	Bucket string                     `json:"bucket"`
	Schema map[string]store.FieldSpec `json:"schema"`
	ID     string                     `json:"docId"`
	Data   map[string]interface{}     `json:"data"`
	Filter map[string]interface{}     `json:"filter"`
	Field  string                     `json:"field"`
	Offset int                        `json:"offset"`
	Limit  int                        `json:"limit"`
}

func (d *Dispatcher) storeParams(req *protocol.Request, needBucket bool) (*storeParams, *protocol.Error) {
	var p storeParams
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if needBucket && p.Bucket == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Bucket name required")
	}
	return &p, nil
}

func (d *Dispatcher) storeDefineBucket(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	if err := d.Store.DefineBucket(p.Bucket, store.BucketConfig{Schema: p.Schema}); err != nil {
		return nil, protocol.AsError(err)
	}
	// The creating user owns the bucket; ownership implies every operation
	// on it and is the anchor for identity.transferOwner.
	if d.Identity != nil {
		if sess := conn.Session(); sess != nil {
			if err := d.Identity.SetOwner("bucket", p.Bucket, sess.UserID); err != nil {
				d.logger.Printf("Ownership record for bucket %q failed: %v", p.Bucket, err)
			}
		}
	}
	return map[string]interface{}{"bucket": p.Bucket, "defined": true}, nil
}

func (d *Dispatcher) storeDropBucket(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	if err := d.Store.DropBucket(p.Bucket); err != nil {
		return nil, protocol.AsError(err)
	}
	// Orphaned grants and ownership rows for the bucket go with it.
	if d.Identity != nil {
		if err := d.Identity.DropResourceCascade("bucket", p.Bucket); err != nil {
			d.logger.Printf("ACL cascade for dropped bucket %q failed: %v", p.Bucket, err)
		}
	}
	return map[string]interface{}{"bucket": p.Bucket, "dropped": true}, nil
}

func (d *Dispatcher) storeBuckets(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	names := make([]string, 0)
	for _, name := range d.Store.BucketNames() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	return map[string]interface{}{"buckets": names}, nil
}

func (d *Dispatcher) storeStats(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	return d.Store.Stats(), nil
}

func (d *Dispatcher) bucket(name string) (store.Bucket, *protocol.Error) {
	b, err := d.Store.Bucket(name)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return b, nil
}

func (d *Dispatcher) storeInsert(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.Insert(p.Data)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storeGet(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.Get(p.ID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storeUpdate(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.Update(p.ID, p.Data)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storeDelete(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	if err := b.Delete(p.ID); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"deleted": true, "id": p.ID}, nil
}

func (d *Dispatcher) storeClear(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	if err := b.Clear(); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"cleared": true, "bucket": p.Bucket}, nil
}

func (d *Dispatcher) storeAll(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	docs, err := b.All()
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return docs, nil
}

func (d *Dispatcher) storeWhere(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	docs, err := b.Where(p.Filter)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return docs, nil
}

func (d *Dispatcher) storeFindOne(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.FindOne(p.Filter)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storeCount(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	n, err := b.Count(p.Filter)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"count": n}, nil
}

func (d *Dispatcher) storeFirst(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.First()
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storeLast(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	doc, err := b.Last()
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return doc, nil
}

func (d *Dispatcher) storePaginate(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}
	page, err := b.Paginate(p.Offset, p.Limit)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return page, nil
}

func (d *Dispatcher) storeAggregate(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	p, perr := d.storeParams(req, true)
	if perr != nil {
		return nil, perr
	}
	if p.Field == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Field required")
	}
	b, berr := d.bucket(p.Bucket)
	if berr != nil {
		return nil, berr
	}

	var (
		value float64
		err   error
	)
	switch req.Type {
	case "store.sum":
		value, err = b.Sum(p.Field)
	case "store.avg":
		value, err = b.Avg(p.Field)
	case "store.min":
		value, err = b.Min(p.Field)
	case "store.max":
		value, err = b.Max(p.Field)
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"value": value}, nil
}

// txOp is one mutation inside a store.transaction request.
type txOp struct {
	Op     string                 `json:"op"`
	Bucket string                 `json:"bucket"`
	ID     string                 `json:"id"`
	Data   map[string]interface{} `json:"data"`
}

func (d *Dispatcher) storeTransaction(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Operations []txOp `json:"operations"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if len(p.Operations) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "Transaction requires at least one operation")
	}

	// Each referenced bucket is admitted individually; one forbidden bucket
	// fails the whole transaction before any write happens.
	for _, op := range p.Operations {
		if op.Bucket == "" {
			return nil, protocol.NewError(protocol.CodeValidation, "Transaction operation requires a bucket")
		}
		if err := d.Auth.Admit(conn, req.Type, auth.Resource{Type: "bucket", Name: op.Bucket}); err != nil {
			return nil, err
		}
	}

	results := make([]interface{}, 0, len(p.Operations))
	err := d.Store.Transaction(func(tx store.Tx) error {
		for _, op := range p.Operations {
			b, err := tx.Bucket(op.Bucket)
			if err != nil {
				return err
			}
			switch op.Op {
			case "insert":
				doc, err := b.Insert(op.Data)
				if err != nil {
					return err
				}
				results = append(results, doc)
			case "update":
				doc, err := b.Update(op.ID, op.Data)
				if err != nil {
					return err
				}
				results = append(results, doc)
			case "delete":
				if err := b.Delete(op.ID); err != nil {
					return err
				}
				results = append(results, map[string]interface{}{"deleted": true, "id": op.ID})
			case "clear":
				if err := b.Clear(); err != nil {
					return err
				}
				results = append(results, map[string]interface{}{"cleared": true, "bucket": op.Bucket})
			case "get":
				doc, err := b.Get(op.ID)
				if err != nil {
					return err
				}
				results = append(results, doc)
			default:
				return protocol.Errorf(protocol.CodeValidation, "Unknown transaction op %q", op.Op)
			}
		}
		return nil
	})
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"success": true, "results": results}, nil
}

func (d *Dispatcher) storeSubscribe(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Query  string                 `json:"query"`
		Params map[string]interface{} `json:"params"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Query name required")
	}
	id, snapshot, err := d.StoreSubs.Subscribe(conn, p.Query, p.Params)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	metrics.SubscriptionsActive.WithLabelValues("store").Inc()
	return map[string]interface{}{"subscriptionId": id, "data": snapshot}, nil
}

func (d *Dispatcher) storeUnsubscribe(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		SubscriptionID int64 `json:"subscriptionId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := d.StoreSubs.Unsubscribe(conn, p.SubscriptionID); err != nil {
		return nil, protocol.AsError(err)
	}
	metrics.SubscriptionsActive.WithLabelValues("store").Dec()
	return map[string]interface{}{"unsubscribed": true, "subscriptionId": p.SubscriptionID}, nil
}
