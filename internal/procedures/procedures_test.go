package procedures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/rules"
	"github.com/canopydb/gateway/internal/store"
)

func newInterp(t *testing.T) (*Interpreter, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.DefineBucket("orders", store.BucketConfig{}))
	return &Interpreter{Store: st, Rules: rules.NewMemory()}, st
}

func pcode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	pe, ok := err.(*protocol.Error)
	require.True(t, ok, "expected protocol error, got %T", err)
	return pe.Code
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	p := &Procedure{Name: "p1", Steps: []Step{{Action: "store.all", Bucket: "orders"}}}

	require.NoError(t, r.Register(p))
	assert.Equal(t, protocol.CodeAlreadyExists, pcode(t, r.Register(p)))
	assert.Equal(t, protocol.CodeValidation, pcode(t, r.Register(&Procedure{Name: ""})))
	assert.Equal(t, protocol.CodeValidation, pcode(t, r.Register(&Procedure{Name: "empty"})))

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Same(t, p, got)

	updated, err := r.Update("p1", &Procedure{Description: "does things"})
	require.NoError(t, err)
	assert.Equal(t, "does things", updated.Description)
	assert.Len(t, updated.Steps, 1, "unpatched fields survive")

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, Summary{Name: "p1", Description: "does things", StepsCount: 1}, list[0])

	require.NoError(t, r.Unregister("p1"))
	assert.Equal(t, protocol.CodeNotFound, pcode(t, r.Unregister("p1")))
	_, err = r.Get("p1")
	assert.Equal(t, protocol.CodeNotFound, pcode(t, err))
}

func TestTemplateResolution(t *testing.T) {
	env := map[string]interface{}{
		"input": map[string]interface{}{"qty": 3, "name": "ada"},
		"order": map[string]interface{}{"id": "o-1", "total": 9.5},
	}

	// A whole-string template keeps the referenced type.
	v, err := resolveTemplates("{{ input.qty }}", env)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	// Embedded templates interpolate as text.
	v, err = resolveTemplates("order {{ order.id }} for {{ input.name }}", env)
	require.NoError(t, err)
	assert.Equal(t, "order o-1 for ada", v)

	// Templates resolve recursively through objects and lists.
	v, err = resolveTemplates(map[string]interface{}{
		"ref":  "{{ order.id }}",
		"tags": []interface{}{"{{ input.name }}", "fixed"},
	}, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"ref":  "o-1",
		"tags": []interface{}{"ada", "fixed"},
	}, v)

	// Strings without templates pass through untouched.
	v, err = resolveTemplates("plain", env)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	_, err = resolveTemplates("{{ nowhere.at.all }}", env)
	assert.Equal(t, protocol.CodeValidation, pcode(t, err))
}

func TestCallBindsAndReturns(t *testing.T) {
	interp, st := newInterp(t)
	p := &Procedure{
		Name: "create-order",
		Input: map[string]store.FieldSpec{
			"total": {Type: "number", Required: true},
		},
		Steps: []Step{
			{Action: "store.insert", Bucket: "orders", As: "order",
				Data: map[string]interface{}{"total": "{{ input.total }}"}},
			{Action: "return", Value: map[string]interface{}{"orderId": "{{ order.id }}"}},
		},
	}

	res, err := interp.Call(p, map[string]interface{}{"total": 42})
	require.NoError(t, err)
	require.True(t, res.HasRet)
	order := res.Bindings["order"].(store.Doc)
	assert.Equal(t, 42, order["total"])
	ret := res.Returned.(map[string]interface{})
	assert.Equal(t, order["id"], ret["orderId"])

	b, _ := st.Bucket("orders")
	count, err := b.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCallInputValidation(t *testing.T) {
	interp, _ := newInterp(t)
	p := &Procedure{
		Name: "typed",
		Input: map[string]store.FieldSpec{
			"total": {Type: "number", Required: true},
		},
		Steps: []Step{{Action: "store.all", Bucket: "orders", As: "all"}},
	}

	_, err := interp.Call(p, nil)
	assert.Equal(t, protocol.CodeValidation, pcode(t, err), "missing required input")
	_, err = interp.Call(p, map[string]interface{}{"total": "lots"})
	assert.Equal(t, protocol.CodeValidation, pcode(t, err), "wrong input type")
}

func TestTransactionalCallAborts(t *testing.T) {
	interp, st := newInterp(t)
	p := &Procedure{
		Name:        "doomed",
		Transaction: true,
		Steps: []Step{
			{Action: "store.insert", Bucket: "orders", As: "order",
				Data: map[string]interface{}{"total": 1}},
			{Action: "store.update", Bucket: "orders", ID: "no-such-id",
				Data: map[string]interface{}{"total": 2}},
		},
	}

	_, err := interp.Call(p, nil)
	assert.Equal(t, protocol.CodeNotFound, pcode(t, err))

	b, _ := st.Bucket("orders")
	count, err := b.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed transactional call leaves no writes")
}

func TestAggregateStep(t *testing.T) {
	interp, st := newInterp(t)
	b, _ := st.Bucket("orders")
	for _, total := range []float64{10, 20, 30} {
		_, err := b.Insert(store.Doc{"total": total, "open": true})
		require.NoError(t, err)
	}

	p := &Procedure{
		Name: "revenue",
		Steps: []Step{
			{Action: "store.where", Bucket: "orders", As: "open",
				Filter: map[string]interface{}{"open": true}},
			{Action: "aggregate", Source: "open", Field: "total", Op: "sum", As: "revenue"},
			{Action: "aggregate", Source: "open", Field: "total", Op: "count", As: "orders"},
			{Action: "return", Value: "{{ revenue }}"},
		},
	}
	res, err := interp.Call(p, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(60), res.Returned)
	assert.Equal(t, 3, res.Bindings["orders"])
}

func TestIfStep(t *testing.T) {
	interp, _ := newInterp(t)
	p := &Procedure{
		Name: "classify",
		Steps: []Step{
			{Action: "if",
				Condition: &Condition{Ref: "input.total", Operator: "gte", Value: 100},
				Then:      []Step{{Action: "return", Value: "large"}},
				Else:      []Step{{Action: "return", Value: "small"}}},
		},
	}

	res, err := interp.Call(p, map[string]interface{}{"total": 250})
	require.NoError(t, err)
	assert.Equal(t, "large", res.Returned)

	res, err = interp.Call(p, map[string]interface{}{"total": 5})
	require.NoError(t, err)
	assert.Equal(t, "small", res.Returned)
}

func TestReturnStopsExecution(t *testing.T) {
	interp, st := newInterp(t)
	p := &Procedure{
		Name: "early",
		Steps: []Step{
			{Action: "return", Value: "done"},
			{Action: "store.insert", Bucket: "orders",
				Data: map[string]interface{}{"total": 1}},
		},
	}
	res, err := interp.Call(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Returned)

	b, _ := st.Bucket("orders")
	count, err := b.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "steps after return never run")
}

func TestEmitStep(t *testing.T) {
	interp, _ := newInterp(t)
	engine := interp.Rules.(*rules.Memory)
	var events []rules.Event
	cancel := engine.Subscribe("orders.*", func(ev rules.Event) { events = append(events, ev) })
	defer cancel()

	p := &Procedure{
		Name: "announce",
		Steps: []Step{
			{Action: "rules.emit", Topic: "orders.created",
				Payload: map[string]interface{}{"total": "{{ input.total }}"}},
		},
	}
	_, err := interp.Call(p, map[string]interface{}{"total": 7})
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := events[0].Data
	assert.Equal(t, 7, payload["total"])
}

func TestEmitWithoutEngine(t *testing.T) {
	interp, _ := newInterp(t)
	interp.Rules = nil
	p := &Procedure{
		Name:  "announce",
		Steps: []Step{{Action: "rules.emit", Topic: "orders.created"}},
	}
	_, err := interp.Call(p, nil)
	assert.Equal(t, protocol.CodeRulesUnavailable, pcode(t, err))
}

func TestSystemBucketsForbidden(t *testing.T) {
	interp, _ := newInterp(t)
	p := &Procedure{
		Name:  "sneaky",
		Steps: []Step{{Action: "store.all", Bucket: "_users", As: "users"}},
	}
	_, err := interp.Call(p, nil)
	assert.Equal(t, protocol.CodeForbidden, pcode(t, err))
}

func TestUnknownStepAction(t *testing.T) {
	interp, _ := newInterp(t)
	p := &Procedure{Name: "odd", Steps: []Step{{Action: "teleport"}}}
	_, err := interp.Call(p, nil)
	assert.Equal(t, protocol.CodeValidation, pcode(t, err))
}
