package procedures

import (
	"strings"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/rules"
	"github.com/canopydb/gateway/internal/store"
)

// Result is the outcome of a procedure call: every named binding plus the
// value of the first executed return step, if any.
type Result struct {
	Bindings map[string]interface{}
	Returned interface{}
	HasRet   bool
}

// Interpreter executes procedures against the Store and RuleEngine.
type Interpreter struct {
	Store store.Store
	Rules rules.Engine
}

// bucketSource abstracts live-store vs in-transaction bucket access.
type bucketSource interface {
	Bucket(name string) (store.Bucket, error)
}

type liveSource struct{ st store.Store }

func (s liveSource) Bucket(name string) (store.Bucket, error) { return s.st.Bucket(name) }

// Call validates input against the procedure's schema and runs its steps in
// order. With transaction=true all store steps run inside one Store
// transaction; any step error aborts the whole call.
func (i *Interpreter) Call(p *Procedure, input map[string]interface{}) (*Result, error) {
	if err := validateInput(p.Input, input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	res := &Result{Bindings: make(map[string]interface{})}
	env := map[string]interface{}{"input": input}

	if p.Transaction {
		err := i.Store.Transaction(func(tx store.Tx) error {
			return i.runSteps(p.Steps, txSource{tx}, env, res)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	if err := i.runSteps(p.Steps, liveSource{i.Store}, env, res); err != nil {
		return nil, err
	}
	return res, nil
}

type txSource struct{ tx store.Tx }

func (s txSource) Bucket(name string) (store.Bucket, error) { return s.tx.Bucket(name) }

func (i *Interpreter) runSteps(steps []Step, src bucketSource, env map[string]interface{}, res *Result) error {
	for idx := range steps {
		step := &steps[idx]
		if res.HasRet {
			return nil
		}
		if err := i.runStep(step, src, env, res); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interpreter) runStep(step *Step, src bucketSource, env map[string]interface{}, res *Result) error {
	switch step.Action {
	case "store.insert", "store.update", "store.delete",
		"store.get", "store.where", "store.findOne", "store.all", "store.count":
		return i.runStoreStep(step, src, env, res)
	case "rules.emit":
		return i.runEmit(step, env)
	case "aggregate":
		return i.runAggregate(step, env, res)
	case "if":
		return i.runIf(step, src, env, res)
	case "return":
		value, err := resolveTemplates(step.Value, env)
		if err != nil {
			return err
		}
		res.Returned = value
		res.HasRet = true
		return nil
	default:
		return protocol.Errorf(protocol.CodeValidation, "Unknown step action %q", step.Action)
	}
}

func (i *Interpreter) runStoreStep(step *Step, src bucketSource, env map[string]interface{}, res *Result) error {
	if strings.HasPrefix(step.Bucket, "_") {
		return protocol.NewError(protocol.CodeForbidden, "system bucket")
	}
	bucket, err := src.Bucket(step.Bucket)
	if err != nil {
		return err
	}

	var output interface{}
	switch step.Action {
	case "store.insert":
		data, err := resolveDataMap(step.Data, env)
		if err != nil {
			return err
		}
		output, err = bucket.Insert(data)
		if err != nil {
			return err
		}
	case "store.update":
		id, err := resolveID(step.ID, env)
		if err != nil {
			return err
		}
		data, err := resolveDataMap(step.Data, env)
		if err != nil {
			return err
		}
		output, err = bucket.Update(id, data)
		if err != nil {
			return err
		}
	case "store.delete":
		id, err := resolveID(step.ID, env)
		if err != nil {
			return err
		}
		if err := bucket.Delete(id); err != nil {
			return err
		}
		output = map[string]interface{}{"deleted": true, "id": id}
	case "store.get":
		id, err := resolveID(step.ID, env)
		if err != nil {
			return err
		}
		output, err = bucket.Get(id)
		if err != nil {
			return err
		}
	case "store.where":
		filter, err := resolveDataMap(step.Filter, env)
		if err != nil {
			return err
		}
		output, err = bucket.Where(filter)
		if err != nil {
			return err
		}
	case "store.findOne":
		filter, err := resolveDataMap(step.Filter, env)
		if err != nil {
			return err
		}
		output, err = bucket.FindOne(filter)
		if err != nil {
			return err
		}
	case "store.all":
		var err error
		output, err = bucket.All()
		if err != nil {
			return err
		}
	case "store.count":
		filter, err := resolveDataMap(step.Filter, env)
		if err != nil {
			return err
		}
		output, err = bucket.Count(filter)
		if err != nil {
			return err
		}
	}

	bind(step.As, output, env, res)
	return nil
}

func (i *Interpreter) runEmit(step *Step, env map[string]interface{}) error {
	if i.Rules == nil {
		return protocol.NewError(protocol.CodeRulesUnavailable, "No rule engine configured")
	}
	topicValue, err := resolveString(step.Topic, env)
	if err != nil {
		return err
	}
	topic, ok := topicValue.(string)
	if !ok || topic == "" {
		return protocol.NewError(protocol.CodeValidation, "Emit step requires a topic")
	}
	payload, err := resolveDataMap(step.Payload, env)
	if err != nil {
		return err
	}
	i.Rules.Emit(topic, payload, "")
	return nil
}

func (i *Interpreter) runAggregate(step *Step, env map[string]interface{}, res *Result) error {
	sourceValue, err := lookupPath(env, step.Source)
	if err != nil {
		return err
	}
	docs, ok := sourceValue.([]interface{})
	if !ok {
		// Bindings from store.where are []store.Doc; accept both shapes.
		if typed, isTyped := sourceValue.([]store.Doc); isTyped {
			docs = make([]interface{}, len(typed))
			for idx, d := range typed {
				docs[idx] = map[string]interface{}(d)
			}
			ok = true
		}
	}
	if !ok {
		return protocol.Errorf(protocol.CodeValidation,
			"Aggregate source %q is not a list", step.Source)
	}

	var sum, min, max float64
	count := 0
	for _, item := range docs {
		doc, isDoc := item.(map[string]interface{})
		if !isDoc {
			continue
		}
		f, isNum := numeric(doc[step.Field])
		if step.Op != "count" && !isNum {
			continue
		}
		if count == 0 {
			min, max = f, f
		} else {
			if f < min {
				min = f
			}
			if f > max {
				max = f
			}
		}
		sum += f
		count++
	}

	var out interface{}
	switch step.Op {
	case "sum":
		out = sum
	case "avg":
		if count == 0 {
			out = float64(0)
		} else {
			out = sum / float64(count)
		}
	case "min":
		out = min
	case "max":
		out = max
	case "count":
		out = len(docs)
	default:
		return protocol.Errorf(protocol.CodeValidation, "Unknown aggregate op %q", step.Op)
	}

	bind(step.As, out, env, res)
	return nil
}

func (i *Interpreter) runIf(step *Step, src bucketSource, env map[string]interface{}, res *Result) error {
	if step.Condition == nil {
		return protocol.NewError(protocol.CodeValidation, "If step requires a condition")
	}
	truthy, err := evalCondition(step.Condition, env)
	if err != nil {
		return err
	}
	if truthy {
		return i.runSteps(step.Then, src, env, res)
	}
	return i.runSteps(step.Else, src, env, res)
}

func evalCondition(c *Condition, env map[string]interface{}) (bool, error) {
	left, err := lookupPath(env, c.Ref)
	if err != nil {
		return false, err
	}
	lf, lok := numeric(left)
	rf, rok := numeric(c.Value)

	switch c.Operator {
	case "eq":
		if lok && rok {
			return lf == rf, nil
		}
		return left == c.Value, nil
	case "neq":
		if lok && rok {
			return lf != rf, nil
		}
		return left != c.Value, nil
	case "gt", "gte", "lt", "lte":
		if !lok || !rok {
			return false, protocol.Errorf(protocol.CodeValidation,
				"Condition %q requires numeric operands", c.Operator)
		}
		switch c.Operator {
		case "gt":
			return lf > rf, nil
		case "gte":
			return lf >= rf, nil
		case "lt":
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	}
	return false, protocol.Errorf(protocol.CodeValidation, "Unknown condition operator %q", c.Operator)
}

func bind(name string, value interface{}, env map[string]interface{}, res *Result) {
	if name == "" {
		return
	}
	env[name] = value
	res.Bindings[name] = value
}

func resolveDataMap(data map[string]interface{}, env map[string]interface{}) (map[string]interface{}, error) {
	if data == nil {
		return map[string]interface{}{}, nil
	}
	resolved, err := resolveTemplates(data, env)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, protocol.NewError(protocol.CodeValidation, "Step data must be an object")
	}
	return out, nil
}

func resolveID(id string, env map[string]interface{}) (string, error) {
	if id == "" {
		return "", protocol.NewError(protocol.CodeValidation, "Step requires an id")
	}
	resolved, err := resolveString(id, env)
	if err != nil {
		return "", err
	}
	s, ok := resolved.(string)
	if !ok {
		return "", protocol.NewError(protocol.CodeValidation, "Step id must resolve to a string")
	}
	return s, nil
}

func validateInput(schema map[string]store.FieldSpec, input map[string]interface{}) error {
	for field, spec := range schema {
		value, present := input[field]
		if !present || value == nil {
			if spec.Required {
				return protocol.Errorf(protocol.CodeValidation, "Input field %q is required", field)
			}
			continue
		}
		if spec.Type == "" {
			continue
		}
		okType := false
		switch spec.Type {
		case "string":
			_, okType = value.(string)
		case "number":
			_, okType = numeric(value)
		case "boolean":
			_, okType = value.(bool)
		case "object":
			_, okType = value.(map[string]interface{})
		case "array":
			_, okType = value.([]interface{})
		default:
			okType = true
		}
		if !okType {
			return protocol.Errorf(protocol.CodeValidation,
				"Input field %q must be of type %s", field, spec.Type)
		}
	}
	return nil
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
