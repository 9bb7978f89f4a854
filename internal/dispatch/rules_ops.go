package dispatch

import (
	"github.com/canopydb/gateway/internal/metrics"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

func (d *Dispatcher) requireRules() *protocol.Error {
	if d.Rules == nil {
		return protocol.NewError(protocol.CodeRulesUnavailable, "No rule engine configured")
	}
	return nil
}

func (d *Dispatcher) rulesEmit(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	var p struct {
		Topic         string                 `json:"topic"`
		Data          map[string]interface{} `json:"data"`
		CorrelationID string                 `json:"correlationId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if p.Topic == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Topic required")
	}
	d.Rules.Emit(p.Topic, p.Data, p.CorrelationID)
	return map[string]interface{}{"emitted": true, "topic": p.Topic}, nil
}

func (d *Dispatcher) rulesSetFact(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	var p struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Fact key required")
	}
	d.Rules.SetFact(p.Key, p.Value)
	return map[string]interface{}{"key": p.Key, "value": p.Value}, nil
}

func (d *Dispatcher) rulesGetFact(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	var p struct {
		Key string `json:"key"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	value, found := d.Rules.GetFact(p.Key)
	if !found {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Fact %q not found", p.Key)
	}
	return map[string]interface{}{"key": p.Key, "value": value}, nil
}

func (d *Dispatcher) rulesDeleteFact(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	var p struct {
		Key string `json:"key"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if !d.Rules.DeleteFact(p.Key) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Fact %q not found", p.Key)
	}
	return map[string]interface{}{"deleted": true, "key": p.Key}, nil
}

func (d *Dispatcher) rulesFacts(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	var p struct {
		Pattern string `json:"pattern"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if p.Pattern == "" {
		return d.Rules.AllFacts(), nil
	}
	return d.Rules.QueryFacts(p.Pattern), nil
}

func (d *Dispatcher) rulesStats(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	if err := d.requireRules(); err != nil {
		return nil, err
	}
	return d.Rules.Stats(), nil
}

func (d *Dispatcher) rulesSubscribe(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Pattern string `json:"pattern"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	id, err := d.RulesSubs.Subscribe(conn, p.Pattern)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	metrics.SubscriptionsActive.WithLabelValues("rules").Inc()
	return map[string]interface{}{"subscriptionId": id, "pattern": p.Pattern}, nil
}

func (d *Dispatcher) rulesUnsubscribe(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		SubscriptionID int64 `json:"subscriptionId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := d.RulesSubs.Unsubscribe(conn, p.SubscriptionID); err != nil {
		return nil, protocol.AsError(err)
	}
	metrics.SubscriptionsActive.WithLabelValues("rules").Dec()
	return map[string]interface{}{"unsubscribed": true, "subscriptionId": p.SubscriptionID}, nil
}
