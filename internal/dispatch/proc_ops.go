package dispatch

import (
	"github.com/canopydb/gateway/internal/procedures"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

func (d *Dispatcher) proceduresRegister(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p procedures.Procedure
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := d.Procedures.Register(&p); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"registered": true, "name": p.Name}, nil
}

func (d *Dispatcher) proceduresUnregister(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := d.Procedures.Unregister(p.Name); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"unregistered": true, "name": p.Name}, nil
}

func (d *Dispatcher) proceduresUpdate(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p procedures.Procedure
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	updated, err := d.Procedures.Update(p.Name, &p)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return updated, nil
}

func (d *Dispatcher) proceduresGet(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	proc, err := d.Procedures.Get(p.Name)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return proc, nil
}

func (d *Dispatcher) proceduresList(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	return map[string]interface{}{"procedures": d.Procedures.List()}, nil
}

func (d *Dispatcher) proceduresCall(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	var p struct {
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	proc, err := d.Procedures.Get(p.Name)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	res, err := d.interp.Call(proc, p.Input)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	out := map[string]interface{}{
		"success": true,
		"results": res.Bindings,
	}
	if res.HasRet {
		out["result"] = res.Returned
	}
	return out, nil
}
