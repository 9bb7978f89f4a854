package dispatch

import (
	"github.com/canopydb/gateway/internal/audit"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

func (d *Dispatcher) serverStats(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	if d.StatsFn == nil {
		return nil, protocol.NewError(protocol.CodeInternal, "Stats not available")
	}
	return d.StatsFn(), nil
}

func (d *Dispatcher) serverConnections(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	if d.ConnectionsFn == nil {
		return nil, protocol.NewError(protocol.CodeInternal, "Connections not available")
	}
	return map[string]interface{}{"connections": d.ConnectionsFn()}, nil
}

func (d *Dispatcher) auditQuery(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if d.Audit == nil {
		return map[string]interface{}{"entries": []audit.Entry{}}, nil
	}
	var p struct {
		UserID string `json:"userId"`
		Op     string `json:"op"`
		Code   string `json:"code"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	entries := d.Audit.Find(audit.Query{
		UserID: p.UserID,
		Op:     p.Op,
		Code:   p.Code,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	return map[string]interface{}{"entries": entries}, nil
}
