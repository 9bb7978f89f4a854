package dispatch

import (
	"context"
	"time"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

func (d *Dispatcher) authLogin(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	if d.Validator == nil {
		return nil, protocol.NewError(protocol.CodeUnknownOperation, "External authentication not configured")
	}
	var p struct {
		Token string `json:"token"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Token required")
	}

	sess, err := d.Validator(context.Background(), p.Token)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if sess == nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Invalid token")
	}
	if sess.Expired(time.Now()) {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Token has expired")
	}
	if d.Blacklist != nil && d.Blacklist.Revoked(sess.UserID) {
		return nil, protocol.NewError(protocol.CodeSessionRevoked, "Session revoked by administrator")
	}

	sess.Token = p.Token
	conn.SetSession(sess)
	return map[string]interface{}{
		"userId":    sess.UserID,
		"roles":     sess.Roles,
		"expiresAt": sess.ExpiresAt,
	}, nil
}

func (d *Dispatcher) authLogout(conn *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	conn.SetSession(nil)
	return map[string]interface{}{"loggedOut": true}, nil
}

func (d *Dispatcher) authWhoami(conn *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	sess := conn.Session()
	// Exempt from Admit, so expiry is rechecked here; an expired session
	// must not keep reporting itself authenticated.
	if sess != nil && sess.Expired(time.Now()) {
		conn.SetSession(nil)
		sess = nil
	}
	if sess == nil {
		return map[string]interface{}{"authenticated": false}, nil
	}
	return map[string]interface{}{
		"authenticated": true,
		"userId":        sess.UserID,
		"roles":         sess.Roles,
		"expiresAt":     sess.ExpiresAt,
	}, nil
}
