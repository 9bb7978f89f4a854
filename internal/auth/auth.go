// Package auth implements per-operation admission for the gateway: the
// auth-gate, tier and role checks, ACL/ownership resolution, and the
// revocation blacklist. One strategy (external validator, built-in identity,
// or none) is selected at server construction and never re-branched per
// request.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/canopydb/gateway/internal/identity"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

// TokenValidator is the pluggable external validator: token in, session (or
// nil for invalid) out.
type TokenValidator func(ctx context.Context, token string) (*registry.Session, error)

// PermissionsFunc is the optional fine-grained check run after the tier
// check in external-validator mode.
type PermissionsFunc func(sess *registry.Session, operation, resource string) bool

// Mode discriminates the configured strategy.
type Mode int

const (
	ModeNone Mode = iota
	ModeExternal
	ModeBuiltin
)

// Resource names what an operation acts on, when it acts on anything.
type Resource struct {
	Type string // "bucket", "procedure", ...
	Name string
}

func (r Resource) String() string {
	if r.Type == "" {
		return ""
	}
	return r.Type + ":" + r.Name
}

// Authorizer admits or rejects one operation on one connection. Admit runs
// the full ordered pipeline except rate limiting, which the dispatcher
// applies first.
type Authorizer interface {
	Mode() Mode
	RequiresAuth() bool
	Admit(conn *registry.Conn, op string, res Resource) *protocol.Error
}

// systemBucketGuard rejects any store operation addressing a bucket whose
// name starts with "_", regardless of role.
func systemBucketGuard(op string, res Resource) *protocol.Error {
	if res.Type == "bucket" && strings.HasPrefix(res.Name, "_") {
		return protocol.NewError(protocol.CodeForbidden, "system bucket")
	}
	return nil
}

func authGate(conn *registry.Conn, required bool) *protocol.Error {
	if required && conn.Session() == nil {
		return protocol.NewError(protocol.CodeUnauthorized, "Authentication required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// None
// ---------------------------------------------------------------------------

// None admits everything except system-bucket access.
type None struct{}

func (None) Mode() Mode         { return ModeNone }
func (None) RequiresAuth() bool { return false }

func (None) Admit(_ *registry.Conn, op string, res Resource) *protocol.Error {
	return systemBucketGuard(op, res)
}

// ---------------------------------------------------------------------------
// External validator
// ---------------------------------------------------------------------------

// External is the pluggable-validator strategy: sessions come from the
// configured validator, admission runs auth-gate → expiry recheck →
// system-bucket guard → tier check → permissions callback, in that order.
type External struct {
	Validator   TokenValidator
	Permissions PermissionsFunc
	Required    bool
}

func (e *External) Mode() Mode         { return ModeExternal }
func (e *External) RequiresAuth() bool { return e.Required }

func (e *External) Admit(conn *registry.Conn, op string, res Resource) *protocol.Error {
	if IsExempt(op) {
		return nil
	}
	if err := authGate(conn, e.Required); err != nil {
		return err
	}

	sess := conn.Session()
	if sess != nil && sess.Expired(time.Now()) {
		conn.SetSession(nil)
		return protocol.NewError(protocol.CodeUnauthorized, "Session expired")
	}
	if err := systemBucketGuard(op, res); err != nil {
		return err
	}
	if sess == nil {
		// Auth not required and nobody logged in: nothing to tier-check.
		return nil
	}

	need, hasTier := TierFor(op)
	if hasTier {
		have, matched := TierForRoles(sess.Roles)
		// Sessions without any predefined role bypass the tier check;
		// authorization falls through to the permissions callback.
		if matched && have < need {
			return protocol.Errorf(protocol.CodeForbidden,
				"Operation %s requires %s access", op, need)
		}
	}

	if e.Permissions != nil && !e.Permissions(sess, op, res.String()) {
		return protocol.Errorf(protocol.CodeForbidden,
			"No permission for %s on %s", op, res.String())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Built-in identity
// ---------------------------------------------------------------------------

// Builtin is the built-in identity strategy: store operations resolve
// through ACLs and ownership (with a per-connection epoch cache), identity
// and procedure management operations require the admin or superadmin role.
type Builtin struct {
	Identity *identity.Service
	Required bool
}

func (b *Builtin) Mode() Mode         { return ModeBuiltin }
func (b *Builtin) RequiresAuth() bool { return b.Required }

func (b *Builtin) Admit(conn *registry.Conn, op string, res Resource) *protocol.Error {
	if IsExempt(op) {
		return nil
	}
	if err := authGate(conn, b.Required); err != nil {
		return err
	}
	sess := conn.Session()
	if sess != nil && sess.Expired(time.Now()) {
		conn.SetSession(nil)
		return protocol.NewError(protocol.CodeUnauthorized, "Session expired")
	}
	if err := systemBucketGuard(op, res); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	super := sess.UserID == identity.SuperadminID || sess.HasRole(identity.RoleSuperadmin)
	if super {
		return nil
	}
	admin := sess.HasRole(identity.RoleAdmin)

	switch {
	case superadminOnlyOps[op]:
		return protocol.Errorf(protocol.CodeForbidden, "Operation %s requires superadmin", op)
	case adminIdentityOps[op]:
		if !admin {
			return protocol.Errorf(protocol.CodeForbidden, "Operation %s requires admin", op)
		}
		return nil
	case selfServiceOps[op]:
		return nil
	}

	if res.Type == "bucket" {
		return b.checkBucket(conn, sess, op, res)
	}
	if adminOps[op] && !admin {
		return protocol.Errorf(protocol.CodeForbidden, "Operation %s requires admin", op)
	}
	return nil
}

func (b *Builtin) checkBucket(conn *registry.Conn, sess *registry.Session, op string, res Resource) *protocol.Error {
	perm := StorePermission(op)
	epoch := b.Identity.Epoch()
	key := fmt.Sprintf("%s|%s|%s", perm, res.Type, res.Name)

	if allowed, cached := conn.CachedDecision(epoch, key); cached {
		if allowed {
			return nil
		}
		return protocol.Errorf(protocol.CodeForbidden,
			"No %s permission on bucket %q", perm, res.Name)
	}

	allowed, err := b.Identity.CheckPermission(sess, perm, res.Type, res.Name)
	if err != nil {
		return protocol.AsError(err)
	}
	conn.CacheDecision(epoch, key, allowed)
	if !allowed {
		return protocol.Errorf(protocol.CodeForbidden,
			"No %s permission on bucket %q", perm, res.Name)
	}
	return nil
}
