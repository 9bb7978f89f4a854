// Package dispatch implements the per-request pipeline: decode → rate limit
// → authorize → route → encode → audit. Handlers never write to the socket;
// they return data or a typed error and the dispatcher builds the frame.
package dispatch

import (
	"encoding/json"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/canopydb/gateway/internal/audit"
	"github.com/canopydb/gateway/internal/auth"
	"github.com/canopydb/gateway/internal/identity"
	"github.com/canopydb/gateway/internal/metrics"
	"github.com/canopydb/gateway/internal/procedures"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/ratelimit"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/rules"
	"github.com/canopydb/gateway/internal/store"
	"github.com/canopydb/gateway/internal/subscriptions"
)

// handlerFunc executes one operation and returns the response payload.
type handlerFunc func(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error)

// Deps carries everything the dispatcher routes into.
type Deps struct {
	Store      store.Store
	Rules      rules.Engine
	Registry   *registry.Registry
	Auth       auth.Authorizer
	Limiter    *ratelimit.Limiter
	Identity   *identity.Service // nil unless built-in mode
	Validator  auth.TokenValidator
	Blacklist  *auth.Blacklist
	StoreSubs  *subscriptions.StoreManager
	RulesSubs  *subscriptions.RulesManager
	Procedures *procedures.Registry
	Audit      *audit.Trail // nil when auditing is off

	// StatsFn and ConnectionsFn are provided by the server façade.
	StatsFn       func() map[string]interface{}
	ConnectionsFn func() []map[string]interface{}

	ExposeErrorDetails bool
}

// Dispatcher routes decoded requests to operation handlers.
type Dispatcher struct {
	Deps
	interp   *procedures.Interpreter
	handlers map[string]handlerFunc
	logger   *log.Logger
}

// New builds the dispatcher and its routing table.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		Deps:   deps,
		interp: &procedures.Interpreter{Store: deps.Store, Rules: deps.Rules},
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	d.handlers = map[string]handlerFunc{
		"store.defineBucket": d.storeDefineBucket,
		"store.dropBucket":   d.storeDropBucket,
		"store.buckets":      d.storeBuckets,
		"store.stats":        d.storeStats,
		"store.insert":       d.storeInsert,
		"store.get":          d.storeGet,
		"store.update":       d.storeUpdate,
		"store.delete":       d.storeDelete,
		"store.clear":        d.storeClear,
		"store.all":          d.storeAll,
		"store.where":        d.storeWhere,
		"store.findOne":      d.storeFindOne,
		"store.count":        d.storeCount,
		"store.first":        d.storeFirst,
		"store.last":         d.storeLast,
		"store.paginate":     d.storePaginate,
		"store.sum":          d.storeAggregate,
		"store.avg":          d.storeAggregate,
		"store.min":          d.storeAggregate,
		"store.max":          d.storeAggregate,
		"store.transaction":  d.storeTransaction,
		"store.subscribe":    d.storeSubscribe,
		"store.unsubscribe":  d.storeUnsubscribe,

		"rules.emit":        d.rulesEmit,
		"rules.setFact":     d.rulesSetFact,
		"rules.getFact":     d.rulesGetFact,
		"rules.deleteFact":  d.rulesDeleteFact,
		"rules.facts":       d.rulesFacts,
		"rules.stats":       d.rulesStats,
		"rules.subscribe":   d.rulesSubscribe,
		"rules.unsubscribe": d.rulesUnsubscribe,

		"auth.login":  d.authLogin,
		"auth.logout": d.authLogout,
		"auth.whoami": d.authWhoami,

		"identity.loginWithSecret": d.identityLoginWithSecret,
		"identity.login":           d.identityLogin,
		"identity.logout":          d.identityLogout,
		"identity.refreshSession":  d.identityRefreshSession,
		"identity.whoami":          d.identityWhoami,
		"identity.myAccess":        d.identityMyAccess,
		"identity.createUser":      d.identityCreateUser,
		"identity.getUser":         d.identityGetUser,
		"identity.updateUser":      d.identityUpdateUser,
		"identity.deleteUser":      d.identityDeleteUser,
		"identity.listUsers":       d.identityListUsers,
		"identity.enableUser":      d.identityEnableUser,
		"identity.disableUser":     d.identityDisableUser,
		"identity.changePassword":  d.identityChangePassword,
		"identity.resetPassword":   d.identityResetPassword,
		"identity.createRole":      d.identityCreateRole,
		"identity.updateRole":      d.identityUpdateRole,
		"identity.deleteRole":      d.identityDeleteRole,
		"identity.listRoles":       d.identityListRoles,
		"identity.assignRole":      d.identityAssignRole,
		"identity.removeRole":      d.identityRemoveRole,
		"identity.getUserRoles":    d.identityGetUserRoles,
		"identity.grant":           d.identityGrant,
		"identity.revoke":          d.identityRevoke,
		"identity.getAcl":          d.identityGetACL,
		"identity.getOwner":        d.identityGetOwner,
		"identity.transferOwner":   d.identityTransferOwner,

		"procedures.register":   d.proceduresRegister,
		"procedures.unregister": d.proceduresUnregister,
		"procedures.update":     d.proceduresUpdate,
		"procedures.get":        d.proceduresGet,
		"procedures.list":       d.proceduresList,
		"procedures.call":       d.proceduresCall,

		"server.stats":       d.serverStats,
		"server.connections": d.serverConnections,
		"audit.query":        d.auditQuery,
	}
	return d
}

// loginOps are always rate-limited by IP, never by session, so a logged-in
// attacker cannot probe credentials under a fresh per-user budget.
var loginOps = map[string]bool{
	"auth.login":               true,
	"identity.login":           true,
	"identity.loginWithSecret": true,
}

// Dispatch processes one inbound text frame and returns the response frame,
// or nil when the frame needs no response (pong).
func (d *Dispatcher) Dispatch(conn *registry.Conn, raw []byte) []byte {
	req, derr := protocol.DecodeRequest(raw)
	if derr != nil {
		var id int64
		if req != nil {
			id = req.ID
		}
		return protocol.EncodeError(id, derr, d.ExposeErrorDetails)
	}
	if req.IsPong() {
		conn.MarkPong(time.Now())
		return nil
	}

	start := time.Now()
	data, herr := d.execute(conn, req)
	elapsed := time.Since(start)

	code := ""
	if herr != nil {
		code = herr.Code
	}
	metrics.ObserveRequest(req.Type, code, elapsed.Seconds())
	if d.Audit != nil {
		userID := ""
		if sess := conn.Session(); sess != nil {
			userID = sess.UserID
		}
		d.Audit.Record(audit.Entry{
			At:         start.UnixMilli(),
			ConnID:     conn.ID,
			UserID:     userID,
			Op:         req.Type,
			Code:       code,
			DurationMs: elapsed.Milliseconds(),
		})
	}

	if herr != nil {
		return protocol.EncodeError(req.ID, herr, d.ExposeErrorDetails)
	}
	return protocol.EncodeResult(req.ID, data)
}

func (d *Dispatcher) execute(conn *registry.Conn, req *protocol.Request) (data interface{}, herr *protocol.Error) {
	// A handler panic must not take the process down with it; it surfaces to
	// the client as INTERNAL_ERROR on the request id.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("Panic in %s: %v\n%s", req.Type, r, debug.Stack())
			data = nil
			herr = protocol.NewError(protocol.CodeInternal, "Internal server error")
		}
	}()

	if ok, retryAfter := d.Limiter.Allow(d.rateKey(conn, req.Type)); !ok {
		metrics.RateLimitedTotal.Inc()
		return nil, protocol.NewError(protocol.CodeRateLimited, "Rate limit exceeded").
			WithDetails(map[string]interface{}{"retryAfterMs": retryAfter.Milliseconds()})
	}

	handler, known := d.handlers[req.Type]
	if !known {
		return nil, protocol.Errorf(protocol.CodeUnknownOperation, "Unknown operation %q", req.Type)
	}

	if err := d.Auth.Admit(conn, req.Type, resourceFor(req)); err != nil {
		return nil, err
	}
	return handler(conn, req)
}

// rateKey picks the limiter key: user-scoped once authenticated, IP-scoped
// before, and always IP-scoped for login operations.
func (d *Dispatcher) rateKey(conn *registry.Conn, op string) string {
	if !loginOps[op] {
		if sess := conn.Session(); sess != nil {
			return "user:" + sess.UserID
		}
	}
	return "ip:" + conn.IP
}

// resourceFor extracts the resource an operation addresses, for the
// authorizer. Store operations name a bucket, procedure operations a
// procedure; everything else has no resource.
func resourceFor(req *protocol.Request) auth.Resource {
	var probe struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	}
	// Best effort: a frame that fails to probe carries no resource and the
	// handler's own parameter decoding reports the error.
	_ = json.Unmarshal(req.Raw, &probe)

	switch {
	case strings.HasPrefix(req.Type, "store.") && probe.Bucket != "":
		return auth.Resource{Type: "bucket", Name: probe.Bucket}
	case strings.HasPrefix(req.Type, "procedures.") && probe.Name != "":
		return auth.Resource{Type: "procedure", Name: probe.Name}
	}
	return auth.Resource{}
}
