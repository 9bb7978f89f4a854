// Package gateway is the server façade: it owns the HTTP listener, the
// WebSocket accept path, per-connection supervision, graceful shutdown, and
// administrative session revocation.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopydb/gateway/internal/audit"
	"github.com/canopydb/gateway/internal/auth"
	"github.com/canopydb/gateway/internal/dispatch"
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

// Close codes for supervisor-initiated closes.
const (
	CloseSessionRevoked     = 4002
	CloseTooManyConnections = 4003
)

// AuthMode selects the authentication strategy for a server instance.
const (
	AuthNone     = ""
	AuthExternal = "external"
	AuthBuiltin  = "builtin"
)

// Config assembles one gateway server.
type Config struct {
	Name string
	Port int

	Store store.Store
	Rules rules.Engine // nil disables rules.*

	Origins               []string // empty allows any origin
	MaxConnectionsPerIP   int
	MaxSubsPerConnection  int
	MaxTotalSubscriptions int

	RateLimit         ratelimit.Config
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	AuthMode     string
	AuthRequired bool
	Validator    auth.TokenValidator // external mode
	Permissions  auth.PermissionsFunc
	Identity     identity.Config // builtin mode
	BlacklistTTL time.Duration

	AuditEnabled bool
	Audit        audit.Config

	ExposeErrorDetails bool
}

// Server is a running gateway instance.
type Server struct {
	cfg      Config
	registry *registry.Registry
	dispatch *dispatch.Dispatcher

	storeSubs  *subscriptions.StoreManager
	rulesSubs  *subscriptions.RulesManager
	procedures *procedures.Registry
	identity   *identity.Service
	authorizer auth.Authorizer
	blacklist  *auth.Blacklist
	limiter    *ratelimit.Limiter
	heartbeat  *heartbeat
	trail      *audit.Trail

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu        sync.Mutex
	running   bool
	stopped   bool
	accepting bool
	started   time.Time

	logger *log.Logger
}

// New wires a server from its config. The authentication strategy is chosen
// here, once; the dispatcher never branches on mode per request.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: config requires a store")
	}
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}

	s := &Server{
		cfg:       cfg,
		registry:  registry.New(),
		limiter:   ratelimit.New(cfg.RateLimit),
		accepting: true,
		logger:    log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}

	switch cfg.AuthMode {
	case AuthNone:
		s.authorizer = auth.None{}
	case AuthExternal:
		if cfg.Validator == nil {
			return nil, fmt.Errorf("gateway: external auth mode requires a validator")
		}
		s.authorizer = &auth.External{
			Validator:   cfg.Validator,
			Permissions: cfg.Permissions,
			Required:    cfg.AuthRequired,
		}
	case AuthBuiltin:
		if cfg.Identity.AdminSecret == "" {
			return nil, fmt.Errorf("gateway: builtin auth mode requires an admin secret")
		}
		s.identity = identity.New(cfg.Store, cfg.Identity)
		if err := s.identity.EnsureSchema(); err != nil {
			return nil, fmt.Errorf("gateway: identity schema: %w", err)
		}
		s.authorizer = &auth.Builtin{Identity: s.identity, Required: cfg.AuthRequired}
	default:
		return nil, fmt.Errorf("gateway: unknown auth mode %q", cfg.AuthMode)
	}

	if cfg.AuthMode != AuthNone {
		ttl := cfg.BlacklistTTL
		if ttl <= 0 {
			ttl = auth.DefaultBlacklistTTL
		}
		s.blacklist = auth.NewBlacklist(ttl)
	}

	quota := &subscriptions.Quota{
		MaxPerConnection: cfg.MaxSubsPerConnection,
		MaxTotal:         cfg.MaxTotalSubscriptions,
	}
	s.storeSubs = subscriptions.NewStoreManager(cfg.Store, quota)
	s.rulesSubs = subscriptions.NewRulesManager(cfg.Rules, quota)
	s.procedures = procedures.NewRegistry()
	s.heartbeat = newHeartbeat(s.registry, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)

	if cfg.AuditEnabled {
		s.trail = audit.New(cfg.Audit)
	}

	s.dispatch = dispatch.New(dispatch.Deps{
		Store:              cfg.Store,
		Rules:              cfg.Rules,
		Registry:           s.registry,
		Auth:               s.authorizer,
		Limiter:            s.limiter,
		Identity:           s.identity,
		Validator:          cfg.Validator,
		Blacklist:          s.blacklist,
		StoreSubs:          s.storeSubs,
		RulesSubs:          s.rulesSubs,
		Procedures:         s.procedures,
		Audit:              s.trail,
		StatsFn:            s.GetStats,
		ConnectionsFn:      s.getConnections,
		ExposeErrorDetails: cfg.ExposeErrorDetails,
	})

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(cfg.Origins),
	}
	return s, nil
}

// buildCheckOrigin allows any origin when no allowlist is configured, and
// always allows requests without an Origin header (non-browser clients).
func buildCheckOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("gateway: already running")
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = ln

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	}).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Handler: router}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server stopped: %v", err)
		}
	}()

	s.running = true
	s.accepting = true
	s.started = time.Now()
	s.logger.Printf("%s listening on port %d", s.cfg.Name, s.Port())
	return nil
}

// Handler exposes the server's HTTP handler for tests that drive the server
// through httptest instead of a real listener.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

// handleWS is the accept path: origin check (upgrader) → accepting check →
// per-IP cap → register → welcome → pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	accepting := s.accepting
	if !accepting {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.mu.Unlock()

	ip := remoteIP(r)
	id := uuid.NewString()
	transport := newWSTransport(id, raw)
	conn := registry.NewConn(id, ip, r.RemoteAddr, transport)

	go transport.writePump()

	if s.cfg.MaxConnectionsPerIP > 0 && s.registry.CountByIP(ip) >= s.cfg.MaxConnectionsPerIP {
		transport.Close(CloseTooManyConnections, "too_many_connections")
		return
	}

	s.registry.Add(conn)
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()

	conn.Send(protocol.EncodeWelcome(s.authorizer.RequiresAuth()))

	go func() {
		transport.readPump(func(frame []byte) {
			// Frames are read serially; handlers run concurrently so a slow
			// operation does not block the connection's other requests.
			go func(data []byte) {
				// Last-resort barrier: the dispatcher recovers handler
				// panics itself, but nothing past this point may crash
				// the process.
				defer func() {
					if r := recover(); r != nil {
						s.logger.Printf("Panic handling frame from %s: %v", conn.ID, r)
						conn.Send(protocol.EncodeError(0,
							protocol.NewError(protocol.CodeInternal, "Internal server error"), false))
					}
				}()
				if reply := s.dispatch.Dispatch(conn, data); reply != nil {
					conn.Send(reply)
				}
			}(frame)
		})
		s.cleanup(conn)
	}()
}

// cleanup releases everything a connection owns. Registry removal reports
// whether this call was the first, making cleanup exactly-once.
func (s *Server) cleanup(conn *registry.Conn) {
	if !s.registry.Remove(conn.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()
	dropped := s.storeSubs.DropConn(conn.ID)
	for i := 0; i < dropped; i++ {
		metrics.SubscriptionsActive.WithLabelValues("store").Dec()
	}
	dropped = s.rulesSubs.DropConn(conn.ID)
	for i := 0; i < dropped; i++ {
		metrics.SubscriptionsActive.WithLabelValues("rules").Dec()
	}
}

// Stop performs the graceful shutdown protocol: stop accepting, broadcast
// the shutdown system message, wait for drain or the grace deadline, close
// stragglers with 1000, release the listener. Idempotent.
func (s *Server) Stop(grace time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.accepting = false
	s.mu.Unlock()

	s.heartbeat.stop()

	if grace > 0 {
		frame := protocol.EncodeSystem("shutdown", map[string]interface{}{
			"gracePeriodMs": grace.Milliseconds(),
		})
		for _, conn := range s.registry.Snapshot() {
			conn.Send(frame)
		}

		deadline := time.Now().Add(grace)
		for s.registry.Count() > 0 && time.Now().Before(deadline) {
			time.Sleep(25 * time.Millisecond)
		}
	}

	for _, conn := range s.registry.Snapshot() {
		conn.Close(websocket.CloseNormalClosure, "shutdown")
		s.cleanup(conn)
	}

	s.storeSubs.Close()
	if s.trail != nil {
		s.trail.Close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Printf("%s stopped", s.cfg.Name)
}

// StartHeartbeat launches the heartbeat scheduler. Split from Start so tests
// using Handler() can opt in.
func (s *Server) StartHeartbeat() { s.heartbeat.start() }

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound port (resolves :0 to the assigned one).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Port
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int { return s.registry.Count() }

// RevokeSession revokes every connection authenticated as userID.
func (s *Server) RevokeSession(userID string) int {
	return s.RevokeSessions(RevokeFilter{UserID: userID})
}

// RevokeFilter selects connections for administrative revocation.
type RevokeFilter struct {
	UserID string
	Role   string
}

// RevokeSessions notifies, closes, and blacklists every matching
// authenticated connection. Returns the number of connections affected.
func (s *Server) RevokeSessions(filter RevokeFilter) int {
	matched := s.registry.Filter(func(c *registry.Conn) bool {
		sess := c.Session()
		if sess == nil {
			return false
		}
		if filter.UserID != "" && sess.UserID != filter.UserID {
			return false
		}
		if filter.Role != "" && !sess.HasRole(filter.Role) {
			return false
		}
		return filter.UserID != "" || filter.Role != ""
	})

	frame := protocol.EncodeSystem("session_revoked", map[string]interface{}{
		"reason": "Session revoked by administrator",
	})
	for _, conn := range matched {
		sess := conn.Session()
		if sess == nil {
			continue
		}
		if s.blacklist != nil {
			s.blacklist.Add(sess.UserID)
		}
		if s.identity != nil {
			if _, err := s.identity.DeleteSessionsForUser(sess.UserID); err != nil {
				s.logger.Printf("Session purge for %s failed: %v", sess.UserID, err)
			}
		}
		conn.Send(frame)
		conn.Close(CloseSessionRevoked, "session_revoked")
	}
	return len(matched)
}

// GetStats aggregates the server.stats payload.
func (s *Server) GetStats() map[string]interface{} {
	authenticated := 0
	totalStore := 0
	totalRules := 0
	for _, conn := range s.registry.Snapshot() {
		if conn.Session() != nil {
			authenticated++
		}
		st, ru := conn.SubCounts()
		totalStore += st
		totalRules += ru
	}

	var rulesStats interface{}
	if s.cfg.Rules != nil {
		rulesStats = s.cfg.Rules.Stats()
	}

	s.mu.Lock()
	running := s.running
	uptime := int64(0)
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Milliseconds()
	}
	s.mu.Unlock()

	return map[string]interface{}{
		"name":      s.cfg.Name,
		"port":      s.Port(),
		"isRunning": running,
		"uptimeMs":  uptime,
		"connections": map[string]interface{}{
			"active":                  s.registry.Count(),
			"authenticated":           authenticated,
			"totalStoreSubscriptions": totalStore,
			"totalRulesSubscriptions": totalRules,
		},
		"store":            s.cfg.Store.Stats(),
		"rules":            rulesStats,
		"rulesEnabled":     s.cfg.Rules != nil,
		"authEnabled":      s.authorizer.Mode() != auth.ModeNone,
		"rateLimitEnabled": s.limiter != nil,
	}
}

// getConnections is the server.connections payload.
func (s *Server) getConnections() []map[string]interface{} {
	conns := s.registry.Snapshot()
	out := make([]map[string]interface{}, 0, len(conns))
	for _, conn := range conns {
		entry := map[string]interface{}{
			"id":          conn.ID,
			"ip":          conn.IP,
			"remoteAddr":  conn.RemoteAddr,
			"connectedAt": conn.ConnectedAt.UnixMilli(),
		}
		if sess := conn.Session(); sess != nil {
			entry["userId"] = sess.UserID
			entry["roles"] = sess.Roles
		}
		st, ru := conn.SubCounts()
		entry["storeSubscriptions"] = st
		entry["rulesSubscriptions"] = ru
		out = append(out, entry)
	}
	return out
}

// DefineQuery registers a named query on the underlying store; exposed so
// embedders can set up live views before starting.
func (s *Server) DefineQuery(name string, fn store.QueryFunc) {
	s.cfg.Store.DefineQuery(name, fn)
}

// Procedures exposes the procedure registry for server-side registration.
func (s *Server) Procedures() *procedures.Registry { return s.procedures }

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
