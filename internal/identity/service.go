// Package identity implements the gateway's built-in identity subsystem:
// users, roles, sessions, ACLs, and ownership, persisted through the Store
// in system buckets. The policy lives here; the rows live in the Store.
package identity

import (
	"crypto/subtle"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/ratelimit"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

// System buckets owned by the identity subsystem.
const (
	BucketUsers    = "_users"
	BucketRoles    = "_roles"
	BucketSessions = "_sessions"
	BucketUserRole = "_user_roles"
	BucketACL      = "_acl"
	BucketOwners   = "_resource_owners"
)

// SuperadminID is the virtual superadmin user. It exists only through the
// admin-secret login and is never stored.
const SuperadminID = "__superadmin__"

// System roles seeded at startup; they cannot be deleted.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleWriter     = "writer"
	RoleReader     = "reader"
)

// ACL operations form a closed set.
var ValidOperations = []string{"read", "write", "admin"}

// Config configures the built-in identity service.
type Config struct {
	AdminSecret string
	SessionTTL  time.Duration // 0 = sessions never expire
	LoginLimit  ratelimit.LoginConfig
}

// Service is the built-in identity subsystem. Mutations are serialized by a
// service mutex; multi-row side effects (session purges, ACL cascades) are
// applied through the Store row by row under it.
type Service struct {
	store        store.Store
	adminSecret  []byte
	sessionTTL   time.Duration
	loginLimiter *ratelimit.LoginLimiter

	mu     sync.Mutex
	epoch  atomic.Uint64
	logger *log.Logger
}

// New creates the service. Call EnsureSchema before serving.
func New(st store.Store, cfg Config) *Service {
	return &Service{
		store:        st,
		adminSecret:  []byte(cfg.AdminSecret),
		sessionTTL:   cfg.SessionTTL,
		loginLimiter: ratelimit.NewLogin(cfg.LoginLimit),
		logger:       log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// Epoch is the global authorization-cache epoch. Any identity mutation that
// can change an authorization decision bumps it; per-connection caches
// compare against it and refresh when stale.
func (s *Service) Epoch() uint64 { return s.epoch.Load() }

func (s *Service) bumpEpoch() { s.epoch.Add(1) }

// EnsureSchema defines the system buckets (if absent) and seeds the system
// roles.
func (s *Service) EnsureSchema() error {
	schemas := map[string]store.BucketConfig{
		BucketUsers: {Schema: map[string]store.FieldSpec{
			"username":     {Type: "string", Required: true, Unique: true},
			"passwordHash": {Type: "string", Required: true},
			"enabled":      {Type: "boolean", Required: true},
			"displayName":  {Type: "string"},
			"email":        {Type: "string"},
		}},
		BucketRoles: {Schema: map[string]store.FieldSpec{
			"name":        {Type: "string", Required: true, Unique: true},
			"permissions": {Type: "array"},
			"system":      {Type: "boolean", Required: true},
			"description": {Type: "string"},
		}},
		BucketSessions: {Schema: map[string]store.FieldSpec{
			"token":     {Type: "string", Required: true, Unique: true},
			"userId":    {Type: "string", Required: true},
			"expiresAt": {Type: "number"},
		}},
		BucketUserRole: {Schema: map[string]store.FieldSpec{
			"userId": {Type: "string", Required: true},
			"roleId": {Type: "string", Required: true},
		}},
		BucketACL: {Schema: map[string]store.FieldSpec{
			"subjectType":  {Type: "string", Required: true},
			"subjectId":    {Type: "string", Required: true},
			"resourceType": {Type: "string", Required: true},
			"resourceName": {Type: "string", Required: true},
			"operations":   {Type: "array", Required: true},
		}},
		BucketOwners: {Schema: map[string]store.FieldSpec{
			"resourceType": {Type: "string", Required: true},
			"resourceName": {Type: "string", Required: true},
			"userId":       {Type: "string", Required: true},
		}},
	}
	for name, cfg := range schemas {
		if err := s.store.DefineBucket(name, cfg); err != nil {
			if pe, ok := err.(*protocol.Error); ok && pe.Code == protocol.CodeAlreadyExists {
				continue
			}
			return err
		}
	}
	return s.seedRoles()
}

func (s *Service) seedRoles() error {
	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return err
	}
	seed := []struct {
		name, description string
		permissions       []interface{}
	}{
		{RoleSuperadmin, "Full access to everything", []interface{}{"read", "write", "admin"}},
		{RoleAdmin, "Administrative access", []interface{}{"read", "write", "admin"}},
		{RoleWriter, "Read and write access", []interface{}{"read", "write"}},
		{RoleReader, "Read-only access", []interface{}{"read"}},
	}
	for _, r := range seed {
		existing, err := roles.FindOne(map[string]interface{}{"name": r.name})
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if _, err := roles.Insert(store.Doc{
			"name":        r.name,
			"permissions": r.permissions,
			"system":      true,
			"description": r.description,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Login flows
// ---------------------------------------------------------------------------

// dummyHash keeps the missing-user path doing the same Argon2 work as the
// wrong-password path.
var dummyHash, _ = HashPassword("gateway-timing-pad")

// LoginWithSecret authenticates the virtual superadmin via constant-time
// comparison with the configured admin secret.
func (s *Service) LoginWithSecret(secret string) (*registry.Session, error) {
	if len(s.adminSecret) == 0 ||
		subtle.ConstantTimeCompare([]byte(secret), s.adminSecret) != 1 {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Invalid credentials")
	}
	return s.createSession(SuperadminID, []string{RoleSuperadmin})
}

// Login authenticates a stored user by username and password. Missing users
// and wrong passwords produce the identical error.
func (s *Service) Login(username, password, ip string) (*registry.Session, error) {
	if !s.loginLimiter.Allow(username, ip) {
		return nil, protocol.NewError(protocol.CodeRateLimited, "Too many login attempts")
	}

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return nil, err
	}
	user, err := users.FindOne(map[string]interface{}{"username": username})
	if err != nil {
		return nil, err
	}
	if user == nil {
		VerifyPassword(password, dummyHash)
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Invalid credentials")
	}
	if enabled, _ := user["enabled"].(bool); !enabled {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Account disabled")
	}
	hash, _ := user["passwordHash"].(string)
	if !VerifyPassword(password, hash) {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Invalid credentials")
	}

	s.loginLimiter.Reset(username)
	userID, _ := user["id"].(string)
	roles, err := s.UserRoles(userID)
	if err != nil {
		return nil, err
	}
	return s.createSession(userID, roles)
}

func (s *Service) createSession(userID string, roles []string) (*registry.Session, error) {
	sessions, err := s.store.Bucket(BucketSessions)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	var expiresAt int64
	if s.sessionTTL > 0 {
		expiresAt = time.Now().Add(s.sessionTTL).UnixMilli()
	}
	if _, err := sessions.Insert(store.Doc{
		"token":     token,
		"userId":    userID,
		"expiresAt": expiresAt,
	}); err != nil {
		return nil, err
	}
	s.logger.Printf("Session issued for user %s", userID)
	return &registry.Session{
		UserID:    userID,
		Roles:     roles,
		ExpiresAt: expiresAt,
		Token:     token,
	}, nil
}

// SessionByToken resolves a persisted session. Expired rows are deleted and
// reported as absent.
func (s *Service) SessionByToken(token string) (*registry.Session, error) {
	sessions, err := s.store.Bucket(BucketSessions)
	if err != nil {
		return nil, err
	}
	row, err := sessions.FindOne(map[string]interface{}{"token": token})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	expiresAt := asMillis(row["expiresAt"])
	if expiresAt > 0 && expiresAt <= time.Now().UnixMilli() {
		id, _ := row["id"].(string)
		_ = sessions.Delete(id)
		return nil, nil
	}
	userID, _ := row["userId"].(string)
	var roles []string
	if userID == SuperadminID {
		roles = []string{RoleSuperadmin}
	} else if roles, err = s.UserRoles(userID); err != nil {
		return nil, err
	}
	return &registry.Session{
		UserID:    userID,
		Roles:     roles,
		ExpiresAt: expiresAt,
		Token:     token,
	}, nil
}

// Logout deletes a session row. Unknown tokens are a no-op.
func (s *Service) Logout(token string) error {
	sessions, err := s.store.Bucket(BucketSessions)
	if err != nil {
		return err
	}
	row, err := sessions.FindOne(map[string]interface{}{"token": token})
	if err != nil || row == nil {
		return err
	}
	id, _ := row["id"].(string)
	return sessions.Delete(id)
}

// RefreshSession rotates a session token: the old row is deleted and a new
// one issued in one serialized step, so exactly the previous token is
// invalidated.
func (s *Service) RefreshSession(token string) (*registry.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.SessionByToken(token)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Session expired")
	}
	if err := s.Logout(token); err != nil {
		return nil, err
	}
	return s.createSession(current.UserID, current.Roles)
}

// DeleteSessionsForUser removes every session of a user, invalidating all
// reconnect tokens.
func (s *Service) DeleteSessionsForUser(userID string) (int, error) {
	sessions, err := s.store.Bucket(BucketSessions)
	if err != nil {
		return 0, err
	}
	rows, err := sessions.Where(map[string]interface{}{"userId": userID})
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if err := sessions.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func asMillis(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
