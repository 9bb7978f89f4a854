package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/ratelimit"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := New(store.NewMemory(), cfg)
	require.NoError(t, svc.EnsureSchema())
	return svc
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	pe, ok := err.(*protocol.Error)
	require.True(t, ok, "expected protocol error, got %T", err)
	return pe.Code
}

func TestPasswordHashRoundtrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse battery", hash))
	assert.False(t, VerifyPassword("wrong", hash))

	// Two hashes of the same password differ (fresh salt each time).
	again, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	assert.False(t, VerifyPassword("pw", ""))
	assert.False(t, VerifyPassword("pw", "$bcrypt$whatever"))
	assert.False(t, VerifyPassword("pw", "$argon2id$v=19$m=65536,t=3,p=4$!!!$!!!"))
}

func TestLoginWithSecret(t *testing.T) {
	svc := newTestService(t, Config{AdminSecret: "hunter2hunter2"})

	sess, err := svc.LoginWithSecret("hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, SuperadminID, sess.UserID)
	assert.Equal(t, []string{RoleSuperadmin}, sess.Roles)
	assert.NotEmpty(t, sess.Token)

	_, err = svc.LoginWithSecret("wrong")
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))
}

func TestLoginWithSecretDisabled(t *testing.T) {
	svc := newTestService(t, Config{})
	_, err := svc.LoginWithSecret("")
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err),
		"empty configured secret never matches")
}

func TestLoginFlow(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("alice", "s3cret-pass", "Alice", "alice@x.dev")
	require.NoError(t, err)
	userID := user["id"].(string)
	require.NoError(t, svc.AssignRole(userID, RoleWriter))

	sess, err := svc.Login("alice", "s3cret-pass", "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, userID, sess.UserID)
	assert.Equal(t, []string{RoleWriter}, sess.Roles)

	// Wrong password and unknown user produce the identical message.
	_, badPw := svc.Login("alice", "nope", "1.1.1.1")
	_, badUser := svc.Login("nobody", "nope", "1.1.1.1")
	assert.Equal(t, badPw.Error(), badUser.Error())

	// The issued token resolves back to a session.
	resolved, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, userID, resolved.UserID)

	require.NoError(t, svc.Logout(sess.Token))
	resolved, err = svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestLoginDisabledAccount(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("bob", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)

	sess, err := svc.Login("bob", "s3cret-pass", "1.1.1.1")
	require.NoError(t, err)

	require.NoError(t, svc.DisableUser(id))
	_, err = svc.Login("bob", "s3cret-pass", "1.1.1.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Account disabled")

	// Disabling purged the existing session too.
	resolved, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	require.NoError(t, svc.EnableUser(id))
	_, err = svc.Login("bob", "s3cret-pass", "1.1.1.1")
	assert.NoError(t, err)
}

func TestLoginRateLimit(t *testing.T) {
	svc := newTestService(t, Config{
		LoginLimit: ratelimit.LoginConfig{MaxAttempts: 2, Window: time.Minute},
	})
	_, err := svc.CreateUser("carol", "s3cret-pass", "", "")
	require.NoError(t, err)

	svc.Login("carol", "wrong", "9.9.9.9")
	svc.Login("carol", "wrong", "9.9.9.9")
	_, err = svc.Login("carol", "s3cret-pass", "9.9.9.9")
	assert.Equal(t, protocol.CodeRateLimited, errCode(t, err),
		"even the correct password is throttled once the budget is spent")
}

func TestSessionExpiry(t *testing.T) {
	svc := newTestService(t, Config{SessionTTL: time.Millisecond})
	_, err := svc.CreateUser("dave", "s3cret-pass", "", "")
	require.NoError(t, err)

	sess, err := svc.Login("dave", "s3cret-pass", "1.1.1.1")
	require.NoError(t, err)
	assert.Greater(t, sess.ExpiresAt, int64(0))

	time.Sleep(5 * time.Millisecond)
	resolved, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, resolved, "expired sessions resolve as absent")
}

func TestRefreshSessionRotatesToken(t *testing.T) {
	svc := newTestService(t, Config{})
	_, err := svc.CreateUser("erin", "s3cret-pass", "", "")
	require.NoError(t, err)
	sess, err := svc.Login("erin", "s3cret-pass", "1.1.1.1")
	require.NoError(t, err)

	fresh, err := svc.RefreshSession(sess.Token)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Token, fresh.Token)
	assert.Equal(t, sess.UserID, fresh.UserID)

	old, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, old, "the previous token is invalidated")

	_, err = svc.RefreshSession(sess.Token)
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))
}

func TestUserPayloadsOmitPasswordHash(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("frank", "s3cret-pass", "Frank", "")
	require.NoError(t, err)
	assert.NotContains(t, user, "passwordHash")

	got, err := svc.GetUser(user["id"].(string))
	require.NoError(t, err)
	assert.NotContains(t, got, "passwordHash")

	page, err := svc.ListUsers(0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	for _, doc := range page.Items {
		assert.NotContains(t, doc, "passwordHash")
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(t, Config{})
	_, err := svc.CreateUser("", "s3cret-pass", "", "")
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))

	_, err = svc.CreateUser("gina", "short", "", "")
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))

	_, err = svc.CreateUser("gina", "s3cret-pass", "", "")
	require.NoError(t, err)
	_, err = svc.CreateUser("gina", "s3cret-pass", "", "")
	assert.Equal(t, protocol.CodeAlreadyExists, errCode(t, err))
}

func TestChangePassword(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("hana", "old-password", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	sess, err := svc.Login("hana", "old-password", "1.1.1.1")
	require.NoError(t, err)

	err = svc.ChangePassword(id, "wrong", "new-password")
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))

	require.NoError(t, svc.ChangePassword(id, "old-password", "new-password"))

	// All sessions are purged on password change.
	resolved, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	_, err = svc.Login("hana", "old-password", "1.1.1.1")
	require.Error(t, err)
	_, err = svc.Login("hana", "new-password", "1.1.1.1")
	assert.NoError(t, err)
}

func TestDeleteUserCascades(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("ivan", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	require.NoError(t, svc.AssignRole(id, RoleReader))
	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read"}))
	require.NoError(t, svc.SetOwner("bucket", "drafts", id))
	sess, err := svc.Login("ivan", "s3cret-pass", "1.1.1.1")
	require.NoError(t, err)

	before := svc.Epoch()
	require.NoError(t, svc.DeleteUser(id))
	assert.Greater(t, svc.Epoch(), before)

	resolved, err := svc.SessionByToken(sess.Token)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	roles, err := svc.UserRoles(id)
	require.NoError(t, err)
	assert.Empty(t, roles)

	entries, err := svc.GetACL("bucket", "orders")
	require.NoError(t, err)
	assert.Empty(t, entries)

	owner, err := svc.GetOwner("bucket", "drafts")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRoleLifecycle(t *testing.T) {
	svc := newTestService(t, Config{})

	roles, err := svc.ListRoles()
	require.NoError(t, err)
	assert.Len(t, roles, 4, "system roles are seeded")

	_, err = svc.CreateRole("auditor", "read-only reviews", []string{"read"})
	require.NoError(t, err)
	_, err = svc.CreateRole("auditor", "", nil)
	assert.Equal(t, protocol.CodeAlreadyExists, errCode(t, err))
	_, err = svc.CreateRole("broken", "", []string{"fly"})
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))

	_, err = svc.UpdateRole("auditor", store.Doc{"description": "reviews"})
	require.NoError(t, err)
	_, err = svc.UpdateRole("ghost", store.Doc{"description": "x"})
	assert.Equal(t, protocol.CodeNotFound, errCode(t, err))

	err = svc.DeleteRole(RoleAdmin)
	assert.Equal(t, protocol.CodeForbidden, errCode(t, err), "system roles are protected")
	require.NoError(t, svc.DeleteRole("auditor"))
}

func TestAssignRemoveRole(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("judy", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)

	require.NoError(t, svc.AssignRole(id, RoleWriter))
	require.NoError(t, svc.AssignRole(id, RoleWriter), "re-assign is idempotent")
	roles, err := svc.UserRoles(id)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleWriter}, roles)

	err = svc.AssignRole(id, "no-such-role")
	assert.Equal(t, protocol.CodeNotFound, errCode(t, err))

	require.NoError(t, svc.RemoveRole(id, RoleWriter))
	roles, err = svc.UserRoles(id)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestGrantRevokeIdentityLaw(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("kate", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)

	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read", "write"}))
	require.NoError(t, svc.Revoke("user", id, "bucket", "orders", []string{"read", "write"}))

	entries, err := svc.GetACL("bucket", "orders")
	require.NoError(t, err)
	assert.Empty(t, entries, "grant then revoke of the same set leaves no entry")
}

func TestGrantMergesAndPartialRevoke(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("liam", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)

	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read"}))
	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"write"}))

	entries, err := svc.GetACL("bucket", "orders")
	require.NoError(t, err)
	require.Len(t, entries, 1, "grants on the same subject/resource merge")
	assert.ElementsMatch(t, []interface{}{"read", "write"}, entries[0]["operations"])

	require.NoError(t, svc.Revoke("user", id, "bucket", "orders", []string{"write"}))
	entries, err = svc.GetACL("bucket", "orders")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []interface{}{"read"}, entries[0]["operations"])
}

func TestGrantValidation(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("mona", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)

	err = svc.Grant("group", id, "bucket", "orders", []string{"read"})
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))
	err = svc.Grant("user", id, "bucket", "orders", nil)
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))
	err = svc.Grant("user", id, "bucket", "orders", []string{"levitate"})
	assert.Equal(t, protocol.CodeValidation, errCode(t, err))
	err = svc.Grant("user", "no-such-user", "bucket", "orders", []string{"read"})
	assert.Equal(t, protocol.CodeNotFound, errCode(t, err))
	err = svc.Grant("role", "no-such-role", "bucket", "orders", []string{"read"})
	assert.Equal(t, protocol.CodeNotFound, errCode(t, err))
}

func TestCheckPermission(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("nina", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	sess := &registry.Session{UserID: id}

	ok, err := svc.CheckPermission(sess, "read", "bucket", "orders")
	require.NoError(t, err)
	assert.False(t, ok, "no grant, no ownership")

	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read"}))
	ok, err = svc.CheckPermission(sess, "read", "bucket", "orders")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.CheckPermission(sess, "write", "bucket", "orders")
	require.NoError(t, err)
	assert.False(t, ok, "grant covers only the listed operations")

	// Ownership implies every operation.
	require.NoError(t, svc.SetOwner("bucket", "drafts", id))
	for _, op := range ValidOperations {
		ok, err = svc.CheckPermission(sess, op, "bucket", "drafts")
		require.NoError(t, err)
		assert.True(t, ok, "owner allowed %q", op)
	}

	// Superadmin bypasses everything.
	super := &registry.Session{UserID: SuperadminID}
	ok, err = svc.CheckPermission(super, "admin", "bucket", "anything")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CheckPermission(nil, "read", "bucket", "orders")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPermissionViaRole(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("omar", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	require.NoError(t, svc.AssignRole(id, RoleReader))
	require.NoError(t, svc.Grant("role", RoleReader, "bucket", "orders", []string{"read"}))

	sess := &registry.Session{UserID: id, Roles: []string{RoleReader}}
	ok, err := svc.CheckPermission(sess, "read", "bucket", "orders")
	require.NoError(t, err)
	assert.True(t, ok, "role grants apply to every holder")
}

func TestTransferOwner(t *testing.T) {
	svc := newTestService(t, Config{})
	a, err := svc.CreateUser("pat", "s3cret-pass", "", "")
	require.NoError(t, err)
	b, err := svc.CreateUser("quinn", "s3cret-pass", "", "")
	require.NoError(t, err)
	aID, bID := a["id"].(string), b["id"].(string)

	err = svc.TransferOwner("bucket", "orders", bID)
	assert.Equal(t, protocol.CodeNotFound, errCode(t, err), "unowned resource")

	require.NoError(t, svc.SetOwner("bucket", "orders", aID))
	require.NoError(t, svc.TransferOwner("bucket", "orders", bID))
	owner, err := svc.GetOwner("bucket", "orders")
	require.NoError(t, err)
	assert.Equal(t, bID, owner)
}

func TestDropResourceCascade(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("rita", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read"}))
	require.NoError(t, svc.SetOwner("bucket", "orders", id))

	require.NoError(t, svc.DropResourceCascade("bucket", "orders"))
	entries, err := svc.GetACL("bucket", "orders")
	require.NoError(t, err)
	assert.Empty(t, entries)
	owner, err := svc.GetOwner("bucket", "orders")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestMyAccess(t *testing.T) {
	svc := newTestService(t, Config{})
	user, err := svc.CreateUser("sara", "s3cret-pass", "", "")
	require.NoError(t, err)
	id := user["id"].(string)
	require.NoError(t, svc.Grant("user", id, "bucket", "orders", []string{"read"}))
	require.NoError(t, svc.SetOwner("bucket", "drafts", id))

	access, err := svc.MyAccess(&registry.Session{UserID: id, Roles: []string{}})
	require.NoError(t, err)
	assert.Equal(t, id, access["userId"])
	assert.Equal(t, false, access["superadmin"])
	assert.Len(t, access["grants"], 1)
	assert.Len(t, access["owns"], 1)
}
