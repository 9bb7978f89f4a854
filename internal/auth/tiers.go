package auth

import "strings"

// Tier is the coarse permission class mapped from roles in
// external-validator mode.
type Tier int

const (
	TierRead Tier = iota
	TierWrite
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierWrite:
		return "write"
	default:
		return "read"
	}
}

var adminOps = map[string]bool{
	"server.stats":       true,
	"server.connections": true,
	"store.defineBucket": true,
	"store.dropBucket":   true,
	"audit.query":        true,
}

var writeOps = map[string]bool{
	"store.insert":      true,
	"store.update":      true,
	"store.delete":      true,
	"store.clear":       true,
	"store.transaction": true,
	"procedures.call":   true,
}

var readOps = map[string]bool{
	"store.get":         true,
	"store.all":         true,
	"store.where":       true,
	"store.findOne":     true,
	"store.count":       true,
	"store.first":       true,
	"store.last":        true,
	"store.paginate":    true,
	"store.sum":         true,
	"store.avg":         true,
	"store.min":         true,
	"store.max":         true,
	"store.subscribe":   true,
	"store.unsubscribe": true,
	"store.buckets":     true,
	"store.stats":       true,
	"procedures.get":    true,
	"procedures.list":   true,
}

// TierFor returns the tier required by an operation. rules.* is read tier
// wholesale; operations outside the tables carry no tier requirement.
func TierFor(op string) (Tier, bool) {
	switch {
	case adminOps[op]:
		return TierAdmin, true
	case writeOps[op]:
		return TierWrite, true
	case readOps[op], strings.HasPrefix(op, "rules."):
		return TierRead, true
	}
	return TierRead, false
}

// TierForRoles maps session roles to the highest granted tier. The second
// return is false when none of the predefined roles are present; such
// custom-role sessions bypass the tier check entirely.
func TierForRoles(roles []string) (Tier, bool) {
	best := TierRead
	matched := false
	for _, role := range roles {
		switch role {
		case "admin":
			return TierAdmin, true
		case "writer":
			if best < TierWrite {
				best = TierWrite
			}
			matched = true
		case "reader":
			matched = true
		}
	}
	return best, matched
}

// Exempt operations skip the authorization pipeline entirely.
var exemptOps = map[string]bool{
	"auth.login":               true,
	"auth.logout":              true,
	"auth.whoami":              true,
	"identity.login":           true,
	"identity.loginWithSecret": true,
}

// IsExempt reports whether an operation bypasses the auth-gate.
func IsExempt(op string) bool { return exemptOps[op] }

// Built-in identity operation guards: operations requiring the superadmin
// role, operations requiring admin (or higher), and self-service operations
// any authenticated caller may use.
var superadminOnlyOps = map[string]bool{
	"identity.getUser":       true,
	"identity.updateUser":    true,
	"identity.deleteUser":    true,
	"identity.enableUser":    true,
	"identity.disableUser":   true,
	"identity.resetPassword": true,
	"identity.grant":         true,
	"identity.revoke":        true,
	"identity.transferOwner": true,
	"procedures.register":    true,
	"procedures.unregister":  true,
	"procedures.update":      true,
}

var adminIdentityOps = map[string]bool{
	"identity.createUser":   true,
	"identity.listUsers":    true,
	"identity.createRole":   true,
	"identity.updateRole":   true,
	"identity.deleteRole":   true,
	"identity.assignRole":   true,
	"identity.removeRole":   true,
	"identity.getUserRoles": true,
	"identity.getAcl":       true,
	"identity.getOwner":     true,
}

// selfServiceOps are identity operations any authenticated connection may
// perform on itself.
var selfServiceOps = map[string]bool{
	"identity.logout":         true,
	"identity.whoami":         true,
	"identity.myAccess":       true,
	"identity.changePassword": true,
	"identity.refreshSession": true,
	"identity.listRoles":      true,
}

// StorePermission derives the built-in ACL permission a store operation
// needs on its bucket.
func StorePermission(op string) string {
	switch {
	case adminOps[op]:
		return "admin"
	case writeOps[op]:
		return "write"
	default:
		return "read"
	}
}
