package identity

import (
	"sort"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

// Grant adds (or extends) an ACL entry for a subject on a resource. Subject
// type is "user" or "role"; for roles the subject id is the role name.
func (s *Service) Grant(subjectType, subjectID, resourceType, resourceName string, operations []string) error {
	if subjectType != "user" && subjectType != "role" {
		return protocol.Errorf(protocol.CodeValidation, "Unknown subject type %q", subjectType)
	}
	if len(operations) == 0 {
		return protocol.NewError(protocol.CodeValidation, "At least one operation required")
	}
	for _, op := range operations {
		if !validOperation(op) {
			return protocol.Errorf(protocol.CodeValidation, "Unknown operation %q", op)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subjectID, err := s.resolveSubject(subjectType, subjectID)
	if err != nil {
		return err
	}

	acl, err := s.store.Bucket(BucketACL)
	if err != nil {
		return err
	}
	filter := map[string]interface{}{
		"subjectType":  subjectType,
		"subjectId":    subjectID,
		"resourceType": resourceType,
		"resourceName": resourceName,
	}
	existing, err := acl.FindOne(filter)
	if err != nil {
		return err
	}
	if existing == nil {
		ops := make([]interface{}, len(operations))
		for i, op := range operations {
			ops[i] = op
		}
		row := store.Doc{"operations": ops}
		for k, v := range filter {
			row[k] = v
		}
		if _, err := acl.Insert(row); err != nil {
			return err
		}
	} else {
		merged := opSet(existing["operations"])
		for _, op := range operations {
			merged[op] = true
		}
		id, _ := existing["id"].(string)
		if _, err := acl.Update(id, store.Doc{"operations": opList(merged)}); err != nil {
			return err
		}
	}

	s.bumpEpoch()
	return nil
}

// Revoke removes operations from an ACL entry; when no operations remain the
// entry is deleted. grant(X) then revoke(X) is the identity on ACL state.
func (s *Service) Revoke(subjectType, subjectID, resourceType, resourceName string, operations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjectID, err := s.resolveSubject(subjectType, subjectID)
	if err != nil {
		return err
	}

	acl, err := s.store.Bucket(BucketACL)
	if err != nil {
		return err
	}
	existing, err := acl.FindOne(map[string]interface{}{
		"subjectType":  subjectType,
		"subjectId":    subjectID,
		"resourceType": resourceType,
		"resourceName": resourceName,
	})
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	remaining := opSet(existing["operations"])
	if len(operations) == 0 {
		remaining = map[string]bool{}
	}
	for _, op := range operations {
		delete(remaining, op)
	}

	id, _ := existing["id"].(string)
	if len(remaining) == 0 {
		if err := acl.Delete(id); err != nil {
			return err
		}
	} else if _, err := acl.Update(id, store.Doc{"operations": opList(remaining)}); err != nil {
		return err
	}

	s.bumpEpoch()
	return nil
}

// GetACL returns all ACL entries on a resource.
func (s *Service) GetACL(resourceType, resourceName string) ([]store.Doc, error) {
	acl, err := s.store.Bucket(BucketACL)
	if err != nil {
		return nil, err
	}
	return acl.Where(map[string]interface{}{
		"resourceType": resourceType,
		"resourceName": resourceName,
	})
}

// GetOwner returns the owner userId of a resource, or "" when unowned.
func (s *Service) GetOwner(resourceType, resourceName string) (string, error) {
	owners, err := s.store.Bucket(BucketOwners)
	if err != nil {
		return "", err
	}
	row, err := owners.FindOne(map[string]interface{}{
		"resourceType": resourceType,
		"resourceName": resourceName,
	})
	if err != nil || row == nil {
		return "", err
	}
	userID, _ := row["userId"].(string)
	return userID, nil
}

// SetOwner records ownership of a resource, replacing any previous owner so
// every resource has at most one.
func (s *Service) SetOwner(resourceType, resourceName, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setOwnerLocked(resourceType, resourceName, userID)
}

func (s *Service) setOwnerLocked(resourceType, resourceName, userID string) error {
	owners, err := s.store.Bucket(BucketOwners)
	if err != nil {
		return err
	}
	existing, err := owners.FindOne(map[string]interface{}{
		"resourceType": resourceType,
		"resourceName": resourceName,
	})
	if err != nil {
		return err
	}
	if existing != nil {
		id, _ := existing["id"].(string)
		if _, err := owners.Update(id, store.Doc{"userId": userID}); err != nil {
			return err
		}
	} else if _, err := owners.Insert(store.Doc{
		"resourceType": resourceType,
		"resourceName": resourceName,
		"userId":       userID,
	}); err != nil {
		return err
	}
	s.bumpEpoch()
	return nil
}

// TransferOwner moves ownership of a resource to another user.
func (s *Service) TransferOwner(resourceType, resourceName, newOwnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	if _, err := users.Get(newOwnerID); err != nil {
		return err
	}
	owner, err := s.GetOwner(resourceType, resourceName)
	if err != nil {
		return err
	}
	if owner == "" {
		return protocol.Errorf(protocol.CodeNotFound,
			"Resource %s/%s has no owner", resourceType, resourceName)
	}
	return s.setOwnerLocked(resourceType, resourceName, newOwnerID)
}

// DropResourceCascade removes all ACL entries and ownership rows for a
// resource; called when a bucket is dropped.
func (s *Service) DropResourceCascade(resourceType, resourceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := map[string]interface{}{
		"resourceType": resourceType,
		"resourceName": resourceName,
	}
	if err := s.deleteRows(BucketACL, filter); err != nil {
		return err
	}
	if err := s.deleteRows(BucketOwners, filter); err != nil {
		return err
	}
	s.bumpEpoch()
	return nil
}

// CheckPermission decides whether the session may perform the operation on
// the resource. Allow when: superadmin; an ACL entry for the user or one of
// their roles contains the operation; or the user owns the resource
// (ownership implies all operations).
func (s *Service) CheckPermission(sess *registry.Session, operation, resourceType, resourceName string) (bool, error) {
	if sess == nil {
		return false, nil
	}
	if sess.UserID == SuperadminID || sess.HasRole(RoleSuperadmin) {
		return true, nil
	}

	owner, err := s.GetOwner(resourceType, resourceName)
	if err != nil {
		return false, err
	}
	if owner != "" && owner == sess.UserID {
		return true, nil
	}

	acl, err := s.store.Bucket(BucketACL)
	if err != nil {
		return false, err
	}
	rows, err := acl.Where(map[string]interface{}{
		"resourceType": resourceType,
		"resourceName": resourceName,
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	roleIDs, err := s.roleIDsFor(sess.Roles)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		ops := opSet(row["operations"])
		if !ops[operation] {
			continue
		}
		subjectType, _ := row["subjectType"].(string)
		subjectID, _ := row["subjectId"].(string)
		if subjectType == "user" && subjectID == sess.UserID {
			return true, nil
		}
		if subjectType == "role" && roleIDs[subjectID] {
			return true, nil
		}
	}
	return false, nil
}

// MyAccess summarizes a session's effective permissions: roles, ACL entries
// addressed to the user or their roles, and owned resources.
func (s *Service) MyAccess(sess *registry.Session) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"userId":     sess.UserID,
		"roles":      sess.Roles,
		"superadmin": sess.UserID == SuperadminID || sess.HasRole(RoleSuperadmin),
	}

	acl, err := s.store.Bucket(BucketACL)
	if err != nil {
		return nil, err
	}
	roleIDs, err := s.roleIDsFor(sess.Roles)
	if err != nil {
		return nil, err
	}
	all, err := acl.All()
	if err != nil {
		return nil, err
	}
	grants := make([]store.Doc, 0)
	for _, row := range all {
		subjectType, _ := row["subjectType"].(string)
		subjectID, _ := row["subjectId"].(string)
		if (subjectType == "user" && subjectID == sess.UserID) ||
			(subjectType == "role" && roleIDs[subjectID]) {
			grants = append(grants, row)
		}
	}
	out["grants"] = grants

	owners, err := s.store.Bucket(BucketOwners)
	if err != nil {
		return nil, err
	}
	owned, err := owners.Where(map[string]interface{}{"userId": sess.UserID})
	if err != nil {
		return nil, err
	}
	out["owns"] = owned
	return out, nil
}

// resolveSubject maps a role name to its role id; user subjects pass
// through after an existence check.
func (s *Service) resolveSubject(subjectType, subjectID string) (string, error) {
	if subjectType == "role" {
		role, err := s.roleByName(subjectID)
		if err != nil {
			return "", err
		}
		if role == nil {
			return "", protocol.Errorf(protocol.CodeNotFound, "Role %q not found", subjectID)
		}
		id, _ := role["id"].(string)
		return id, nil
	}
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return "", err
	}
	if _, err := users.Get(subjectID); err != nil {
		return "", err
	}
	return subjectID, nil
}

func (s *Service) roleIDsFor(names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		role, err := s.roleByName(name)
		if err != nil {
			return nil, err
		}
		if role != nil {
			id, _ := role["id"].(string)
			out[id] = true
		}
	}
	return out, nil
}

func opSet(v interface{}) map[string]bool {
	out := make(map[string]bool)
	if list, ok := v.([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

func opList(set map[string]bool) []interface{} {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
