package identity

import (
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/store"
)

func (s *Service) roleByName(name string) (store.Doc, error) {
	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return nil, err
	}
	return roles.FindOne(map[string]interface{}{"name": name})
}

// CreateRole creates a non-system role.
func (s *Service) CreateRole(name, description string, permissions []string) (store.Doc, error) {
	if name == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Role name required")
	}
	for _, p := range permissions {
		if !validOperation(p) {
			return nil, protocol.Errorf(protocol.CodeValidation, "Unknown permission %q", p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.roleByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, protocol.Errorf(protocol.CodeAlreadyExists, "Role %q already exists", name)
	}
	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return nil, err
	}
	perms := make([]interface{}, len(permissions))
	for i, p := range permissions {
		perms[i] = p
	}
	created, err := roles.Insert(store.Doc{
		"name":        name,
		"permissions": perms,
		"system":      false,
		"description": description,
	})
	if err != nil {
		return nil, err
	}
	s.bumpEpoch()
	return created, nil
}

// UpdateRole patches a role's description and permissions. System roles keep
// their name.
func (s *Service) UpdateRole(name string, patch store.Doc) (store.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, err := s.roleByName(name)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Role %q not found", name)
	}

	allowed := store.Doc{}
	if v, ok := patch["description"]; ok {
		allowed["description"] = v
	}
	if v, ok := patch["permissions"]; ok {
		perms, isList := v.([]interface{})
		if !isList {
			return nil, protocol.NewError(protocol.CodeValidation, "permissions must be an array")
		}
		for _, p := range perms {
			ps, _ := p.(string)
			if !validOperation(ps) {
				return nil, protocol.Errorf(protocol.CodeValidation, "Unknown permission %q", ps)
			}
		}
		allowed["permissions"] = perms
	}
	if len(allowed) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "No updatable fields in patch")
	}

	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return nil, err
	}
	roleID, _ := role["id"].(string)
	updated, err := roles.Update(roleID, allowed)
	if err != nil {
		return nil, err
	}
	s.bumpEpoch()
	return updated, nil
}

// DeleteRole removes a non-system role and every assignment of it.
func (s *Service) DeleteRole(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, err := s.roleByName(name)
	if err != nil {
		return err
	}
	if role == nil {
		return protocol.Errorf(protocol.CodeNotFound, "Role %q not found", name)
	}
	if system, _ := role["system"].(bool); system {
		return protocol.Errorf(protocol.CodeForbidden, "System role %q cannot be deleted", name)
	}

	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return err
	}
	roleID, _ := role["id"].(string)
	if err := roles.Delete(roleID); err != nil {
		return err
	}
	if err := s.deleteRows(BucketUserRole, map[string]interface{}{"roleId": roleID}); err != nil {
		return err
	}
	if err := s.deleteRows(BucketACL, map[string]interface{}{
		"subjectType": "role", "subjectId": roleID,
	}); err != nil {
		return err
	}

	s.bumpEpoch()
	s.logger.Printf("Deleted role %q (assignments cascaded)", name)
	return nil
}

// ListRoles returns all roles.
func (s *Service) ListRoles() ([]store.Doc, error) {
	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return nil, err
	}
	return roles.All()
}

// AssignRole grants a role to a user. Assigning an already-held role is
// idempotent.
func (s *Service) AssignRole(userID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	if _, err := users.Get(userID); err != nil {
		return err
	}
	role, err := s.roleByName(roleName)
	if err != nil {
		return err
	}
	if role == nil {
		return protocol.Errorf(protocol.CodeNotFound, "Role %q not found", roleName)
	}
	roleID, _ := role["id"].(string)

	assignments, err := s.store.Bucket(BucketUserRole)
	if err != nil {
		return err
	}
	existing, err := assignments.FindOne(map[string]interface{}{
		"userId": userID, "roleId": roleID,
	})
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := assignments.Insert(store.Doc{"userId": userID, "roleId": roleID}); err != nil {
		return err
	}
	s.bumpEpoch()
	return nil
}

// RemoveRole revokes a role from a user.
func (s *Service) RemoveRole(userID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, err := s.roleByName(roleName)
	if err != nil {
		return err
	}
	if role == nil {
		return protocol.Errorf(protocol.CodeNotFound, "Role %q not found", roleName)
	}
	roleID, _ := role["id"].(string)
	if err := s.deleteRows(BucketUserRole, map[string]interface{}{
		"userId": userID, "roleId": roleID,
	}); err != nil {
		return err
	}
	s.bumpEpoch()
	return nil
}

// UserRoles returns the role names held by a user.
func (s *Service) UserRoles(userID string) ([]string, error) {
	if userID == SuperadminID {
		return []string{RoleSuperadmin}, nil
	}
	assignments, err := s.store.Bucket(BucketUserRole)
	if err != nil {
		return nil, err
	}
	rows, err := assignments.Where(map[string]interface{}{"userId": userID})
	if err != nil {
		return nil, err
	}
	roles, err := s.store.Bucket(BucketRoles)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		roleID, _ := row["roleId"].(string)
		role, err := roles.Get(roleID)
		if err != nil {
			continue
		}
		name, _ := role["name"].(string)
		names = append(names, name)
	}
	return names, nil
}

func validOperation(op string) bool {
	for _, v := range ValidOperations {
		if op == v {
			return true
		}
	}
	return false
}
