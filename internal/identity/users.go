package identity

import (
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/store"
)

// sanitizeUser strips engine- and secret-fields before a user row leaves the
// subsystem. passwordHash never appears in any response payload.
func sanitizeUser(doc store.Doc) store.Doc {
	if doc == nil {
		return nil
	}
	out := make(store.Doc, len(doc))
	for k, v := range doc {
		if k == "passwordHash" {
			continue
		}
		out[k] = v
	}
	return out
}

// CreateUser creates an enabled user with a hashed password.
func (s *Service) CreateUser(username, password, displayName, email string) (store.Doc, error) {
	if username == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Username required")
	}
	if len(password) < MinPasswordLength {
		return nil, protocol.Errorf(protocol.CodeValidation,
			"Password must be at least %d characters", MinPasswordLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return nil, err
	}
	existing, err := users.FindOne(map[string]interface{}{"username": username})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, protocol.Errorf(protocol.CodeAlreadyExists, "User %q already exists", username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	doc := store.Doc{
		"username":     username,
		"passwordHash": hash,
		"enabled":      true,
	}
	if displayName != "" {
		doc["displayName"] = displayName
	}
	if email != "" {
		doc["email"] = email
	}
	created, err := users.Insert(doc)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Created user %q", username)
	return sanitizeUser(created), nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(id string) (store.Doc, error) {
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return nil, err
	}
	doc, err := users.Get(id)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(doc), nil
}

// UpdateUser patches profile fields. Credentials and enablement have their
// own operations.
func (s *Service) UpdateUser(id string, patch store.Doc) (store.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := store.Doc{}
	for _, field := range []string{"displayName", "email"} {
		if v, ok := patch[field]; ok {
			allowed[field] = v
		}
	}
	if len(allowed) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "No updatable fields in patch")
	}
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return nil, err
	}
	updated, err := users.Update(id, allowed)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(updated), nil
}

// DeleteUser removes a user and cascades: all their sessions, role
// assignments, ACL entries where they are the subject, and ownership rows.
func (s *Service) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	if _, err := users.Get(id); err != nil {
		return err
	}
	if err := users.Delete(id); err != nil {
		return err
	}

	if _, err := s.DeleteSessionsForUser(id); err != nil {
		return err
	}
	if err := s.deleteRows(BucketUserRole, map[string]interface{}{"userId": id}); err != nil {
		return err
	}
	if err := s.deleteRows(BucketACL, map[string]interface{}{
		"subjectType": "user", "subjectId": id,
	}); err != nil {
		return err
	}
	if err := s.deleteRows(BucketOwners, map[string]interface{}{"userId": id}); err != nil {
		return err
	}

	s.bumpEpoch()
	s.logger.Printf("Deleted user %s (cascaded sessions, roles, acl, ownership)", id)
	return nil
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(offset, limit int) (*store.Page, error) {
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return nil, err
	}
	page, err := users.Paginate(offset, limit)
	if err != nil {
		return nil, err
	}
	for i, doc := range page.Items {
		page.Items[i] = sanitizeUser(doc)
	}
	return page, nil
}

// EnableUser re-enables a disabled account.
func (s *Service) EnableUser(id string) error {
	return s.setEnabled(id, true)
}

// DisableUser disables an account and deletes all its sessions.
func (s *Service) DisableUser(id string) error {
	if err := s.setEnabled(id, false); err != nil {
		return err
	}
	_, err := s.DeleteSessionsForUser(id)
	return err
}

func (s *Service) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	if _, err := users.Update(id, store.Doc{"enabled": enabled}); err != nil {
		return err
	}
	s.bumpEpoch()
	return nil
}

// ChangePassword verifies the current password before setting the new one,
// then deletes all sessions of the user.
func (s *Service) ChangePassword(id, current, next string) error {
	if len(next) < MinPasswordLength {
		return protocol.Errorf(protocol.CodeValidation,
			"Password must be at least %d characters", MinPasswordLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	user, err := users.Get(id)
	if err != nil {
		return err
	}
	hash, _ := user["passwordHash"].(string)
	if !VerifyPassword(current, hash) {
		return protocol.NewError(protocol.CodeUnauthorized, "Invalid credentials")
	}
	return s.setPassword(users, id, next)
}

// ResetPassword sets a new password without the current one (admin flow),
// then deletes all sessions of the user.
func (s *Service) ResetPassword(id, next string) error {
	if len(next) < MinPasswordLength {
		return protocol.Errorf(protocol.CodeValidation,
			"Password must be at least %d characters", MinPasswordLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.store.Bucket(BucketUsers)
	if err != nil {
		return err
	}
	if _, err := users.Get(id); err != nil {
		return err
	}
	return s.setPassword(users, id, next)
}

func (s *Service) setPassword(users store.Bucket, id, next string) error {
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := users.Update(id, store.Doc{"passwordHash": hash}); err != nil {
		return err
	}
	if _, err := s.DeleteSessionsForUser(id); err != nil {
		return err
	}
	s.logger.Printf("Password changed for user %s (sessions purged)", id)
	return nil
}

// deleteRows removes every row of a bucket matching the filter.
func (s *Service) deleteRows(bucket string, filter map[string]interface{}) error {
	b, err := s.store.Bucket(bucket)
	if err != nil {
		return err
	}
	rows, err := b.Where(filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if err := b.Delete(id); err != nil {
			return err
		}
	}
	return nil
}
