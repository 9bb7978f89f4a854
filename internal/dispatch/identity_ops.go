package dispatch

import (
	"github.com/canopydb/gateway/internal/identity"
	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/store"
)

func (d *Dispatcher) identityService() (*identity.Service, *protocol.Error) {
	if d.Identity == nil {
		return nil, protocol.NewError(protocol.CodeUnknownOperation, "Built-in identity not configured")
	}
	return d.Identity, nil
}

func sessionResult(sess *registry.Session) map[string]interface{} {
	return map[string]interface{}{
		"userId":    sess.UserID,
		"roles":     sess.Roles,
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt,
	}
}

func (d *Dispatcher) identityLoginWithSecret(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Secret string `json:"secret"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	sess, err := svc.LoginWithSecret(p.Secret)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if d.Blacklist != nil && d.Blacklist.Revoked(sess.UserID) {
		return nil, protocol.NewError(protocol.CodeSessionRevoked, "Session revoked by administrator")
	}
	conn.SetSession(sess)
	return sessionResult(sess), nil
}

func (d *Dispatcher) identityLogin(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	sess, err := svc.Login(p.Username, p.Password, conn.IP)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if d.Blacklist != nil && d.Blacklist.Revoked(sess.UserID) {
		// The fresh session row must not outlive this rejection.
		_ = svc.Logout(sess.Token)
		return nil, protocol.NewError(protocol.CodeSessionRevoked, "Session revoked by administrator")
	}
	conn.SetSession(sess)
	return sessionResult(sess), nil
}

func (d *Dispatcher) identityLogout(conn *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	sess := conn.Session()
	if sess != nil && sess.Token != "" {
		if err := svc.Logout(sess.Token); err != nil {
			return nil, protocol.AsError(err)
		}
	}
	conn.SetSession(nil)
	return map[string]interface{}{"loggedOut": true}, nil
}

func (d *Dispatcher) identityRefreshSession(conn *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	sess := conn.Session()
	if sess == nil || sess.Token == "" {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "No session to refresh")
	}
	next, err := svc.RefreshSession(sess.Token)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	conn.SetSession(next)
	return sessionResult(next), nil
}

func (d *Dispatcher) identityWhoami(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	return d.authWhoami(conn, req)
}

func (d *Dispatcher) identityMyAccess(conn *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	sess := conn.Session()
	if sess == nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Authentication required")
	}
	access, err := svc.MyAccess(sess)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return access, nil
}

func (d *Dispatcher) identityCreateUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	user, err := svc.CreateUser(p.Username, p.Password, p.DisplayName, p.Email)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return user, nil
}

func (d *Dispatcher) identityGetUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	user, err := svc.GetUser(p.UserID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return user, nil
}

func (d *Dispatcher) identityUpdateUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string    `json:"userId"`
		Data   store.Doc `json:"data"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	user, err := svc.UpdateUser(p.UserID, p.Data)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return user, nil
}

func (d *Dispatcher) identityDeleteUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.DeleteUser(p.UserID); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"deleted": true, "userId": p.UserID}, nil
}

func (d *Dispatcher) identityListUsers(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	page, err := svc.ListUsers(p.Offset, p.Limit)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return page, nil
}

func (d *Dispatcher) identityEnableUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	return d.identitySetEnabled(req, true)
}

func (d *Dispatcher) identityDisableUser(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	return d.identitySetEnabled(req, false)
}

func (d *Dispatcher) identitySetEnabled(req *protocol.Request, enabled bool) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	var err error
	if enabled {
		err = svc.EnableUser(p.UserID)
	} else {
		err = svc.DisableUser(p.UserID)
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"userId": p.UserID, "enabled": enabled}, nil
}

func (d *Dispatcher) identityChangePassword(conn *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	sess := conn.Session()
	if sess == nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "Authentication required")
	}
	if sess.UserID == identity.SuperadminID {
		return nil, protocol.NewError(protocol.CodeValidation, "Virtual superadmin has no password")
	}
	var p struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.ChangePassword(sess.UserID, p.CurrentPassword, p.NewPassword); err != nil {
		return nil, protocol.AsError(err)
	}
	// Password change purged every session for the user, including this one.
	conn.SetSession(nil)
	return map[string]interface{}{"changed": true}, nil
}

func (d *Dispatcher) identityResetPassword(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID      string `json:"userId"`
		NewPassword string `json:"newPassword"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.ResetPassword(p.UserID, p.NewPassword); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"reset": true, "userId": p.UserID}, nil
}

func (d *Dispatcher) identityCreateRole(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	role, err := svc.CreateRole(p.Name, p.Description, p.Permissions)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return role, nil
}

func (d *Dispatcher) identityUpdateRole(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Name string    `json:"name"`
		Data store.Doc `json:"data"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	role, err := svc.UpdateRole(p.Name, p.Data)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return role, nil
}

func (d *Dispatcher) identityDeleteRole(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.DeleteRole(p.Name); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"deleted": true, "name": p.Name}, nil
}

func (d *Dispatcher) identityListRoles(_ *registry.Conn, _ *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	roles, err := svc.ListRoles()
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"roles": roles}, nil
}

func (d *Dispatcher) identityAssignRole(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.AssignRole(p.UserID, p.Role); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"assigned": true, "userId": p.UserID, "role": p.Role}, nil
}

func (d *Dispatcher) identityRemoveRole(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.RemoveRole(p.UserID, p.Role); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"removed": true, "userId": p.UserID, "role": p.Role}, nil
}

func (d *Dispatcher) identityGetUserRoles(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	roles, err := svc.UserRoles(p.UserID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"userId": p.UserID, "roles": roles}, nil
}

type aclParams struct {
	SubjectType  string   `json:"subjectType"`
	SubjectID    string   `json:"subjectId"`
	ResourceType string   `json:"resourceType"`
	ResourceName string   `json:"resourceName"`
	Operations   []string `json:"operations"`
}

func (d *Dispatcher) identityGrant(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p aclParams
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.Grant(p.SubjectType, p.SubjectID, p.ResourceType, p.ResourceName, p.Operations); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"granted": true}, nil
}

func (d *Dispatcher) identityRevoke(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p aclParams
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.Revoke(p.SubjectType, p.SubjectID, p.ResourceType, p.ResourceName, p.Operations); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"revoked": true}, nil
}

func (d *Dispatcher) identityGetACL(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p aclParams
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	entries, err := svc.GetACL(p.ResourceType, p.ResourceName)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"acl": entries}, nil
}

func (d *Dispatcher) identityGetOwner(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p aclParams
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	owner, err := svc.GetOwner(p.ResourceType, p.ResourceName)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"owner": owner}, nil
}

func (d *Dispatcher) identityTransferOwner(_ *registry.Conn, req *protocol.Request) (interface{}, *protocol.Error) {
	svc, serr := d.identityService()
	if serr != nil {
		return nil, serr
	}
	var p struct {
		ResourceType string `json:"resourceType"`
		ResourceName string `json:"resourceName"`
		NewOwnerID   string `json:"newOwnerId"`
	}
	if err := req.Params(&p); err != nil {
		return nil, err
	}
	if err := svc.TransferOwner(p.ResourceType, p.ResourceName, p.NewOwnerID); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]interface{}{"transferred": true, "owner": p.NewOwnerID}, nil
}
