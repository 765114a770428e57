package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyPackage = "devicegate.authz"

// Actions evaluated against the session authorization policy.
const (
	ActionRevokeSession  = "allow_revoke_session"
	ActionRevokeAll      = "allow_revoke_all"
	ActionListSessions   = "allow_list_sessions"
	ActionManageSettings = "allow_manage_settings"
	ActionAdminAccess    = "allow_admin_access"
)

// Default Rego policy: owners act on their own sessions, administrators on anyone's.
const defaultRegoPolicy = `package devicegate.authz

default allow_revoke_session = false
default allow_revoke_all = false
default allow_list_sessions = false
default allow_manage_settings = false
default allow_admin_access = false

is_admin if {
	input.caller.permissions[_] == input.admin_permission
}

is_owner if {
	input.caller.user_id != ""
	input.caller.user_id == input.target.user_id
}

allow_revoke_session if is_owner
allow_revoke_session if is_admin

allow_revoke_all if is_owner
allow_revoke_all if is_admin

allow_list_sessions if is_owner
allow_list_sessions if is_admin

allow_manage_settings if is_admin

allow_admin_access if is_admin
`

// Caller is the acting identity in an authorization query.
type Caller struct {
	UserID      string
	Permissions []string
}

// OPAEvaluator evaluates session authorization with OPA Rego. The policy is compiled once.
type OPAEvaluator struct {
	compiler        *ast.Compiler
	adminPermission string
}

// NewOPAEvaluator compiles the default policy. adminPermission is the permission string
// that marks an administrator.
func NewOPAEvaluator(adminPermission string) (*OPAEvaluator, error) {
	return NewOPAEvaluatorWithPolicy(defaultRegoPolicy, adminPermission)
}

// NewOPAEvaluatorWithPolicy compiles a custom policy that must declare package devicegate.authz.
func NewOPAEvaluatorWithPolicy(policy, adminPermission string) (*OPAEvaluator, error) {
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile authz policy: %w", err)
	}
	return &OPAEvaluator{compiler: compiler, adminPermission: adminPermission}, nil
}

// Authorize reports whether caller may perform action on the sessions of targetUserID.
// An evaluation failure is returned as an error, never as a deny.
func (e *OPAEvaluator) Authorize(ctx context.Context, action string, caller Caller, targetUserID string) (bool, error) {
	perms := caller.Permissions
	if perms == nil {
		perms = []string{}
	}
	input := map[string]interface{}{
		"admin_permission": e.adminPermission,
		"caller": map[string]interface{}{
			"user_id":     caller.UserID,
			"permissions": perms,
		},
		"target": map[string]interface{}{
			"user_id": targetUserID,
		},
	}
	q := rego.New(
		rego.Query("data."+policyPackage+"."+action),
		rego.Compiler(e.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval %s: %w", action, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("eval %s: policy returned no result", action)
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("eval %s: non-boolean result %T", action, rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

// IsAdmin reports whether caller holds the administrator permission.
func (e *OPAEvaluator) IsAdmin(caller Caller) bool {
	for _, p := range caller.Permissions {
		if p == e.adminPermission {
			return true
		}
	}
	return false
}

// HealthCheck verifies that the compiled policy evaluates.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Authorize(ctx, ActionListSessions, Caller{UserID: "health"}, "health")
	return err
}
