package auth

import (
	"errors"
	"testing"
)

func TestRolePermissions(t *testing.T) {
	svc := Service{}
	checker := Principal{ActorID: "chk-1", Roles: []string{RoleChecker}}
	if !svc.Can(checker, PermChecklistSubmit) {
		t.Fatalf("checker should submit checklists")
	}
	if svc.Can(checker, PermLifecycleValidate) {
		t.Fatalf("checker must not validate tenancies")
	}
	ops := Principal{ActorID: "ops-1", Roles: []string{RoleOps}}
	if err := svc.Require(ops, PermLifecycleValidate); err != nil {
		t.Fatalf("ops validate: %v", err)
	}
	err := svc.Require(ops, PermSignatureAdmin)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermSignatureAdmin {
		t.Fatalf("expected forbidden for %s, got %v", PermSignatureAdmin, err)
	}
}

func TestExplicitPermissionsAndUnknownRole(t *testing.T) {
	svc := Service{}
	p := Principal{ActorID: "bot", Roles: []string{"nobody"}, Permissions: []string{PermNotificationWrite}}
	if !svc.Can(p, PermNotificationWrite) {
		t.Fatalf("explicit permission ignored")
	}
	if svc.Can(p, PermBailRead) {
		t.Fatalf("unknown role granted bail.read")
	}
	perms := svc.Permissions(Principal{Roles: []string{RoleChecker, RoleChecker}})
	if len(perms) != 4 {
		t.Fatalf("expected 4 unique checker permissions, got %v", perms)
	}
}

func TestCustomGrants(t *testing.T) {
	svc := Service{Grants: map[string][]string{"auditor": {PermBailRead}}}
	if got := svc.Roles(); len(got) != 1 || got[0] != "auditor" {
		t.Fatalf("roles: %v", got)
	}
	if svc.Can(Principal{Roles: []string{RoleAdmin}}, PermBailRead) {
		t.Fatalf("built-in table should be replaced")
	}
}
