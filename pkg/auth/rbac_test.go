// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"testing"
)

// TestRBAC_AdminHasAllPermissions Admin 角色拥有所有权限
func TestRBAC_AdminHasAllPermissions(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetRole(context.Background(), "ops", RoleAdmin)

	rbac := NewSimpleChecker(store)

	permissions := []Permission{
		PermissionDLQView,
		PermissionConfirmationRead,
		PermissionReconcileTrigger,
		PermissionExecutionCancel,
	}

	for _, perm := range permissions {
		allowed, err := rbac.CheckPermission(context.Background(), "ops", perm)
		if err != nil {
			t.Errorf("permission check failed: %v", err)
		}
		if !allowed {
			t.Errorf("admin should have permission %s", perm)
		}
	}
}

// TestRBAC_OperatorCannotCancel Operator 角色不能取消执行
func TestRBAC_OperatorCannotCancel(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetRole(context.Background(), "oncall", RoleOperator)

	rbac := NewSimpleChecker(store)

	if allowed, _ := rbac.CheckPermission(context.Background(), "oncall", PermissionDLQView); !allowed {
		t.Error("operator should have dlq view permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "oncall", PermissionConfirmationRead); !allowed {
		t.Error("operator should have confirmation read permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "oncall", PermissionReconcileTrigger); !allowed {
		t.Error("operator should have reconcile trigger permission")
	}

	allowed, err := rbac.CheckPermission(context.Background(), "oncall", PermissionExecutionCancel)
	if err != nil {
		t.Errorf("permission check failed: %v", err)
	}
	if allowed {
		t.Error("operator should not have cancel permission")
	}
}

// TestRBAC_UnknownOperatorIsViewer 未登记的操作员按只读角色处理
func TestRBAC_UnknownOperatorIsViewer(t *testing.T) {
	store := NewMemoryRoleStore()
	rbac := NewSimpleChecker(store)

	role, err := rbac.GetRole(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("get role failed: %v", err)
	}
	if role != RoleViewer {
		t.Errorf("expected viewer role, got %s", role)
	}

	if allowed, _ := rbac.CheckPermission(context.Background(), "stranger", PermissionDLQView); !allowed {
		t.Error("viewer should have dlq view permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "stranger", PermissionConfirmationRead); allowed {
		t.Error("viewer should not have confirmation read permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "stranger", PermissionReconcileTrigger); allowed {
		t.Error("viewer should not have reconcile trigger permission")
	}
}

// TestRBAC_AssignRoleOverrides 角色可以被重新分配
func TestRBAC_AssignRoleOverrides(t *testing.T) {
	store := NewMemoryRoleStore()
	rbac := NewSimpleChecker(store)

	if err := rbac.AssignRole(context.Background(), "ops", RoleViewer); err != nil {
		t.Fatalf("assign role failed: %v", err)
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "ops", PermissionExecutionCancel); allowed {
		t.Error("viewer should not have cancel permission")
	}

	if err := rbac.AssignRole(context.Background(), "ops", RoleAdmin); err != nil {
		t.Fatalf("assign role failed: %v", err)
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "ops", PermissionExecutionCancel); !allowed {
		t.Error("admin should have cancel permission")
	}
}

// TestHasPermission_UnknownRole 未知角色没有任何权限
func TestHasPermission_UnknownRole(t *testing.T) {
	if HasPermission(Role("ghost"), PermissionDLQView) {
		t.Error("unknown role should not have any permission")
	}
}
