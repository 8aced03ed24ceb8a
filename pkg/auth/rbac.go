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
)

// Permission 运维接口权限
type Permission string

const (
	PermissionDLQView          Permission = "dlq:view"          // 查看死信队列
	PermissionConfirmationRead Permission = "confirmation:read" // 读取挂起的确认令牌
	PermissionReconcileTrigger Permission = "reconcile:trigger" // 手动触发对账巡检
	PermissionExecutionCancel  Permission = "execution:cancel"  // 强制取消执行
)

// Role 操作员角色
type Role string

const (
	RoleAdmin    Role = "admin"    // 全部权限
	RoleOperator Role = "operator" // 查看、取令牌、触发对账（不能取消执行）
	RoleViewer   Role = "viewer"   // 只读
)

// RolePermissions 角色与权限映射。
// 确认令牌等同于放行高危步骤的钥匙，viewer 拿不到。
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionDLQView,
		PermissionConfirmationRead,
		PermissionReconcileTrigger,
		PermissionExecutionCancel,
	},
	RoleOperator: {
		PermissionDLQView,
		PermissionConfirmationRead,
		PermissionReconcileTrigger,
	},
	RoleViewer: {
		PermissionDLQView,
	},
}

// Checker RBAC 权限检查器接口
type Checker interface {
	// CheckPermission 检查操作员是否持有指定权限
	CheckPermission(ctx context.Context, operator string, permission Permission) (bool, error)

	// GetRole 获取操作员角色
	GetRole(ctx context.Context, operator string) (Role, error)

	// AssignRole 分配角色给操作员
	AssignRole(ctx context.Context, operator string, role Role) error
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// SimpleChecker 基于 RoleStore 的 RBAC 实现
type SimpleChecker struct {
	roleStore RoleStore
}

// RoleStore 角色存储接口
type RoleStore interface {
	GetRole(ctx context.Context, operator string) (Role, error)
	SetRole(ctx context.Context, operator string, role Role) error
}

// NewSimpleChecker 创建 RBAC 检查器
func NewSimpleChecker(roleStore RoleStore) *SimpleChecker {
	return &SimpleChecker{roleStore: roleStore}
}

// CheckPermission 实现 Checker 接口
func (c *SimpleChecker) CheckPermission(ctx context.Context, operator string, permission Permission) (bool, error) {
	role, err := c.roleStore.GetRole(ctx, operator)
	if err != nil {
		return false, err
	}

	return HasPermission(role, permission), nil
}

// GetRole 实现 Checker 接口
func (c *SimpleChecker) GetRole(ctx context.Context, operator string) (Role, error) {
	return c.roleStore.GetRole(ctx, operator)
}

// AssignRole 实现 Checker 接口
func (c *SimpleChecker) AssignRole(ctx context.Context, operator string, role Role) error {
	return c.roleStore.SetRole(ctx, operator, role)
}
