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
	"sync"
)

// MemoryRoleStore 内存角色存储，用于单机或测试；生产可替换为持久化实现
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewMemoryRoleStore 创建内存 RoleStore
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]Role)}
}

// GetRole 获取操作员角色；未设置时返回只读的 RoleViewer
func (s *MemoryRoleStore) GetRole(ctx context.Context, operator string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roles[operator]; ok {
		return r, nil
	}
	return RoleViewer, nil
}

// SetRole 设置操作员角色
func (s *MemoryRoleStore) SetRole(ctx context.Context, operator string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[operator] = role
	return nil
}
