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

package saga

import (
	"context"
	"fmt"

	"saga-platform/internal/store"
)

// Repository Execution 的持久化入口；整条记录 JSON 存于 task:{executionId}，
// 不设 TTL。执行锁保证单写者，这里不做并发控制。
type Repository struct {
	st store.Store
}

// NewRepository 创建执行记录仓库
func NewRepository(st store.Store) *Repository {
	return &Repository{st: st}
}

// Load 读取执行记录；不存在时错误可被 errors.Is(err, store.ErrKeyNotFound) 识别
func (r *Repository) Load(ctx context.Context, executionID string) (*Execution, error) {
	var e Execution
	if err := r.st.Get(ctx, store.KeyTask(executionID), &e); err != nil {
		return nil, fmt.Errorf("加载执行记录 %s 失败: %w", executionID, err)
	}
	// 空 map 序列化时被 omitempty 吃掉，回读补上
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	return &e, nil
}

// Save 整条覆盖写回
func (r *Repository) Save(ctx context.Context, e *Execution) error {
	if err := r.st.Put(ctx, store.KeyTask(e.ID), e, 0); err != nil {
		return fmt.Errorf("保存执行记录 %s 失败: %w", e.ID, err)
	}
	return nil
}
