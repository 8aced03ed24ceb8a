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
	"errors"
	"fmt"
	"time"

	"saga-platform/internal/store"
)

// ReplanMarkerTTL 重规划标记的有效期；过期未被消费视为放弃
const ReplanMarkerTTL = 10 * time.Minute

// ReplanMarker 重规划指示。失败处置或 schema 漂移检查写入，
// 下一轮规划读取后即删除（TakeReplanMarker）。
type ReplanMarker struct {
	ExecutionID string                   `json:"executionId"`
	Reason      string                   `json:"reason"`
	Source      string                   `json:"source"` // failover | schema | api
	Suggestions []map[string]interface{} `json:"suggestions,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
}

// SaveReplanMarker 写入重规划标记，覆盖旧值
func (r *Repository) SaveReplanMarker(ctx context.Context, m ReplanMarker) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := r.st.Put(ctx, store.KeyReplanMarker(m.ExecutionID), m, ReplanMarkerTTL); err != nil {
		return fmt.Errorf("写入重规划标记失败: %w", err)
	}
	return nil
}

// TakeReplanMarker 取走重规划标记（读取并删除）；不存在返回 nil
func (r *Repository) TakeReplanMarker(ctx context.Context, executionID string) (*ReplanMarker, error) {
	var m ReplanMarker
	if err := r.st.Get(ctx, store.KeyReplanMarker(executionID), &m); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取重规划标记失败: %w", err)
	}
	if err := r.st.Del(ctx, store.KeyReplanMarker(executionID)); err != nil {
		return nil, err
	}
	return &m, nil
}
