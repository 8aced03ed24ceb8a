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
	"saga-platform/pkg/metrics"
)

// DLQRetention 死信记录保留时长
const DLQRetention = 7 * 24 * time.Hour

// DLQEntry 死信记录；entry 键带 TTL，索引成员由 PruneDLQ 和懒清理回收
type DLQEntry struct {
	ExecutionID string    `json:"executionId"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source"` // heartbeat | reconcile | engine
	Attempts    int       `json:"attempts"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// UpsertDLQ 登记或刷新死信：attempts 自增，reason 取最新，source 保留首次值。
// 索引 score 为首次入队时刻（unix 秒），保证遍历时老案件在前。
func (r *Repository) UpsertDLQ(ctx context.Context, executionID, reason, source string) (*DLQEntry, error) {
	now := time.Now().UTC()
	var entry DLQEntry
	err := r.st.Get(ctx, store.KeyDLQEntry(executionID), &entry)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		entry = DLQEntry{ExecutionID: executionID, Source: source, FirstSeenAt: now}
	case err != nil:
		return nil, fmt.Errorf("读取死信记录失败: %w", err)
	}
	entry.Reason = reason
	entry.Attempts++
	entry.LastSeenAt = now
	if err := r.st.Put(ctx, store.KeyDLQEntry(executionID), entry, DLQRetention); err != nil {
		return nil, fmt.Errorf("写入死信记录失败: %w", err)
	}
	if err := r.st.ZAdd(ctx, store.KeyDLQIndex, float64(entry.FirstSeenAt.Unix()), executionID); err != nil {
		return nil, fmt.Errorf("更新死信索引失败: %w", err)
	}
	r.refreshDLQSize(ctx)
	return &entry, nil
}

// ListDLQ 按入队先后返回死信；entry 已过期的索引成员顺手剔除
func (r *Repository) ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.st.ZRange(ctx, store.KeyDLQIndex, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("读取死信索引失败: %w", err)
	}
	out := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		var entry DLQEntry
		if err := r.st.Get(ctx, store.KeyDLQEntry(id), &entry); err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				_ = r.st.ZRem(ctx, store.KeyDLQIndex, id)
				continue
			}
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// ClearDLQ 结案：删除记录并摘出索引
func (r *Repository) ClearDLQ(ctx context.Context, executionID string) error {
	if err := r.st.Del(ctx, store.KeyDLQEntry(executionID)); err != nil {
		return err
	}
	if err := r.st.ZRem(ctx, store.KeyDLQIndex, executionID); err != nil {
		return err
	}
	r.refreshDLQSize(ctx)
	return nil
}

// PruneDLQ 清理超过保留期的索引成员
func (r *Repository) PruneDLQ(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-DLQRetention).Unix()
	if err := r.st.ZRemRangeByScore(ctx, store.KeyDLQIndex, "-inf", fmt.Sprintf("%d", cutoff)); err != nil {
		return fmt.Errorf("清理死信索引失败: %w", err)
	}
	r.refreshDLQSize(ctx)
	return nil
}

func (r *Repository) refreshDLQSize(ctx context.Context) {
	if n, err := r.st.ZCard(ctx, store.KeyDLQIndex); err == nil {
		metrics.DLQSize.Set(float64(n))
	}
}
