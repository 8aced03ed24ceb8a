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

package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MemoryOutbox 内存实现，dev 与测试用；tx 参数被忽略
type MemoryOutbox struct {
	mu   sync.Mutex
	rows map[string]*Record
}

// NewMemoryOutbox 创建内存发件箱
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{rows: make(map[string]*Record)}
}

// Append 实现 Outbox
func (o *MemoryOutbox) Append(_ context.Context, _ pgx.Tx, executionID, eventType string, payload any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.New().String()
	o.rows[id] = &Record{
		ID:          id,
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payloadJSON,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	return id, nil
}

// ClaimPending 实现 Outbox
func (o *MemoryOutbox) ClaimPending(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []*Record
	for _, r := range o.rows {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Record, 0, len(pending))
	for _, r := range pending {
		r.Attempts++
		out = append(out, *r)
	}
	return out, nil
}

// MarkDelivered 实现 Outbox
func (o *MemoryOutbox) MarkDelivered(_ context.Context, ids ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if r, ok := o.rows[id]; ok && r.Status == StatusPending {
			r.Status = StatusDelivered
			r.DeliveredAt = &now
		}
	}
	return nil
}

// MarkFailed 实现 Outbox
func (o *MemoryOutbox) MarkFailed(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.rows[id]; ok {
		r.Status = StatusFailed
	}
	return nil
}

// CountPending 实现 Outbox
func (o *MemoryOutbox) CountPending(_ context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, r := range o.rows {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Close 实现 Outbox
func (o *MemoryOutbox) Close() {}
