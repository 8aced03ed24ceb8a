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

// Package outbox 实现事务性发件箱：业务事务里 Append，投递由轮询
// 兜底，收到回执才标记 delivered。投递语义 at-least-once，消费端
// 按 outboxId 去重。
//
// 依赖 outbox 表（建表由外部迁移负责）：
//
//	CREATE TABLE outbox (
//	    id           uuid PRIMARY KEY,
//	    execution_id text NOT NULL,
//	    event_type   text NOT NULL,
//	    payload      jsonb,
//	    status       text NOT NULL DEFAULT 'pending',
//	    attempts     int  NOT NULL DEFAULT 0,
//	    created_at   timestamptz NOT NULL DEFAULT now(),
//	    delivered_at timestamptz
//	);
//	CREATE INDEX outbox_pending_idx ON outbox (created_at) WHERE status = 'pending';
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// 行状态
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Record 一条发件箱记录
type Record struct {
	ID          string
	ExecutionID string
	EventType   string
	Payload     []byte
	Status      string
	Attempts    int
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Outbox 发件箱存储接口
type Outbox interface {
	// Append 在业务事务内追加一行；tx 为 nil 时直接用连接池（仅 pg 实现区分）
	Append(ctx context.Context, tx pgx.Tx, executionID, eventType string, payload any) (id string, err error)
	// ClaimPending 认领最多 limit 条 pending（按创建时间升序，跳过他人持有的行），认领即计一次 attempt
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	// MarkDelivered 收到回执后标记已投递
	MarkDelivered(ctx context.Context, ids ...string) error
	// MarkFailed 标记永久失败（超过重试预算时由人工处理）
	MarkFailed(ctx context.Context, id string) error
	// CountPending 未投递行数，供健康检查与指标
	CountPending(ctx context.Context) (int64, error)
	Close()
}
