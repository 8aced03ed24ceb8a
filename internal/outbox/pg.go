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
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgOutbox PostgreSQL 实现，使用 outbox 表
type PgOutbox struct {
	pool *pgxpool.Pool
}

// NewPgOutbox 创建基于 PostgreSQL 的发件箱；dsn 与业务库同库，Append 才能进业务事务
func NewPgOutbox(ctx context.Context, dsn string) (*PgOutbox, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgOutbox{pool: pool}, nil
}

// Pool 暴露连接池，业务层在同一事务里写业务行与发件箱行
func (o *PgOutbox) Pool() *pgxpool.Pool {
	return o.pool
}

// Append 实现 Outbox
func (o *PgOutbox) Append(ctx context.Context, tx pgx.Tx, executionID, eventType string, payload any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化发件箱载荷失败: %w", err)
	}
	id := uuid.New().String()
	const sql = `INSERT INTO outbox (id, execution_id, event_type, payload, status) VALUES ($1, $2, $3, $4, 'pending')`
	if tx != nil {
		_, err = tx.Exec(ctx, sql, id, executionID, eventType, payloadJSON)
	} else {
		_, err = o.pool.Exec(ctx, sql, id, executionID, eventType, payloadJSON)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimPending 实现 Outbox；SKIP LOCKED 保证多个 poller 不会重复认领同一批
func (o *PgOutbox) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.pool.Query(ctx,
		`WITH sel AS (
  SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at LIMIT $1 FOR UPDATE SKIP LOCKED
)
UPDATE outbox SET attempts = attempts + 1
FROM sel WHERE outbox.id = sel.id
RETURNING outbox.id, outbox.execution_id, outbox.event_type, outbox.payload, outbox.status, outbox.attempts, outbox.created_at, outbox.delivered_at`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.EventType, &r.Payload, &r.Status, &r.Attempts, &r.CreatedAt, &r.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDelivered 实现 Outbox
func (o *PgOutbox) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx,
		`UPDATE outbox SET status = 'delivered', delivered_at = now() WHERE id = ANY($1) AND status = 'pending'`,
		ids,
	)
	return err
}

// MarkFailed 实现 Outbox
func (o *PgOutbox) MarkFailed(ctx context.Context, id string) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE outbox SET status = 'failed' WHERE id = $1`,
		id,
	)
	return err
}

// CountPending 实现 Outbox
func (o *PgOutbox) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&n)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	return n, nil
}

// Close 关闭连接池
func (o *PgOutbox) Close() {
	o.pool.Close()
}
