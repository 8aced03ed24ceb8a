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
	"strings"
	"time"

	"saga-platform/internal/queue"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

// RelayMessage 发往 /engine/outbox-relay 的消息体
type RelayMessage struct {
	OutboxID    string `json:"outboxId"`
	ExecutionID string `json:"executionId"`
	EventType   string `json:"eventType"`
}

// Relay 兜底轮询器：周期性认领 pending 行并重新入队。
// pending 行反复入队直到回执端点标记 delivered，重复由消费端按 outboxId 去重。
type Relay struct {
	outbox   Outbox
	driver   queue.Driver
	target   string
	interval time.Duration
	batch    int
	logger   *log.Logger
}

// NewRelay 创建轮询器。engineBaseURL 为编排器对外地址，poll_interval 解析失败或 <1s 时按 5s。
func NewRelay(ob Outbox, driver queue.Driver, engineBaseURL string, cfg config.OutboxConfig, logger *log.Logger) *Relay {
	interval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil || interval < time.Second {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		outbox:   ob,
		driver:   driver,
		target:   strings.TrimRight(engineBaseURL, "/") + "/engine/outbox-relay",
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run 阻塞运行直到 ctx 取消
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("启动发件箱轮询", "interval", r.interval.String(), "batch", r.batch)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("发件箱轮询退出")
			return
		case <-ticker.C:
			if n, err := r.PollOnce(ctx); err != nil {
				r.logger.Error("发件箱轮询失败", "error", err)
			} else if n > 0 {
				r.logger.Info("发件箱重新入队", "published", n)
			}
		}
	}
}

// PollOnce 认领一批 pending 并入队，返回成功入队条数
func (r *Relay) PollOnce(ctx context.Context) (int, error) {
	records, err := r.outbox.ClaimPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, rec := range records {
		body, err := json.Marshal(RelayMessage{
			OutboxID:    rec.ID,
			ExecutionID: rec.ExecutionID,
			EventType:   rec.EventType,
		})
		if err != nil {
			continue
		}
		msgCtx, traceID := tracing.EnsureTraceID(ctx)
		headers := tracing.CarryHeaders(msgCtx)
		if _, err := r.driver.Publish(msgCtx, queue.Message{URL: r.target, Body: body, Headers: headers}); err != nil {
			r.logger.Warn("发件箱入队失败", "outbox_id", rec.ID, "trace_id", traceID, "error", err)
			continue
		}
		published++
	}
	if n, err := r.outbox.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return published, nil
}
