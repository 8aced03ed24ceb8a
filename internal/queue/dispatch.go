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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"saga-platform/pkg/tracing"
)

// ExecuteStepMessage 驱动一步执行的自入队消息体
type ExecuteStepMessage struct {
	ExecutionID    string `json:"executionId"`
	StartStepIndex int    `json:"startStepIndex"`
}

// HeartbeatCheckMessage 心跳自检消息体
type HeartbeatCheckMessage struct {
	ExecutionID       string `json:"executionId"`
	ExpectedNextIndex int    `json:"expectedNextIndex"`
}

// Dispatcher 把编排器自身的回调地址封装成类型化入队操作。
// 所有自驱动消息都经它发出，trace 透传头统一在这里携带。
type Dispatcher struct {
	driver Driver
	base   string
}

// NewDispatcher 创建派发器；baseURL 是编排器对外可达的基地址
func NewDispatcher(driver Driver, baseURL string) *Dispatcher {
	return &Dispatcher{driver: driver, base: strings.TrimRight(baseURL, "/")}
}

// EnqueueExecuteStep 入队一步执行；delay 用于退避重试与延迟恢复
func (d *Dispatcher) EnqueueExecuteStep(ctx context.Context, executionID string, startStepIndex int, delay time.Duration) (string, error) {
	return d.publish(ctx, "/engine/execute-step", ExecuteStepMessage{
		ExecutionID:    executionID,
		StartStepIndex: startStepIndex,
	}, delay)
}

// EnqueueHeartbeatCheck 入队心跳自检
func (d *Dispatcher) EnqueueHeartbeatCheck(ctx context.Context, executionID string, expectedNextIndex int, delay time.Duration) (string, error) {
	return d.publish(ctx, "/engine/heartbeat-check", HeartbeatCheckMessage{
		ExecutionID:       executionID,
		ExpectedNextIndex: expectedNextIndex,
	}, delay)
}

func (d *Dispatcher) publish(ctx context.Context, path string, payload interface{}, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("编码入队消息失败: %w", err)
	}
	ctx, _ = tracing.EnsureTraceID(ctx)
	return d.driver.Publish(ctx, Message{
		URL:     d.base + path,
		Body:    body,
		Headers: tracing.CarryHeaders(ctx),
		Delay:   delay,
	})
}
