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

// Package queue 抽象延迟投递队列。编排器的推进完全靠队列回调再入，
// 因此 Publish 是整个系统的"调度"原语。
//
// 投递语义是 at-least-once：驱动自身从不同步重试，失败直接包装
// ErrQueuePublishFailed 交还调用方（让上游 5xx 触发队列重投）。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

// ErrQueuePublishFailed 队列发布失败
var ErrQueuePublishFailed = errors.New("queue publish failed")

// Message 一条待投递消息。URL 是最终回调地址，Delay 为投递延迟。
type Message struct {
	URL     string
	Body    []byte
	Headers map[string]string
	Delay   time.Duration
}

// Driver 队列驱动接口
type Driver interface {
	// Publish 发布消息，返回队列侧消息 ID
	Publish(ctx context.Context, msg Message) (string, error)
	Close() error
}

// New 根据配置创建队列驱动。
// 生产环境只允许 http：loopback 没有持久化，进程一死消息就丢。
func New(cfg config.QueueConfig, profile string, signer *signature.Signer, logger *log.Logger) (Driver, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPDriver(cfg, signer, logger)
	case "", "loopback":
		if profile == "prod" {
			return nil, fmt.Errorf("生产环境必须配置 http 队列，loopback 仅限开发")
		}
		return NewLoopbackDriver(signer, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver type: %s", cfg.Type)
	}
}
