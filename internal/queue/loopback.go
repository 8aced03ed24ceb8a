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
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/signature"
)

// LoopbackDriver 开发用驱动：进程内定时器到点后直接回调目标 URL。
// 没有持久化，消息只存活在 goroutine 里，仅限 dev。
type LoopbackDriver struct {
	client *resty.Client
	signer *signature.Signer
	logger *log.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed chan struct{}
	done   bool
}

// NewLoopbackDriver 创建 loopback 驱动
func NewLoopbackDriver(signer *signature.Signer, logger *log.Logger) *LoopbackDriver {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	return &LoopbackDriver{
		client: client,
		signer: signer,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Publish 启动定时投递 goroutine，立即返回本地生成的消息 ID
func (d *LoopbackDriver) Publish(ctx context.Context, msg Message) (string, error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return "", ErrQueuePublishFailed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	id := uuid.NewString()
	go func() {
		defer d.wg.Done()
		if msg.Delay > 0 {
			timer := time.NewTimer(msg.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-d.closed:
				return
			}
		}
		d.deliver(msg, id)
	}()
	metrics.QueuePublishTotal.WithLabelValues("loopback", "ok").Inc()
	return id, nil
}

// deliver 投递时刻签名（与真实队列一致：签名时间戳反映投递时间）
func (d *LoopbackDriver) deliver(msg Message, id string) {
	sig, ts := d.signer.Sign(msg.Body)
	req := d.client.R().
		SetContext(context.Background()).
		SetHeader("Content-Type", "application/json").
		SetHeader(signature.HeaderSignature, sig).
		SetHeader(signature.HeaderTimestamp, ts).
		SetBody(msg.Body)
	for k, v := range msg.Headers {
		req.SetHeader(k, v)
	}
	response, err := req.Post(msg.URL)
	if err != nil {
		d.logger.Error("loopback 投递失败", "message_id", id, "url", msg.URL, "error", err)
		return
	}
	if response.StatusCode() >= 300 {
		d.logger.Warn("loopback 投递被拒", "message_id", id, "url", msg.URL, "status", response.StatusCode())
	}
}

// Close 停止未到期的消息并等待在途投递完成
func (d *LoopbackDriver) Close() error {
	d.mu.Lock()
	if !d.done {
		d.done = true
		close(d.closed)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
