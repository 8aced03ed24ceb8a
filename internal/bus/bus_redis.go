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

package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"saga-platform/internal/store"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

// RedisBus redis pub/sub 总线。投递 at-least-once 且无持久化，
// 丢事件的代价由心跳与对账兜底，因此这里不做重试。
type RedisBus struct {
	st     *store.RedisStore
	client *redis.Client
	signer *signature.Signer
	logger *log.Logger
	clock  lamportClock

	mu     sync.Mutex
	cancel []func()
	wg     sync.WaitGroup
}

// NewRedisBus 创建 redis 总线，复用状态存储的连接
func NewRedisBus(st *store.RedisStore, signer *signature.Signer, logger *log.Logger) *RedisBus {
	return &RedisBus{st: st, client: st.Client(), signer: signer, logger: logger}
}

// Publish 实现 Bus
func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload any, opts ...PublishOption) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	env, err := seal(ctx, b.st, b.signer, &b.clock, event, payload, o)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

// Subscribe 实现 Bus
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	ps := b.client.Subscribe(ctx, channel)
	// 确认订阅建立，避免错过紧随其后的发布
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			env, err := open([]byte(msg.Payload), b.signer, &b.clock)
			if err != nil {
				b.logger.Warn("丢弃非法事件", "channel", channel, "error", err)
				continue
			}
			handler(context.Background(), env)
		}
	}()

	cancel := func() { _ = ps.Close() }
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()
	return cancel, nil
}

// Close 关闭全部订阅并等待投递 goroutine 退出
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, c := range b.cancel {
		c()
	}
	b.cancel = nil
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
