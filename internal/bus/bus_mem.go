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

	"saga-platform/internal/store"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

// MemoryBus 进程内总线，dev 与测试用。
// 投递走与 redis 实现相同的序列化+验签路径，保证两种实现行为一致。
type MemoryBus struct {
	st     store.Store
	signer *signature.Signer
	logger *log.Logger
	clock  lamportClock

	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus 创建内存总线
func NewMemoryBus(st store.Store, signer *signature.Signer, logger *log.Logger) *MemoryBus {
	return &MemoryBus{
		st:     st,
		signer: signer,
		logger: logger,
		subs:   make(map[string]map[int]Handler),
	}
}

// Publish 实现 Bus
func (b *MemoryBus) Publish(ctx context.Context, channel, event string, payload any, opts ...PublishOption) error {
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

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, h := range b.subs[channel] {
		handler := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			got, err := open(raw, b.signer, &b.clock)
			if err != nil {
				b.logger.Warn("丢弃非法事件", "channel", channel, "error", err)
				return
			}
			handler(context.Background(), got)
		}()
	}
	return nil
}

// Subscribe 实现 Bus
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
	}, nil
}

// Close 等待在途投递完成
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
