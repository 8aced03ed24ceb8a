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

package invoker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"saga-platform/pkg/config"
)

// ToolRateLimiter 工具维度限流：QPS 令牌桶 + 并发信号量
type ToolRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*toolLimiter
	defaults config.ToolRateLimitConfig
}

type toolLimiter struct {
	rateLimiter *rate.Limiter
	semaphore   chan struct{}
}

// NewToolRateLimiter 创建限流器；未单独配置的工具使用 defaults
func NewToolRateLimiter(configs map[string]config.ToolRateLimitConfig, defaults config.ToolRateLimitConfig) *ToolRateLimiter {
	if defaults.QPS <= 0 {
		defaults.QPS = 100
	}
	if defaults.MaxConcurrent <= 0 {
		defaults.MaxConcurrent = 10
	}
	l := &ToolRateLimiter{
		limiters: make(map[string]*toolLimiter),
		defaults: defaults,
	}
	for name, cfg := range configs {
		l.add(name, cfg)
	}
	return l
}

func (t *ToolRateLimiter) add(toolName string, cfg config.ToolRateLimitConfig) {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.QPS)
	}
	lim := &toolLimiter{}
	if cfg.QPS > 0 {
		lim.rateLimiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}
	if cfg.MaxConcurrent > 0 {
		lim.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	t.mu.Lock()
	t.limiters[toolName] = lim
	t.mu.Unlock()
}

func (t *ToolRateLimiter) get(toolName string) *toolLimiter {
	t.mu.RLock()
	lim, ok := t.limiters[toolName]
	t.mu.RUnlock()
	if ok {
		return lim
	}
	t.add(toolName, t.defaults)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limiters[toolName]
}

// Wait 阻塞直到取得执行许可；ctx 取消或超时返回 error
func (t *ToolRateLimiter) Wait(ctx context.Context, toolName string) error {
	lim := t.get(toolName)
	if lim.rateLimiter != nil {
		if err := lim.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}
	}
	if lim.semaphore != nil {
		select {
		case lim.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release 释放并发 slot，工具执行完后调用
func (t *ToolRateLimiter) Release(toolName string) {
	t.mu.RLock()
	lim, ok := t.limiters[toolName]
	t.mu.RUnlock()
	if ok && lim.semaphore != nil {
		select {
		case <-lim.semaphore:
		default:
		}
	}
}
