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

// Package bus 提供签名事件总线：Publish 将载荷包进短期有效的签名信封，
// 可选地为某个 scope 附加单调递增序号与 Lamport 时间戳；订阅端用
// OrderedBuffer 在有界延迟内恢复因果序。
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

// Envelope 事件信封。Sig/SigTS 覆盖其余字段的规范化 JSON。
type Envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	TS      int64           `json:"ts"` // 发布时刻，毫秒
	Scope   string          `json:"scope,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Lamport int64           `json:"lamport,omitempty"`
	Sig     string          `json:"sig,omitempty"`
	SigTS   string          `json:"sigTs,omitempty"`
}

// signingBytes 去掉签名字段后的规范化形态
func (e *Envelope) signingBytes() []byte {
	c := *e
	c.Sig = ""
	c.SigTS = ""
	b, _ := json.Marshal(&c)
	return b
}

// Handler 事件处理函数。总线在投递 goroutine 中调用，处理函数自行保证幂等。
type Handler func(ctx context.Context, env *Envelope)

// Bus 事件总线接口
type Bus interface {
	// Publish 发布事件；opts 可附加 WithOrdering
	Publish(ctx context.Context, channel, event string, payload any, opts ...PublishOption) error
	// Subscribe 订阅频道，返回取消函数
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)
	Close() error
}

// PublishOption 发布选项
type PublishOption func(*publishOptions)

type publishOptions struct {
	scope string
}

// WithOrdering 为事件附加 scope 内的序号与 Lamport 时间戳。
// scope 通常是 executionId：同一执行内事件按计划序投递。
func WithOrdering(scope string) PublishOption {
	return func(o *publishOptions) { o.scope = scope }
}

// New 根据配置创建事件总线。redis 实现复用状态存储的连接。
func New(cfg config.EventBusConfig, st store.Store, logger *log.Logger) (Bus, error) {
	var signer *signature.Signer
	if cfg.APIKey != "" {
		s, err := signature.NewSigner(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("创建事件签名器失败: %w", err)
		}
		signer = s
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(st, signer, logger), nil
	case "redis":
		rs, ok := st.(*store.RedisStore)
		if !ok {
			return nil, fmt.Errorf("redis 事件总线要求 redis 状态存储")
		}
		return NewRedisBus(rs, signer, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// lamportClock 进程内 Lamport 逻辑钟
type lamportClock struct {
	v atomic.Int64
}

// Tick 本地事件：+1
func (c *lamportClock) Tick() int64 {
	return c.v.Add(1)
}

// Witness 收到远端事件：本地钟推进到 max(local, remote)
func (c *lamportClock) Witness(remote int64) {
	for {
		cur := c.v.Load()
		if remote <= cur || c.v.CompareAndSwap(cur, remote) {
			return
		}
	}
}

// seal 组装并签名信封；scope 非空时向状态存储申请序号
func seal(ctx context.Context, st store.Store, signer *signature.Signer, clock *lamportClock,
	event string, payload any, opts publishOptions) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化事件载荷失败: %w", err)
	}
	env := &Envelope{
		Event:   event,
		Data:    data,
		TS:      time.Now().UnixMilli(),
		Lamport: clock.Tick(),
	}
	if opts.scope != "" {
		seq, err := st.Incr(ctx, store.KeySeq(opts.scope))
		if err != nil {
			return nil, fmt.Errorf("申请事件序号失败: %w", err)
		}
		env.Scope = opts.scope
		env.Seq = seq
	}
	if signer != nil {
		env.Sig, env.SigTS = signer.Sign(env.signingBytes())
	}
	return env, nil
}

// open 解析并校验信封；验签失败返回 error，调用方丢弃该事件
func open(raw []byte, signer *signature.Signer, clock *lamportClock) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("解析事件信封失败: %w", err)
	}
	if signer != nil {
		if err := signer.Verify(env.signingBytes(), env.Sig, env.SigTS); err != nil {
			return nil, fmt.Errorf("事件验签失败: %w", err)
		}
	}
	clock.Witness(env.Lamport)
	return &env, nil
}
