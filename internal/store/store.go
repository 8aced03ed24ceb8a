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

// Package store 提供 saga 状态的统一读写入口：执行状态、锁、幂等标记、
// 确认令牌、死信索引与序列号都走同一套带 TTL 的键值 + 有序集合操作。
// 基础设施错误一律可被 errors.Is(err, ErrStoreUnavailable) 识别，调用方不得吞掉。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saga-platform/pkg/config"
)

var (
	// ErrKeyNotFound 键不存在
	ErrKeyNotFound = errors.New("store: key not found")
	// ErrStoreUnavailable 存储基础设施错误；由上层决定重试或升级，不在本层掩盖
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Store 状态存储接口；值以 JSON 编码持久化
type Store interface {
	// Get 读取 key 并反序列化到 dest；不存在返回 ErrKeyNotFound
	Get(ctx context.Context, key string, dest interface{}) error

	// Put 写入 key；ttl<=0 表示不过期
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del 删除若干 key；不存在不报错
	Del(ctx context.Context, keys ...string) error

	// SetNX 仅当 key 不存在时写入（SET-NX-EX 语义）；返回是否写入成功
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Incr 原子自增并返回新值；key 不存在时从 0 起
	Incr(ctx context.Context, key string) (int64, error)

	// Expire 重设 key 的 TTL
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd 向有序集合写入成员
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRange 按 score 升序返回 [start, stop] 区间成员
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRem 删除有序集合成员
	ZRem(ctx context.Context, key string, members ...string) error

	// ZRemRangeByScore 删除 score 在 [min, max] 内的成员；边界语法同 Redis（支持 "-inf"/"+inf"）
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error

	// ZCard 返回有序集合大小
	ZCard(ctx context.Context, key string) (int64, error)

	// Scan 按前缀游标扫描；next=0 表示扫描结束
	Scan(ctx context.Context, prefix string, cursor uint64, count int64) (keys []string, next uint64, err error)

	// Close 释放连接
	Close() error
}

// New 根据配置创建状态存储
func New(cfg config.StateStoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", cfg.Type)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}
