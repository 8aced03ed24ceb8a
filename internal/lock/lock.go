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

// Package lock 提供基于状态存储的执行级互斥锁与步骤幂等标记。
//
// 锁的持有者是一次调用（invocation），不是一个进程：serverless 场景下
// 进程可能在持锁期间消失，因此锁记录自带获取时间戳，超过 ttl+grace
// 视为陈旧，允许新调用强制接管。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

// StepDoneTTL 步骤完成标记的保留时长。标记只增不删，靠过期回收。
const StepDoneTTL = time.Hour

// ErrNotHolder 调用方试图释放不属于自己的锁
var ErrNotHolder = errors.New("lock held by another owner")

// record 锁的存储形态。AcquiredAt 为毫秒时间戳，用于陈旧判定。
type record struct {
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquiredAt"`
}

// Lock 执行级互斥锁
type Lock struct {
	store  store.Store
	ttl    time.Duration
	grace  time.Duration
	logger *log.Logger
	now    func() time.Time
}

// New 创建锁管理器。ttl<=0 默认 30s，grace<=0 默认 5s。
func New(st store.Store, cfg config.LockConfig, logger *log.Logger) *Lock {
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	grace := time.Duration(cfg.GraceSec) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Lock{store: st, ttl: ttl, grace: grace, logger: logger, now: time.Now}
}

// Acquire 尝试为 executionID 获取锁。返回是否获取成功。
//
// 竞争失败时检查持有者的获取时间：超过 ttl+grace 即认定持有者已消失，
// 强制释放并重试一次。只重试一次，二次竞争失败交还调用方。
func (l *Lock) Acquire(ctx context.Context, executionID, owner string) (bool, error) {
	key := store.KeyExecLock(executionID)
	rec := record{Owner: owner, AcquiredAt: l.now().UnixMilli()}

	ok, err := l.store.SetNX(ctx, key, rec, l.ttl+l.grace)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", executionID, err)
	}
	if ok {
		return true, nil
	}

	var cur record
	err = l.store.Get(ctx, key, &cur)
	if errors.Is(err, store.ErrKeyNotFound) {
		// 对手刚释放，直接重试
		return l.store.SetNX(ctx, key, rec, l.ttl+l.grace)
	}
	if err != nil {
		return false, fmt.Errorf("inspect lock %s: %w", executionID, err)
	}

	age := l.now().UnixMilli() - cur.AcquiredAt
	if age > (l.ttl + l.grace).Milliseconds() {
		l.logger.Warn("回收陈旧执行锁", "execution_id", executionID, "stale_owner", cur.Owner, "age_ms", age)
		if err := l.store.Del(ctx, key); err != nil {
			return false, fmt.Errorf("release stale lock %s: %w", executionID, err)
		}
		rec.AcquiredAt = l.now().UnixMilli()
		return l.store.SetNX(ctx, key, rec, l.ttl+l.grace)
	}

	metrics.LockContentionTotal.Inc()
	return false, nil
}

// Release 释放锁。只有持有者能释放；锁已不存在视为成功（幂等）。
func (l *Lock) Release(ctx context.Context, executionID, owner string) error {
	key := store.KeyExecLock(executionID)
	var cur record
	err := l.store.Get(ctx, key, &cur)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect lock %s: %w", executionID, err)
	}
	if cur.Owner != owner {
		return fmt.Errorf("release lock %s: %w", executionID, ErrNotHolder)
	}
	return l.store.Del(ctx, key)
}

// IsLocked 返回锁是否被持有及持有者标识
func (l *Lock) IsLocked(ctx context.Context, executionID string) (bool, string, error) {
	var cur record
	err := l.store.Get(ctx, store.KeyExecLock(executionID), &cur)
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, cur.Owner, nil
}

// MarkStepDone 写入步骤幂等标记（SET-NX，保留 1h）。
// 返回 false 表示标记已存在：该步骤已被某次调用执行过，必须跳过副作用。
func (l *Lock) MarkStepDone(ctx context.Context, executionID string, stepIndex int, owner string) (bool, error) {
	ok, err := l.store.SetNX(ctx, store.KeyStepDone(executionID, stepIndex), owner, StepDoneTTL)
	if err != nil {
		return false, fmt.Errorf("mark step done %s/%d: %w", executionID, stepIndex, err)
	}
	return ok, nil
}

// IsStepDone 查询步骤幂等标记是否存在
func (l *Lock) IsStepDone(ctx context.Context, executionID string, stepIndex int) (bool, error) {
	var owner string
	err := l.store.Get(ctx, store.KeyStepDone(executionID, stepIndex), &owner)
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearStepDone 删除步骤幂等标记。仅限策略裁决的重试路径调用：
// 标记保护的是"同一次真实执行尝试"，裁决重试开启的是新一次尝试。
func (l *Lock) ClearStepDone(ctx context.Context, executionID string, stepIndex int) error {
	if err := l.store.Del(ctx, store.KeyStepDone(executionID, stepIndex)); err != nil {
		return fmt.Errorf("clear step done %s/%d: %w", executionID, stepIndex, err)
	}
	return nil
}
