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
	"sort"
	"sync"
	"time"

	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
)

// OrderedBuffer 订阅端有序缓冲：按 seq 恢复单 scope 内的发布序。
//
// 乱序事件暂存在 pending；缺口补齐后连续段一次性放行。缺口持续超过
// maxWait、或缓冲超过 maxSize 时放弃等待，按 seq 升序清空并记 gap 告警。
// seq <= 已放行最大值的事件视为重复投递，直接丢弃。放行序号因此
// 单调不减，空洞只会向前跳，不会回填。
//
// out 在缓冲锁内调用以保证放行顺序，处理函数不得再喂同一个缓冲。
type OrderedBuffer struct {
	out     func(*Envelope)
	maxWait time.Duration
	maxSize int
	logger  *log.Logger
	now     func() time.Time

	mu           sync.Mutex
	pending      map[int64]*Envelope
	lastReleased int64
	gapSince     time.Time
	timer        *time.Timer
}

// NewOrderedBuffer 创建有序缓冲。maxWaitMs<=0 默认 5000，maxBufferSize<=0 默认 100。
func NewOrderedBuffer(cfg config.OrderingConfig, logger *log.Logger, out func(*Envelope)) *OrderedBuffer {
	maxWait := time.Duration(cfg.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 5000 * time.Millisecond
	}
	maxSize := cfg.MaxBufferSize
	if maxSize <= 0 {
		maxSize = 100
	}
	return &OrderedBuffer{
		out:     out,
		maxWait: maxWait,
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
		pending: make(map[int64]*Envelope),
	}
}

// Offer 送入一个事件。无 seq 的事件直接透传。
func (b *OrderedBuffer) Offer(env *Envelope) {
	if env.Seq == 0 {
		b.out(env)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if env.Seq <= b.lastReleased {
		return // 重复投递
	}
	b.pending[env.Seq] = env

	if env.Seq == b.lastReleased+1 {
		b.releaseContiguousLocked()
	}
	if len(b.pending) > b.maxSize {
		b.logger.Warn("有序缓冲溢出，放弃等待缺口", "pending", len(b.pending), "last_released", b.lastReleased)
		b.releaseAllLocked()
	}
	b.armTimerLocked()
}

// Flush 立即按 seq 升序清空缓冲（关停时调用）
func (b *OrderedBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseAllLocked()
	b.armTimerLocked()
}

// releaseContiguousLocked 从 lastReleased+1 起放行连续段
func (b *OrderedBuffer) releaseContiguousLocked() {
	for {
		next, ok := b.pending[b.lastReleased+1]
		if !ok {
			break
		}
		delete(b.pending, b.lastReleased+1)
		b.lastReleased++
		b.out(next)
	}
	if len(b.pending) == 0 {
		b.gapSince = time.Time{}
	} else if b.gapSince.IsZero() {
		b.gapSince = b.now()
	}
}

// releaseAllLocked 放弃缺口，按 seq 升序全部放行
func (b *OrderedBuffer) releaseAllLocked() {
	if len(b.pending) == 0 {
		return
	}
	seqs := make([]int64, 0, len(b.pending))
	for s := range b.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, s := range seqs {
		b.out(b.pending[s])
		delete(b.pending, s)
	}
	b.lastReleased = seqs[len(seqs)-1]
	b.gapSince = time.Time{}
}

// armTimerLocked 维护缺口超时定时器
func (b *OrderedBuffer) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	if b.gapSince.IsZero() {
		b.gapSince = b.now()
	}
	wait := b.maxWait - b.now().Sub(b.gapSince)
	if wait < 0 {
		wait = 0
	}
	b.timer = time.AfterFunc(wait, b.onGapTimeout)
}

// onGapTimeout 缺口等待超时：告警并放弃等待
func (b *OrderedBuffer) onGapTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 || b.gapSince.IsZero() || b.now().Sub(b.gapSince) < b.maxWait {
		b.armTimerLocked()
		return
	}
	b.logger.Warn("事件缺口等待超时，按序放行", "pending", len(b.pending), "last_released", b.lastReleased)
	b.releaseAllLocked()
	b.armTimerLocked()
}
