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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore 内存实现，开发与测试用；过期键在访问时惰性清理
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*memItem
	zsets    map[string]map[string]float64
	counters map[string]int64
}

type memItem struct {
	value      []byte
	expiration int64 // unix 纳秒，0 表示不过期
}

// NewMemoryStore 创建内存状态存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*memItem),
		zsets:    make(map[string]map[string]float64),
		counters: make(map[string]int64),
	}
}

func (m *MemoryStore) expired(item *memItem) bool {
	return item.expiration > 0 && time.Now().UnixNano() > item.expiration
}

// Get 读取并反序列化
func (m *MemoryStore) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return ErrKeyNotFound
	}
	if m.expired(item) {
		delete(m.items, key)
		return ErrKeyNotFound
	}
	if err := json.Unmarshal(item.value, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Put 序列化并写入
func (m *MemoryStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &memItem{value: data, expiration: expireAt(ttl)}
	return nil
}

// Del 删除键（含计数器与有序集合）
func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
		delete(m.counters, k)
		delete(m.zsets, k)
	}
	return nil
}

// SetNX 键不存在时写入
func (m *MemoryStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[key]; ok && !m.expired(item) {
		return false, nil
	}
	m.items[key] = &memItem{value: data, expiration: expireAt(ttl)}
	return true, nil
}

// Incr 原子自增
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

// Expire 重设 TTL；仅对普通键生效
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[key]; ok {
		item.expiration = expireAt(ttl)
	}
	return nil
}

// ZAdd 写入有序集合
func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, ok := m.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		m.zsets[key] = zs
	}
	zs[member] = score
	return nil
}

// ZRange 升序区间成员；stop=-1 表示末尾
func (m *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	zs := m.zsets[key]
	members := make([]string, 0, len(zs))
	for member := range zs {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if zs[members[i]] != zs[members[j]] {
			return zs[members[i]] < zs[members[j]]
		}
		return members[i] < members[j]
	})
	n := int64(len(members))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	if stop < start {
		return nil, nil
	}
	return members[start : stop+1], nil
}

// ZRem 删除成员
func (m *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.zsets[key]
	for _, member := range members {
		delete(zs, member)
	}
	return nil
}

// ZRemRangeByScore 按 score 区间删除；支持 "-inf"/"+inf"
func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	lo, err := parseScoreBound(min)
	if err != nil {
		return err
	}
	hi, err := parseScoreBound(max)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	zs := m.zsets[key]
	for member, score := range zs {
		if score >= lo && score <= hi {
			delete(zs, member)
		}
	}
	return nil
}

// ZCard 集合大小
func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

// Scan 前缀游标扫描；游标为排序后键表的偏移
func (m *MemoryStore) Scan(ctx context.Context, prefix string, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]string, 0)
	for k, item := range m.items {
		if m.expired(item) {
			delete(m.items, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	for k := range m.counters {
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	for k := range m.zsets {
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	if cursor >= uint64(len(all)) {
		return nil, 0, nil
	}
	end := cursor + uint64(count)
	if end >= uint64(len(all)) {
		return all[cursor:], 0, nil
	}
	return all[cursor:end], end, nil
}

// Close 无资源可释放
func (m *MemoryStore) Close() error {
	return nil
}

func expireAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func parseScoreBound(s string) (float64, error) {
	switch s {
	case "-inf":
		return math.Inf(-1), nil
	case "+inf":
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score bound %q: %w", s, err)
	}
	return v, nil
}
