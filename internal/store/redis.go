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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"saga-platform/pkg/config"
)

// RedisStore 基于 Redis 的状态存储
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 状态存储并验证连通性；
// 优先使用 url（redis:// 连接串），token 在密码缺省时作为密码使用（托管 Redis 场景）
func NewRedisStore(cfg config.StateStoreConfig) (*RedisStore, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("解析 state_store.url 失败: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	if opts.Password == "" && cfg.Token != "" {
		opts.Password = cfg.Token
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, unavailable("redis ping", err)
	}
	return &RedisStore{client: client}, nil
}

// Get 读取并反序列化
func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return unavailable("redis get", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Put 序列化并写入
func (s *RedisStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

// Del 删除键
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}

// SetNX 键不存在时写入
func (s *RedisStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, unavailable("redis setnx", err)
	}
	return ok, nil
}

// Incr 原子自增
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("redis incr", err)
	}
	return v, nil
}

// Expire 重设 TTL
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable("redis expire", err)
	}
	return nil
}

// ZAdd 写入有序集合
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable("redis zadd", err)
	}
	return nil
}

// ZRange 升序区间成员
func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("redis zrange", err)
	}
	return members, nil
}

// ZRem 删除成员
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return unavailable("redis zrem", err)
	}
	return nil
}

// ZRemRangeByScore 按 score 区间删除
func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	if err := s.client.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		return unavailable("redis zremrangebyscore", err)
	}
	return nil
}

// ZCard 集合大小
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("redis zcard", err)
	}
	return n, nil
}

// Scan 前缀游标扫描
func (s *RedisStore) Scan(ctx context.Context, prefix string, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 100
	}
	keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", count).Result()
	if err != nil {
		return nil, 0, unavailable("redis scan", err)
	}
	return keys, next, nil
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client 暴露底层客户端，供事件总线复用同一连接配置
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
