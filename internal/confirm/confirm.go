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

// Package confirm 人工确认：高风险步骤暂停执行，签发单次令牌，
// 确认通过后把步骤重置回 pending 并重新入队。
//
// 令牌逻辑有效期默认 900s；物理键多保留一天，使「已过期」和「不存在」
// 能区分开来，API 层据此返回 410 而不是 404。
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/bus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

var (
	// ErrConfirmationNotFound 令牌不存在（从未签发或已被消费）
	ErrConfirmationNotFound = fmt.Errorf("confirmation token: %w", pkgerrors.ErrNotFound)
	// ErrConfirmationExpired 令牌超过逻辑有效期
	ErrConfirmationExpired = fmt.Errorf("confirmation token: %w", pkgerrors.ErrExpired)
	// ErrActorMismatch 确认者与签发时登记的操作者不一致
	ErrActorMismatch = fmt.Errorf("confirmation actor mismatch: %w", pkgerrors.ErrUnauthorized)
)

// tokenRetention 物理键在逻辑过期后的额外保留时长
const tokenRetention = 24 * time.Hour

// Data 确认令牌携带的数据
type Data struct {
	Token       string                 `json:"token"`
	ExecutionID string                 `json:"executionId"`
	StepID      string                 `json:"stepId"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Risk        float64                `json:"risk"`
	ActorID     string                 `json:"actorId,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	ExpiresAt   time.Time              `json:"expiresAt"`
}

// Manager 确认令牌的签发、校验与恢复
type Manager struct {
	st       store.Store
	repo     *saga.Repository
	dispatch *queue.Dispatcher
	bus      bus.Bus
	ttl      time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// NewManager 创建确认服务；cfg.TTLSec <= 0 时默认 900s。b 可为 nil（不发事件）。
func NewManager(st store.Store, repo *saga.Repository, dispatch *queue.Dispatcher, b bus.Bus, cfg config.ConfirmationConfig, logger *log.Logger) *Manager {
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if cfg.TTLSec <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{
		st:       st,
		repo:     repo,
		dispatch: dispatch,
		bus:      b,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Create 签发确认令牌，同时登记 token->data 与 exec->token 两个方向
func (m *Manager) Create(ctx context.Context, executionID, stepID string, params map[string]interface{}, risk float64, actorID string) (string, error) {
	now := m.now().UTC()
	data := Data{
		Token:       uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Params:      params,
		Risk:        risk,
		ActorID:     actorID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	retain := m.ttl + tokenRetention
	if err := m.st.Put(ctx, store.KeyConfirmationToken(data.Token), data, retain); err != nil {
		return "", fmt.Errorf("写入确认令牌失败: %w", err)
	}
	if err := m.st.Put(ctx, store.KeyConfirmationExec(executionID), data.Token, retain); err != nil {
		return "", fmt.Errorf("写入执行确认索引失败: %w", err)
	}
	metrics.ConfirmationTotal.WithLabelValues("created").Inc()
	m.logger.Info("签发确认令牌", "execution_id", executionID, "step_id", stepID, "risk", risk)
	return data.Token, nil
}

// Validate 校验令牌：存在性、逻辑有效期、操作者一致性。
// 校验不消费令牌；消费发生在 Resume 成功时。
func (m *Manager) Validate(ctx context.Context, token, actorID string) (*Data, error) {
	var data Data
	if err := m.st.Get(ctx, store.KeyConfirmationToken(token), &data); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			metrics.ConfirmationTotal.WithLabelValues("not_found").Inc()
			return nil, ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("读取确认令牌失败: %w", err)
	}
	if m.now().UTC().After(data.ExpiresAt) {
		metrics.ConfirmationTotal.WithLabelValues("expired").Inc()
		return nil, ErrConfirmationExpired
	}
	if data.ActorID != "" && actorID != data.ActorID {
		metrics.ConfirmationTotal.WithLabelValues("rejected").Inc()
		return nil, ErrActorMismatch
	}
	return &data, nil
}

// Resume 确认通过后恢复执行：被确认的步骤重置回 pending，
// 状态迁回 EXECUTING，从该步重新入队。令牌单次有效，成功后两个键一并删除。
func (m *Manager) Resume(ctx context.Context, executionID string, data *Data) error {
	exec, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if saga.IsTerminal(exec.Status) {
		return fmt.Errorf("execution %s already terminal (%s): %w", executionID, exec.Status, pkgerrors.ErrConflict)
	}
	step := exec.StepByIndex(exec.NextStepIndex())
	if data.StepID != "" {
		if s := exec.StepStateByID(data.StepID); s == nil {
			return fmt.Errorf("unknown step %s in execution %s: %w", data.StepID, executionID, pkgerrors.ErrInvalidArg)
		}
		for i := range exec.Plan {
			if exec.Plan[i].ID == data.StepID {
				step = &exec.Plan[i]
			}
		}
	}
	if step == nil {
		return fmt.Errorf("execution %s has no resumable step: %w", executionID, pkgerrors.ErrConflict)
	}

	exec.ResetStepPending(step.ID)
	// 一次性放行标记：下次推进对该步骤跳过风险闸门，消费即删
	exec.Context["confirmedStepId"] = step.ID
	exec.Context["confirmedAt"] = m.now().UTC().Format(time.RFC3339)
	if data.ActorID != "" {
		exec.Context["confirmedBy"] = data.ActorID
	}
	switch exec.Status {
	case saga.StatusAwaitingConfirmation, saga.StatusSuspended:
		if err := exec.Transition(saga.StatusExecuting); err != nil {
			return err
		}
	case saga.StatusExecuting:
		// 已经在执行中（例如重复确认请求落在恢复之后），只刷新步骤状态
	default:
		return fmt.Errorf("execution %s not awaiting confirmation (%s): %w", executionID, exec.Status, pkgerrors.ErrConflict)
	}
	if err := m.repo.Save(ctx, exec); err != nil {
		return err
	}

	if err := m.st.Del(ctx, store.KeyConfirmationToken(data.Token), store.KeyConfirmationExec(executionID)); err != nil {
		m.logger.Warn("删除已消费确认令牌失败", "execution_id", executionID, "error", err)
	}

	if _, err := m.dispatch.EnqueueExecuteStep(ctx, executionID, step.Index, 0); err != nil {
		return fmt.Errorf("确认后重新入队失败: %w", err)
	}
	if m.bus != nil {
		payload := saga.ProgressEvent{
			ExecutionID: executionID,
			StepID:      step.ID,
			StepIndex:   step.Index,
			Status:      exec.Status,
			Detail:      map[string]interface{}{"actorId": data.ActorID},
		}
		if err := m.bus.Publish(ctx, saga.DefaultChannel, saga.EventConfirmationAccepted, payload, bus.WithOrdering(executionID)); err != nil {
			m.logger.Warn("确认事件发布失败", "execution_id", executionID, "error", err)
		}
	}
	metrics.ConfirmationTotal.WithLabelValues("confirmed").Inc()
	m.logger.Info("确认通过，恢复执行", "execution_id", executionID, "step_id", step.ID, "step_index", step.Index)
	return nil
}

// PendingToken 查询执行当前挂起的确认令牌；没有返回空串
func (m *Manager) PendingToken(ctx context.Context, executionID string) (string, error) {
	var token string
	if err := m.st.Get(ctx, store.KeyConfirmationExec(executionID), &token); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// Pending 查询执行当前挂起的确认数据，供运维面取令牌后走确认接口。
// 没有挂起返回 ErrConfirmationNotFound，令牌已过逻辑有效期返回
// ErrConfirmationExpired。只读查询，不消费令牌也不计入确认指标。
func (m *Manager) Pending(ctx context.Context, executionID string) (*Data, error) {
	token, err := m.PendingToken(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrConfirmationNotFound
	}
	var data Data
	if err := m.st.Get(ctx, store.KeyConfirmationToken(token), &data); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("读取确认令牌失败: %w", err)
	}
	if m.now().UTC().After(data.ExpiresAt) {
		return nil, ErrConfirmationExpired
	}
	return &data, nil
}
