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

// Package heartbeat 丢步自愈。编排器每次让出控制时布防一条延迟自检消息；
// 自检发现执行没有如期推进，就把期望的那一步重新入队并再次布防。
// 连续恢复无效达到上限后进死信并发告警，不再无限重试。
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saga-platform/internal/bus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

// Outcome 自检结论
type Outcome string

const (
	// OutcomeProgressed 执行已推进，撤防
	OutcomeProgressed Outcome = "progressed"
	// OutcomeRecovered 未推进，已重新入队并再次布防
	OutcomeRecovered Outcome = "recovered"
	// OutcomeEscalated 恢复次数耗尽，已进死信并告警
	OutcomeEscalated Outcome = "escalated"
	// OutcomeCleared 执行已终结或不存在，撤防
	OutcomeCleared Outcome = "cleared"
)

// heartbeatTTL 心跳记录兜底过期时长；正常路径由撤防删除
const heartbeatTTL = 24 * time.Hour

// Heartbeat 布防记录
type Heartbeat struct {
	ExecutionID       string     `json:"executionId"`
	ExpectedNextIndex int        `json:"expectedNextIndex"`
	ArmedAt           time.Time  `json:"armedAt"`
	LastCheckedAt     *time.Time `json:"lastCheckedAt,omitempty"`
	RecoveryAttempts  int        `json:"recoveryAttempts"`
}

// Service 心跳布防与自检
type Service struct {
	st          store.Store
	repo        *saga.Repository
	dispatch    *queue.Dispatcher
	bus         bus.Bus
	delay       time.Duration
	maxRecovery int
	logger      *log.Logger
	now         func() time.Time
}

// NewService 创建心跳服务；delay 默认 30s，恢复上限默认 3 次
func NewService(st store.Store, repo *saga.Repository, dispatch *queue.Dispatcher, b bus.Bus, cfg config.HeartbeatConfig, logger *log.Logger) *Service {
	delay := time.Duration(cfg.DelaySec) * time.Second
	if cfg.DelaySec <= 0 {
		delay = 30 * time.Second
	}
	maxRecovery := cfg.MaxRecoveryAttempts
	if maxRecovery <= 0 {
		maxRecovery = 3
	}
	return &Service{
		st:          st,
		repo:        repo,
		dispatch:    dispatch,
		bus:         b,
		delay:       delay,
		maxRecovery: maxRecovery,
		logger:      logger,
		now:         time.Now,
	}
}

// Arm 布防：写入心跳记录并入队延迟自检。每次让出控制都重新布防，
// 恢复计数清零（期望推进点变了，旧计数不再有意义）。
func (s *Service) Arm(ctx context.Context, executionID string, expectedNextIndex int) error {
	hb := Heartbeat{
		ExecutionID:       executionID,
		ExpectedNextIndex: expectedNextIndex,
		ArmedAt:           s.now().UTC(),
	}
	if err := s.st.Put(ctx, store.KeyHeartbeat(executionID), hb, heartbeatTTL); err != nil {
		return fmt.Errorf("写入心跳记录失败: %w", err)
	}
	if _, err := s.dispatch.EnqueueHeartbeatCheck(ctx, executionID, expectedNextIndex, s.delay); err != nil {
		return fmt.Errorf("布防心跳自检失败: %w", err)
	}
	return nil
}

// Check 自检：比较当前推进点与期望值，决定撤防、恢复或升级
func (s *Service) Check(ctx context.Context, executionID string, expectedNextIndex int) (Outcome, error) {
	exec, err := s.repo.Load(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			s.disarm(ctx, executionID)
			s.logger.Warn("心跳指向的执行不存在，撤防", "execution_id", executionID)
			return OutcomeCleared, nil
		}
		return "", err
	}
	if saga.IsTerminal(exec.Status) {
		s.disarm(ctx, executionID)
		metrics.HeartbeatRecoveryTotal.WithLabelValues(string(OutcomeCleared)).Inc()
		return OutcomeCleared, nil
	}
	// 等待确认/挂起不是停滞：推进要靠人，不靠重投
	if exec.Status == saga.StatusAwaitingConfirmation || exec.Status == saga.StatusSuspended {
		s.disarm(ctx, executionID)
		metrics.HeartbeatRecoveryTotal.WithLabelValues(string(OutcomeCleared)).Inc()
		return OutcomeCleared, nil
	}
	if exec.NextStepIndex() >= expectedNextIndex {
		s.disarm(ctx, executionID)
		metrics.HeartbeatRecoveryTotal.WithLabelValues(string(OutcomeProgressed)).Inc()
		return OutcomeProgressed, nil
	}

	var hb Heartbeat
	if err := s.st.Get(ctx, store.KeyHeartbeat(executionID), &hb); err != nil {
		if !errors.Is(err, store.ErrKeyNotFound) {
			return "", err
		}
		hb = Heartbeat{ExecutionID: executionID, ExpectedNextIndex: expectedNextIndex, ArmedAt: s.now().UTC()}
	}

	if hb.RecoveryAttempts >= s.maxRecovery {
		return s.escalate(ctx, exec, expectedNextIndex)
	}

	hb.RecoveryAttempts++
	now := s.now().UTC()
	hb.LastCheckedAt = &now
	if err := s.st.Put(ctx, store.KeyHeartbeat(executionID), hb, heartbeatTTL); err != nil {
		return "", fmt.Errorf("更新心跳记录失败: %w", err)
	}
	if _, err := s.dispatch.EnqueueExecuteStep(ctx, executionID, expectedNextIndex, 0); err != nil {
		return "", fmt.Errorf("心跳恢复入队失败: %w", err)
	}
	if _, err := s.dispatch.EnqueueHeartbeatCheck(ctx, executionID, expectedNextIndex, s.delay); err != nil {
		return "", fmt.Errorf("心跳再布防失败: %w", err)
	}
	metrics.HeartbeatRecoveryTotal.WithLabelValues(string(OutcomeRecovered)).Inc()
	s.logger.Warn("执行未推进，心跳恢复重新入队",
		"execution_id", executionID,
		"expected_next_index", expectedNextIndex,
		"recovery_attempts", hb.RecoveryAttempts)
	return OutcomeRecovered, nil
}

// escalate 恢复耗尽：进死信、发人工介入告警、撤防
func (s *Service) escalate(ctx context.Context, exec *saga.Execution, expectedNextIndex int) (Outcome, error) {
	reason := fmt.Sprintf("heartbeat recovery exhausted at step %d", expectedNextIndex)
	if _, err := s.repo.UpsertDLQ(ctx, exec.ID, reason, "heartbeat"); err != nil {
		return "", err
	}
	if s.bus != nil {
		payload := saga.ProgressEvent{
			ExecutionID: exec.ID,
			StepIndex:   expectedNextIndex,
			Status:      exec.Status,
			Detail:      map[string]interface{}{"reason": reason},
		}
		if err := s.bus.Publish(ctx, saga.AlertChannel, saga.EventManualInterventionRequired, payload); err != nil {
			s.logger.Warn("心跳升级告警发布失败", "execution_id", exec.ID, "error", err)
		}
	}
	s.disarm(ctx, exec.ID)
	metrics.HeartbeatRecoveryTotal.WithLabelValues(string(OutcomeEscalated)).Inc()
	s.logger.Error("心跳恢复次数耗尽，转人工处理",
		"execution_id", exec.ID,
		"expected_next_index", expectedNextIndex)
	return OutcomeEscalated, nil
}

func (s *Service) disarm(ctx context.Context, executionID string) {
	if err := s.st.Del(ctx, store.KeyHeartbeat(executionID)); err != nil {
		s.logger.Warn("撤防心跳失败", "execution_id", executionID, "error", err)
	}
}
