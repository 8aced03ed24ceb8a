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

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/metrics"
)

// PlanRequest 计划提交入参。ExecutionID 为空时由编排器生成；
// 同一 ID 重复提交由执行锁与状态闸门折叠。
type PlanRequest struct {
	ExecutionID string          `json:"executionId"`
	Intent      saga.Intent     `json:"intent"`
	Plan        []saga.PlanStep `json:"plan"`
}

// AcceptPlan 接受一份计划并启动推进。两条路径：
//
// 新执行：ID 未登记时创建执行记录，沿意图流水线走到 PLANNED，
// 入队第 0 步并布防心跳。
//
// 重规划：执行处于 PLANNING（引擎先前写过重规划标记）时整体替换计划，
// 步骤状态全部归零、旧幂等标记清除，但补偿栈保留：旧计划已成功步骤的
// 回卷义务不因换计划消失。其余状态一律拒绝。
func (e *Engine) AcceptPlan(ctx context.Context, req PlanRequest) (*saga.Execution, error) {
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	owner := uuid.NewString()
	acquired, err := e.locks.Acquire(ctx, executionID, owner)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrLockBusy)
	}
	defer func() {
		if err := e.locks.Release(ctx, executionID, owner); err != nil {
			e.logger.Warn("释放执行锁失败", "execution_id", executionID, "error", err)
		}
	}()

	exec, err := e.repo.Load(ctx, executionID)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		return e.startExecution(ctx, executionID, req)
	case err != nil:
		return nil, err
	}

	if exec.Status != saga.StatusPlanning {
		return nil, fmt.Errorf("execution %s in status %s does not accept a plan: %w",
			executionID, exec.Status, pkgerrors.ErrConflict)
	}
	return e.replacePlan(ctx, exec, req.Plan)
}

// startExecution 新执行：建档并沿意图流水线推到 PLANNED
func (e *Engine) startExecution(ctx context.Context, executionID string, req PlanRequest) (*saga.Execution, error) {
	exec, err := saga.NewExecution(executionID, req.Intent, req.Plan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, pkgerrors.ErrInvalidArg)
	}
	for _, next := range []saga.Status{saga.StatusParsing, saga.StatusPlanning, saga.StatusPlanned} {
		if err := exec.Transition(next); err != nil {
			return nil, err
		}
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.kickoff(ctx, exec); err != nil {
		return nil, err
	}
	metrics.ExecutionStartedTotal.Inc()
	e.logger.Info("接受新计划",
		"execution_id", executionID,
		"intent", exec.Intent.Type,
		"steps", len(exec.Plan))
	return exec, nil
}

// replacePlan 重规划：消费标记、替换计划、归零步骤并重启推进
func (e *Engine) replacePlan(ctx context.Context, exec *saga.Execution, plan []saga.PlanStep) (*saga.Execution, error) {
	if err := saga.ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("%s: %w", err, pkgerrors.ErrInvalidArg)
	}
	marker, err := e.repo.TakeReplanMarker(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if marker != nil {
		e.logger.Info("消费重规划标记",
			"execution_id", exec.ID,
			"source", marker.Source,
			"reason", marker.Reason)
	}

	// 旧计划的幂等标记按索引寻址，换计划后同索引指向不同步骤，必须清掉
	for i := range exec.Plan {
		if err := e.locks.ClearStepDone(ctx, exec.ID, i); err != nil {
			return nil, err
		}
	}

	exec.Plan = plan
	exec.StepStates = make([]saga.StepState, 0, len(plan))
	for _, s := range plan {
		exec.StepStates = append(exec.StepStates, saga.StepState{StepID: s.ID, Status: saga.StepPending})
	}
	exec.Error = nil
	delete(exec.Context, "confirmedStepId")
	if err := exec.Transition(saga.StatusPlanned); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.kickoff(ctx, exec); err != nil {
		return nil, err
	}
	e.logger.Info("重规划接受新计划", "execution_id", exec.ID, "steps", len(plan))
	return exec, nil
}

// kickoff 入队第 0 步、布防心跳并写版本快照
func (e *Engine) kickoff(ctx context.Context, exec *saga.Execution) error {
	if _, err := e.dispatch.EnqueueExecuteStep(ctx, exec.ID, 0, 0); err != nil {
		return err
	}
	if err := e.heartbeat.Arm(ctx, exec.ID, 1); err != nil {
		e.logger.Warn("布防心跳失败", "execution_id", exec.ID, "error", err)
	}
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	return nil
}

// Cancel 取消执行。终态幂等返回；非终态迁入 CANCELLED 并清理伴生状态，
// 已注册的补偿不自动回卷（取消表达的是"停止推进"，回卷由对账或人工决定）。
func (e *Engine) Cancel(ctx context.Context, executionID string) (*saga.Execution, error) {
	owner := uuid.NewString()
	acquired, err := e.locks.Acquire(ctx, executionID, owner)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrLockBusy)
	}
	defer func() {
		if err := e.locks.Release(ctx, executionID, owner); err != nil {
			e.logger.Warn("释放执行锁失败", "execution_id", executionID, "error", err)
		}
	}()

	exec, err := e.repo.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if saga.IsTerminal(exec.Status) {
		return exec, nil
	}

	exec.Error = &saga.ExecutionError{
		Code:    "CANCELLED",
		Message: "执行已按请求取消",
	}
	if err := exec.Transition(saga.StatusCancelled); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.guard.Clear(ctx, executionID); err != nil {
		e.logger.Warn("清理版本快照失败", "execution_id", executionID, "error", err)
	}
	if err := e.repo.ClearDLQ(ctx, executionID); err != nil {
		e.logger.Warn("清理死信登记失败", "execution_id", executionID, "error", err)
	}
	metrics.ExecutionTerminalTotal.WithLabelValues(string(saga.StatusCancelled)).Inc()
	e.publishProgress(ctx, exec, saga.EventWorkflowFailed, nil, map[string]interface{}{"reason": "cancelled"})
	e.logger.Info("执行已取消", "execution_id", executionID)
	return exec, nil
}
