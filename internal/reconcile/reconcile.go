/*
 * Copyright 2026 fanjia1024
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package reconcile 扫描停滞的执行并触发恢复。
//
// 心跳（internal/heartbeat）护住单次入队丢失这种点状故障；本包是兜底的
// 面状巡检：周期性游标扫描全部执行，找出非终态且静默超过阈值的，按形态
// 分流恢复：
//
//   - COMPENSATING 停滞 → 重新入队，由引擎续卷补偿栈（COMPENSATION_RETRY）
//   - 有失败步骤 → 修复通道：分析失败步骤、生成修复提案、影子校验通过后
//     重置步骤并重新入队（REPAIR）；校验不过或重试耗尽则升级人工
//   - 其余 → 直接重新入队推进（WORKFLOW_RESUME），SUSPENDED 先拉回 EXECUTING
//
// 每次恢复都在死信登记并自增 attempts；超过恢复上限后发一次
// SAGA_MANUAL_INTERVENTION_REQUIRED 告警，此后对该执行静默，不再触发恢复。
// 终态执行永远不被触碰。恢复动作持执行锁进行，锁被占说明执行还活着，跳过。
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/bus"
	"saga-platform/internal/lock"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
)

const (
	defaultMinInactive = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultScanLimit   = 1000
	defaultInterval    = 60 * time.Second
	scanPageSize       = 200
)

// RepairProposal 一次自动修复的提案：重跑哪个步骤、用什么参数
type RepairProposal struct {
	ExecutionID string                 `json:"executionId"`
	StepID      string                 `json:"stepId"`
	StepIndex   int                    `json:"stepIndex"`
	Tool        string                 `json:"tool"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"lastError,omitempty"`
}

// RepairValidator 修复提案的安全校验。返回 nil 表示提案可以落地，
// 返回错误表示不安全，走升级人工。实现可以替换成影子环境试跑等策略。
type RepairValidator interface {
	Validate(ctx context.Context, exec *saga.Execution, proposal RepairProposal) error
}

// conservativeValidator 默认校验：不在白名单的工具一律不安全，
// 参数必须是纯标量（嵌套结构无法保证重放语义）。
type conservativeValidator struct {
	allow map[string]bool
}

func (v *conservativeValidator) Validate(_ context.Context, _ *saga.Execution, p RepairProposal) error {
	if !v.allow[p.Tool] {
		return fmt.Errorf("tool %s not on the repair allow-list", p.Tool)
	}
	for k, val := range p.Parameters {
		switch val.(type) {
		case map[string]interface{}, []interface{}:
			return fmt.Errorf("parameter %s is not a scalar", k)
		}
	}
	return nil
}

// NewConservativeValidator 白名单 + 标量参数校验，allow 为空时一切提案都不安全
func NewConservativeValidator(allow []string) RepairValidator {
	set := make(map[string]bool, len(allow))
	for _, t := range allow {
		set[t] = true
	}
	return &conservativeValidator{allow: set}
}

// Result 单轮巡检汇总
type Result struct {
	Scanned             int `json:"scanned"`
	Candidates          int `json:"candidates"`
	Resumed             int `json:"resumed"`
	CompensationRetries int `json:"compensationRetries"`
	Repaired            int `json:"repaired"`
	Escalated           int `json:"escalated"`
	Skipped             int `json:"skipped"`
	Errors              int `json:"errors"`
}

// Reconciler 停滞执行巡检器
type Reconciler struct {
	st        store.Store
	repo      *saga.Repository
	locks     *lock.Lock
	dispatch  *queue.Dispatcher
	bus       bus.Bus
	validator RepairValidator
	logger    *log.Logger

	minInactive time.Duration
	maxAttempts int
	scanLimit   int
	interval    time.Duration
	now         func() time.Time
}

// New 创建巡检器；validator 传 nil 时使用白名单保守校验
func New(st store.Store, repo *saga.Repository, locks *lock.Lock, dispatch *queue.Dispatcher, b bus.Bus, validator RepairValidator, cfg config.ReconcileConfig, logger *log.Logger) *Reconciler {
	minInactive := defaultMinInactive
	if cfg.MinInactiveMs > 0 {
		minInactive = time.Duration(cfg.MinInactiveMs) * time.Millisecond
	}
	maxAttempts := cfg.MaxRecoveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	scanLimit := cfg.ScanLimit
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	interval := defaultInterval
	if cfg.Interval != "" {
		if d, err := time.ParseDuration(cfg.Interval); err == nil && d > 0 {
			interval = d
		}
	}
	if validator == nil {
		validator = NewConservativeValidator(cfg.RepairAllowTools)
	}
	return &Reconciler{
		st:          st,
		repo:        repo,
		locks:       locks,
		dispatch:    dispatch,
		bus:         b,
		validator:   validator,
		logger:      logger,
		minInactive: minInactive,
		maxAttempts: maxAttempts,
		scanLimit:   scanLimit,
		interval:    interval,
		now:         time.Now,
	}
}

// Run 周期巡检，直到 ctx 取消。worker 进程的常驻循环入口。
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("对账巡检启动",
		"interval", r.interval.String(),
		"min_inactive", r.minInactive.String(),
		"max_attempts", r.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("对账巡检退出")
			return
		case <-time.After(r.interval):
		}
		res, err := r.ReconcileOnce(ctx)
		if err != nil {
			r.logger.Error("对账巡检失败", "error", err)
			continue
		}
		if res.Candidates > 0 {
			r.logger.Info("对账巡检完成",
				"scanned", res.Scanned,
				"candidates", res.Candidates,
				"resumed", res.Resumed,
				"compensation_retries", res.CompensationRetries,
				"repaired", res.Repaired,
				"escalated", res.Escalated,
				"skipped", res.Skipped,
				"errors", res.Errors)
		}
	}
}

// ReconcileOnce 执行一轮巡检：扫描、筛选、按最久未动优先逐个恢复
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*Result, error) {
	res := &Result{}
	keys, err := r.scanTaskKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("扫描执行键失败: %w", err)
	}
	res.Scanned = len(keys)

	candidates := make([]*saga.Execution, 0, len(keys))
	for _, key := range keys {
		id := store.ExecutionIDFromTaskKey(key)
		if id == "" {
			continue
		}
		exec, err := r.repo.Load(ctx, id)
		if err != nil {
			// 扫描与过期之间有窗口，键消失不算错
			continue
		}
		if saga.IsTerminal(exec.Status) {
			continue
		}
		if r.now().UTC().Sub(exec.LastActivityAt) < r.minInactive {
			continue
		}
		candidates = append(candidates, exec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt)
	})
	res.Candidates = len(candidates)

	for _, exec := range candidates {
		if err := r.recoverOne(ctx, exec, res); err != nil {
			res.Errors++
			r.logger.Error("执行恢复失败", "execution_id", exec.ID, "error", err)
		}
	}
	return res, nil
}

// scanTaskKeys 游标分页扫出执行键，单轮上限 scanLimit
func (r *Reconciler) scanTaskKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := r.st.Scan(ctx, store.TaskScanPrefix, cursor, scanPageSize)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if len(keys) >= r.scanLimit {
			return keys[:r.scanLimit], nil
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// recoverOne 恢复单个停滞执行：持锁、登记死信、按形态分流
func (r *Reconciler) recoverOne(ctx context.Context, exec *saga.Execution, res *Result) error {
	owner := "reconcile-" + uuid.NewString()
	acquired, err := r.locks.Acquire(ctx, exec.ID, owner)
	if err != nil {
		return err
	}
	if !acquired {
		// 锁被占说明有调用正在推进，不算停滞
		res.Skipped++
		return nil
	}
	defer func() {
		if err := r.locks.Release(ctx, exec.ID, owner); err != nil {
			r.logger.Warn("释放执行锁失败", "execution_id", exec.ID, "error", err)
		}
	}()

	// 拿锁期间状态可能已被推进，重读并复核
	exec, err = r.repo.Load(ctx, exec.ID)
	if err != nil {
		return err
	}
	if saga.IsTerminal(exec.Status) || r.now().UTC().Sub(exec.LastActivityAt) < r.minInactive {
		res.Skipped++
		return nil
	}

	inactive := r.now().UTC().Sub(exec.LastActivityAt).Truncate(time.Second)
	entry, err := r.repo.UpsertDLQ(ctx, exec.ID, fmt.Sprintf("stalled in %s: inactive for %s", exec.Status, inactive), "reconcile")
	if err != nil {
		return err
	}
	if entry.Attempts > r.maxAttempts {
		// 恢复额度用完：升级一次人工，此后静默
		if entry.Attempts == r.maxAttempts+1 {
			r.publishAlert(ctx, exec, fmt.Sprintf("recovery exhausted after %d attempts, manual intervention required", r.maxAttempts))
			metrics.ReconcileOutcomeTotal.WithLabelValues("escalate").Inc()
			res.Escalated++
			r.logger.Warn("恢复额度用完，升级人工",
				"execution_id", exec.ID,
				"status", exec.Status,
				"attempts", entry.Attempts-1)
		} else {
			res.Skipped++
		}
		return nil
	}

	// COMPENSATING 必然带着失败步骤，先于修复判定，否则补偿重试永远轮不到
	if exec.Status == saga.StatusCompensating {
		return r.retryCompensation(ctx, exec, res)
	}
	if step, st := firstFailedStep(exec); step != nil {
		return r.repairFailedStep(ctx, exec, step, st, res)
	}
	return r.resumeWorkflow(ctx, exec, res)
}

// retryCompensation 补偿停滞：重新入队，引擎重入后续卷补偿栈
func (r *Reconciler) retryCompensation(ctx context.Context, exec *saga.Execution, res *Result) error {
	if _, err := r.dispatch.EnqueueExecuteStep(ctx, exec.ID, exec.NextStepIndex(), 0); err != nil {
		return err
	}
	metrics.ReconcileOutcomeTotal.WithLabelValues("compensation_retry").Inc()
	res.CompensationRetries++
	r.logger.Info("补偿停滞，重新入队续卷",
		"execution_id", exec.ID,
		"pending_compensations", len(exec.Compensations))
	return nil
}

// repairFailedStep 修复通道：分析失败步骤、生成提案、校验通过后重置重跑
func (r *Reconciler) repairFailedStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, st *saga.StepState, res *Result) error {
	proposal := RepairProposal{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepIndex:   step.Index,
		Tool:        step.ToolName,
		Parameters:  step.Parameters,
		Attempts:    st.Attempts,
		LastError:   st.Error,
	}
	if st.Attempts >= r.maxAttempts {
		return r.escalateRepair(ctx, exec, step, fmt.Sprintf("step retries exhausted (%d)", st.Attempts), res)
	}
	if err := r.validator.Validate(ctx, exec, proposal); err != nil {
		return r.escalateRepair(ctx, exec, step, fmt.Sprintf("repair rejected: %v", err), res)
	}

	// 落地提案：步骤回 pending、幂等标记作废、挂起的拉回执行中
	exec.ResetStepPending(step.ID)
	if exec.Status == saga.StatusSuspended {
		if err := exec.Transition(saga.StatusExecuting); err != nil {
			return err
		}
	}
	if err := r.locks.ClearStepDone(ctx, exec.ID, step.Index); err != nil {
		return err
	}
	if err := r.repo.Save(ctx, exec); err != nil {
		return err
	}
	if _, err := r.dispatch.EnqueueExecuteStep(ctx, exec.ID, step.Index, 0); err != nil {
		return err
	}
	metrics.ReconcileOutcomeTotal.WithLabelValues("repair").Inc()
	res.Repaired++
	r.logger.Info("失败步骤已修复重跑",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"tool", step.ToolName,
		"attempts", st.Attempts)
	return nil
}

// escalateRepair 修复不可行：发告警，执行留在原状态等人工
func (r *Reconciler) escalateRepair(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, reason string, res *Result) error {
	r.publishAlert(ctx, exec, fmt.Sprintf("step %s unrecoverable: %s", step.ID, reason))
	metrics.ReconcileOutcomeTotal.WithLabelValues("escalate").Inc()
	res.Escalated++
	r.logger.Warn("失败步骤不可自动修复，升级人工",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"reason", reason)
	return nil
}

// resumeWorkflow 常规停滞：重新入队推进；SUSPENDED 先拉回 EXECUTING
func (r *Reconciler) resumeWorkflow(ctx context.Context, exec *saga.Execution, res *Result) error {
	if exec.Status == saga.StatusSuspended {
		if err := exec.Transition(saga.StatusExecuting); err != nil {
			return err
		}
		if err := r.repo.Save(ctx, exec); err != nil {
			return err
		}
	}
	if _, err := r.dispatch.EnqueueExecuteStep(ctx, exec.ID, exec.NextStepIndex(), 0); err != nil {
		return err
	}
	metrics.ReconcileOutcomeTotal.WithLabelValues("resume").Inc()
	res.Resumed++
	r.logger.Info("停滞执行重新入队",
		"execution_id", exec.ID,
		"status", exec.Status,
		"next_step_index", exec.NextStepIndex())
	return nil
}

func (r *Reconciler) publishAlert(ctx context.Context, exec *saga.Execution, reason string) {
	if r.bus == nil {
		return
	}
	payload := saga.ProgressEvent{
		ExecutionID: exec.ID,
		StepIndex:   exec.NextStepIndex(),
		Status:      exec.Status,
		Detail:      map[string]interface{}{"reason": reason, "source": "reconcile"},
	}
	if err := r.bus.Publish(ctx, saga.AlertChannel, saga.EventManualInterventionRequired, payload); err != nil {
		r.logger.Warn("告警事件发布失败", "execution_id", exec.ID, "error", err)
	}
}

// firstFailedStep 计划序第一个 failed 步骤与其状态；没有返回双 nil
func firstFailedStep(exec *saga.Execution) (*saga.PlanStep, *saga.StepState) {
	for i := range exec.Plan {
		st := exec.StepStateByID(exec.Plan[i].ID)
		if st != nil && st.Status == saga.StepFailed {
			return &exec.Plan[i], st
		}
	}
	return nil, nil
}
