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

// Package engine 工作流机：每次调用恰好推进一步。
//
// 调度是外部驱动的：没有进程内循环，推进靠队列消息重入 ExecuteSingleStep。
// 一次调用的骨架：取执行锁 → 状态闸门 → schema 漂移检查 → 选步 → 风险闸门 →
// 幂等标记 → 调用工具 → 按结果持久化并让出控制（入队后续步骤、布防心跳、
// 签发确认令牌或发起补偿）。锁绝不跨传输持有：任何让出控制的路径都先释放锁。
//
// 失败处置交给 failover 策略引擎裁决，四种去向：
// 退避重试（清除幂等标记后重新入队）、重规划（写标记回到 PLANNING）、
// 补偿（LIFO 回卷后进 FAILED）、升级（挂起进死信并告警）。
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"saga-platform/internal/bus"
	"saga-platform/internal/confirm"
	"saga-platform/internal/failover"
	"saga-platform/internal/heartbeat"
	"saga-platform/internal/invoker"
	"saga-platform/internal/lock"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/schemaver"
	"saga-platform/internal/store"
	"saga-platform/internal/tool"
	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

var (
	// ErrLockBusy 执行锁被并发调用持有；API 层映射为 409，队列稍后重投
	ErrLockBusy = fmt.Errorf("execution lock busy: %w", pkgerrors.ErrConflict)
	// ErrNotExecutable 执行处于不可推进的前置状态（RECEIVED/PARSING/PLANNING）
	ErrNotExecutable = fmt.Errorf("execution not executable: %w", pkgerrors.ErrConflict)
)

// defaultInvocationDeadline 单次调用的墙钟上限缺省值
const defaultInvocationDeadline = 8 * time.Second

// failoverSnapshotTTL 失败处置裁决快照的保留时长，对齐重规划标记
const failoverSnapshotTTL = saga.ReplanMarkerTTL

// Deps 引擎装配件。除 Bus 可为 nil（不发事件）外全部必填。
type Deps struct {
	Store     store.Store
	Repo      *saga.Repository
	Lock      *lock.Lock
	Invoker   *invoker.Invoker
	Dispatch  *queue.Dispatcher
	Bus       bus.Bus
	Confirm   *confirm.Manager
	Risk      *confirm.RiskPolicy
	Failover  *failover.Engine
	Heartbeat *heartbeat.Service
	Guard     *schemaver.Guard
	Registry  *tool.Registry
	Engine    config.EngineConfig
	Step      config.StepConfig
}

// Engine 单步工作流机。无内部状态，并发安全；同一执行的互斥由执行锁保证。
type Engine struct {
	st        store.Store
	repo      *saga.Repository
	locks     *lock.Lock
	invoker   *invoker.Invoker
	dispatch  *queue.Dispatcher
	bus       bus.Bus
	confirm   *confirm.Manager
	risk      *confirm.RiskPolicy
	failover  *failover.Engine
	heartbeat *heartbeat.Service
	guard     *schemaver.Guard
	registry  *tool.Registry

	invocationDeadline time.Duration
	stepTimeoutMs      int
	logger             *log.Logger
	now                func() time.Time
}

// New 创建工作流机；invocation_deadline_ms <= 0 默认 8000
func New(d Deps, logger *log.Logger) *Engine {
	deadline := time.Duration(d.Engine.InvocationDeadlineMs) * time.Millisecond
	if d.Engine.InvocationDeadlineMs <= 0 {
		deadline = defaultInvocationDeadline
	}
	return &Engine{
		st:                 d.Store,
		repo:               d.Repo,
		locks:              d.Lock,
		invoker:            d.Invoker,
		dispatch:           d.Dispatch,
		bus:                d.Bus,
		confirm:            d.Confirm,
		risk:               d.Risk,
		failover:           d.Failover,
		heartbeat:          d.Heartbeat,
		guard:              d.Guard,
		registry:           d.Registry,
		invocationDeadline: deadline,
		stepTimeoutMs:      d.Step.TimeoutMs,
		logger:             logger,
		now:                time.Now,
	}
}

// ExecuteSingleStep 推进一步。startIndex 是队列消息携带的起点提示，
// 选步时优先从它开始，找不到再从 0 全量扫描（心跳恢复消息带的索引可能偏前）。
//
// 返回值约定：StepOutcome 描述一次被接受的调用如何收尾；error 表示调用
// 未被接受（锁竞争、未知执行、非法状态）或基础设施故障，应由队列重投。
func (e *Engine) ExecuteSingleStep(ctx context.Context, executionID string, startIndex int) (*StepOutcome, error) {
	ctx, span := tracing.StartSagaSpan(ctx, executionID)
	defer span.End()

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

	// 状态闸门。终结与等待人工的执行把重投消息折叠成无副作用响应；
	// 规划前的状态拒绝推进；SUSPENDED 只能经确认/对账路径迁回 EXECUTING。
	switch exec.Status {
	case saga.StatusExecuting, saga.StatusCompensating:
	case saga.StatusPlanned:
		if err := exec.Transition(saga.StatusExecuting); err != nil {
			return nil, err
		}
	case saga.StatusAwaitingConfirmation, saga.StatusSuspended:
		return e.yieldedOutcome(ctx, exec, startIndex), nil
	default:
		if saga.IsTerminal(exec.Status) {
			return terminalSkipOutcome(exec, startIndex), nil
		}
		return nil, fmt.Errorf("execution %s in status %s: %w", executionID, exec.Status, ErrNotExecutable)
	}

	if exec.Status == saga.StatusCompensating {
		// 对账重入：继续回卷上次中断的补偿栈
		return e.runCompensation(ctx, exec, storedFailureReason(exec))
	}

	// schema 漂移检查：挂起期间工具形状或编排器版本变了，先回到规划阶段
	report, err := e.guard.CheckOnResume(ctx, executionID, exec.Plan)
	if err != nil {
		return nil, err
	}
	if report.RequireReplan {
		return e.requestReplan(ctx, exec, saga.ReplanMarker{
			ExecutionID: executionID,
			Reason:      fmt.Sprintf("schema drift (%s): %s", report.Class, report.Suggestion),
			Source:      "schema",
			Suggestions: driftSuggestions(report),
		})
	}

	step, ok := exec.SelectNextStep(startIndex)
	if !ok {
		step, ok = exec.SelectNextStep(0)
	}
	if !ok {
		if exec.HasUnfinishedSteps() {
			return e.failStalled(ctx, exec)
		}
		return e.completeSaga(ctx, exec)
	}

	ctx, stepSpan := tracing.StartStepSpan(ctx, executionID, step.ID, step.ToolName)
	defer stepSpan.End()

	// 风险闸门在幂等标记之前：被拦下的步骤不算一次真实尝试
	assessment := e.risk.Assess(confirm.RiskInput{
		ToolName:   step.ToolName,
		Params:     step.Parameters,
		Confidence: exec.Intent.Confidence,
		PlanSteps:  len(exec.Plan),
	})
	if assessment.Block {
		return e.blockStep(ctx, exec, step, assessment)
	}
	if e.needsConfirmation(exec, step, assessment) {
		return e.gateStep(ctx, exec, step, assessment)
	}

	fresh, err := e.locks.MarkStepDone(ctx, executionID, step.Index, owner)
	if err != nil {
		return nil, err
	}
	if !fresh {
		// 标记已存在而步骤未完成：某次调用执行过但没来得及落账。
		// 宁可跳过也不重放副作用，按无副作用成功推进。
		exec.MarkStepSkipped(step.ID)
		metrics.StepTotal.WithLabelValues("skipped").Inc()
		e.logger.Warn("幂等标记命中，跳过步骤", "execution_id", executionID, "step_id", step.ID, "step_index", step.Index)
		return e.advance(ctx, exec, step, OutcomeIdempotentSkip)
	}

	exec.MarkStepRunning(step.ID)
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	e.publishProgress(ctx, exec, saga.EventStepStarted, step, nil)

	res := e.invokeStep(ctx, exec, step)
	if res.aborted {
		return e.abortInvocation(ctx, exec, step)
	}
	if res.result.Success {
		return e.succeedStep(ctx, exec, step, res.result)
	}
	return e.failStep(ctx, exec, step, res.result)
}

// invocationResult 工具调用结果加上调用级中断判定
type invocationResult struct {
	result  invoker.Result
	aborted bool
}

// invokeStep 在调用级墙钟限制下执行工具。步骤自己的超时由 Invoker 叠加，
// 先到者生效；事后用派生 context 的 Err 区分「调用被掐断」和「步骤超时」。
func (e *Engine) invokeStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep) invocationResult {
	timeoutMs := step.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.stepTimeoutMs
	}
	invCtx, cancel := context.WithTimeout(ctx, e.invocationDeadline)
	defer cancel()

	start := e.now()
	res := e.invoker.Invoke(invCtx, invoker.Request{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Tool:        step.ToolName,
		Parameters:  step.Parameters,
		TimeoutMs:   timeoutMs,
	})
	metrics.StepDuration.WithLabelValues(step.ToolName).Observe(time.Since(start).Seconds())

	if !res.Success && invCtx.Err() != nil && ctx.Err() == nil {
		return invocationResult{result: res, aborted: true}
	}
	return invocationResult{result: res}
}

// abortInvocation 调用级超限：步骤退回 pending 并立即重投。
// 幂等标记已写入，重投会命中标记按跳过推进，保证至多一次真实执行。
func (e *Engine) abortInvocation(ctx context.Context, exec *saga.Execution, step *saga.PlanStep) (*StepOutcome, error) {
	exec.ResetStepPending(step.ID)
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if _, err := e.dispatch.EnqueueExecuteStep(ctx, exec.ID, step.Index, 0); err != nil {
		return nil, err
	}
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	e.logger.Warn("调用级超限中断步骤",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"deadline_ms", e.invocationDeadline.Milliseconds())
	return &StepOutcome{
		Kind:              OutcomeRetryScheduled,
		ExecutionID:       exec.ID,
		ExecutionStatus:   exec.Status,
		StepID:            step.ID,
		StepIndex:         step.Index,
		StepStatus:        saga.StepPending,
		NextStepTriggered: true,
	}, nil
}

// succeedStep 成功路径：先登记补偿再落 completed（两者同一次写入），随后推进
func (e *Engine) succeedStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, res invoker.Result) (*StepOutcome, error) {
	if entry, ok := compensationFor(step, res, e.registry); ok {
		exec.PushCompensation(entry)
	}
	exec.MarkStepCompleted(step.ID, res.Output)
	metrics.StepTotal.WithLabelValues("completed").Inc()
	return e.advance(ctx, exec, step, OutcomeStepCompleted)
}

// compensationFor 步骤的补偿条目。工具返回的动态声明优先，
// 其次是计划里的静态声明，最后是注册表登记的模板。
func compensationFor(step *saga.PlanStep, res invoker.Result, reg *tool.Registry) (saga.CompensationEntry, bool) {
	if res.Compensation != nil {
		return saga.CompensationEntry{
			StepID:     step.ID,
			ToolName:   res.Compensation.Tool,
			Parameters: res.Compensation.Parameters,
		}, true
	}
	if step.Compensation != nil {
		return saga.CompensationEntry{
			StepID:     step.ID,
			ToolName:   step.Compensation.ToolName,
			Parameters: step.Compensation.Parameters,
		}, true
	}
	if def, ok := reg.Definition(step.ToolName); ok && def.Compensation != nil {
		return saga.CompensationEntry{
			StepID:     step.ID,
			ToolName:   def.Compensation.Tool,
			Parameters: def.Compensation.Parameters,
		}, true
	}
	return saga.CompensationEntry{}, false
}

// advance 持久化本步结果并让出控制：有后续步骤就入队并布防心跳，
// 没有则收尾整条执行。成功与幂等跳过共用此路径。
func (e *Engine) advance(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, kind OutcomeKind) (*StepOutcome, error) {
	next, hasNext := exec.SelectNextStep(0)
	if !hasNext && exec.HasUnfinishedSteps() {
		return e.failStalled(ctx, exec)
	}
	if !hasNext {
		if kind == OutcomeStepCompleted {
			e.publishProgress(ctx, exec, saga.EventStepCompleted, step, nil)
		}
		return e.completeSaga(ctx, exec)
	}

	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if kind == OutcomeStepCompleted {
		e.publishProgress(ctx, exec, saga.EventStepCompleted, step, nil)
	}
	if _, err := e.dispatch.EnqueueExecuteStep(ctx, exec.ID, next.Index, 0); err != nil {
		return nil, err
	}
	if err := e.heartbeat.Arm(ctx, exec.ID, next.Index+1); err != nil {
		e.logger.Warn("布防心跳失败", "execution_id", exec.ID, "error", err)
	}
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	st := exec.StepStateByID(step.ID)
	return &StepOutcome{
		Kind:              kind,
		ExecutionID:       exec.ID,
		ExecutionStatus:   exec.Status,
		StepID:            step.ID,
		StepIndex:         step.Index,
		StepStatus:        st.Status,
		NextStepTriggered: true,
	}, nil
}

// completeSaga 所有步骤到达终局，执行进入 COMPLETED
func (e *Engine) completeSaga(ctx context.Context, exec *saga.Execution) (*StepOutcome, error) {
	if err := exec.Transition(saga.StatusCompleted); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.guard.Clear(ctx, exec.ID); err != nil {
		e.logger.Warn("清理版本快照失败", "execution_id", exec.ID, "error", err)
	}
	metrics.ExecutionTerminalTotal.WithLabelValues(string(saga.StatusCompleted)).Inc()
	e.publishProgress(ctx, exec, saga.EventWorkflowCompleted, nil, nil)
	e.logger.Info("执行完成", "execution_id", exec.ID, "steps", len(exec.Plan))

	last := lastFinishedStep(exec)
	out := &StepOutcome{
		Kind:            OutcomeSagaCompleted,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       len(exec.Plan) - 1,
	}
	if last != nil {
		out.StepID = last.StepID
		out.StepStatus = last.Status
	}
	return out, nil
}

// failStalled 选不出步骤但仍有未完成步骤：依赖环或前置失败造成的停滞，
// 按 ErrStalled 直接终结为 FAILED，不再等待外部推进。
func (e *Engine) failStalled(ctx context.Context, exec *saga.Execution) (*StepOutcome, error) {
	exec.Error = &saga.ExecutionError{
		Code:    "STALLED",
		Message: saga.ErrStalled.Error(),
	}
	if err := exec.Transition(saga.StatusFailed); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.guard.Clear(ctx, exec.ID); err != nil {
		e.logger.Warn("清理版本快照失败", "execution_id", exec.ID, "error", err)
	}
	metrics.ExecutionTerminalTotal.WithLabelValues(string(saga.StatusFailed)).Inc()
	e.publishProgress(ctx, exec, saga.EventWorkflowFailed, nil, map[string]interface{}{"reason": "stalled"})
	e.logger.Error("执行停滞，无可执行步骤", "execution_id", exec.ID)
	return &StepOutcome{
		Kind:            OutcomeStalled,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       exec.NextStepIndex(),
		UserMessage:     saga.UserMessage(saga.ReasonToolError),
	}, nil
}

// needsConfirmation 步骤声明、工具注册属性与风险评分三者任一要求即需确认；
// 刚被确认过的步骤消费一次性放行标记，避免闸门打环。
func (e *Engine) needsConfirmation(exec *saga.Execution, step *saga.PlanStep, a confirm.Assessment) bool {
	if confirmed, _ := exec.Context["confirmedStepId"].(string); confirmed == step.ID {
		delete(exec.Context, "confirmedStepId")
		return false
	}
	if step.RequiresConfirmation {
		return true
	}
	if def, ok := e.registry.Definition(step.ToolName); ok && def.RequiresConfirmation {
		return true
	}
	return a.RequiresConfirmation
}

// gateStep 风险闸门：签发确认令牌并让出控制等待人工
func (e *Engine) gateStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, a confirm.Assessment) (*StepOutcome, error) {
	token, err := e.confirm.Create(ctx, exec.ID, step.ID, step.Parameters, a.Score, "")
	if err != nil {
		return nil, err
	}
	st := exec.StepStateByID(step.ID)
	st.Status = saga.StepAwaitingConfirmation
	exec.Touch()
	if err := exec.Transition(saga.StatusAwaitingConfirmation); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	metrics.StepTotal.WithLabelValues("yielded").Inc()
	e.publishProgress(ctx, exec, saga.EventConfirmationRequested, step, map[string]interface{}{
		"token":   token,
		"risk":    a.Score,
		"reasons": a.Reasons,
	})
	if err := e.heartbeat.Arm(ctx, exec.ID, step.Index+1); err != nil {
		e.logger.Warn("布防心跳失败", "execution_id", exec.ID, "error", err)
	}
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	e.logger.Info("高风险步骤暂停等待确认",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"tool", step.ToolName,
		"risk", a.Score)
	return &StepOutcome{
		Kind:              OutcomeYielded,
		ExecutionID:       exec.ID,
		ExecutionStatus:   exec.Status,
		StepID:            step.ID,
		StepIndex:         step.Index,
		StepStatus:        saga.StepAwaitingConfirmation,
		ConfirmationToken: token,
	}, nil
}

// blockStep 风险评分超过阻断阈值：步骤标记失败并挂起执行，不签发令牌
func (e *Engine) blockStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, a confirm.Assessment) (*StepOutcome, error) {
	reason := fmt.Sprintf("blocked by risk policy (score %.2f): %v", a.Score, a.Reasons)
	exec.MarkStepFailed(step.ID, reason)
	if err := exec.Transition(saga.StatusSuspended); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if _, err := e.repo.UpsertDLQ(ctx, exec.ID, reason, "engine"); err != nil {
		return nil, err
	}
	e.publishAlert(ctx, exec, step.Index, reason)
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	metrics.StepTotal.WithLabelValues("failed").Inc()
	e.logger.Error("风险阻断，执行挂起",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"tool", step.ToolName,
		"risk", a.Score)
	return &StepOutcome{
		Kind:            OutcomeEscalated,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepID:          step.ID,
		StepIndex:       step.Index,
		StepStatus:      saga.StepFailed,
	}, nil
}

// failStep 失败路径：归类失败原因，交策略引擎裁决并落地动作
func (e *Engine) failStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, res invoker.Result) (*StepOutcome, error) {
	exec.MarkStepFailed(step.ID, res.Error)
	metrics.StepTotal.WithLabelValues("failed").Inc()
	e.publishProgress(ctx, exec, saga.EventStepFailed, step, map[string]interface{}{"error": res.Error})

	reason := saga.ClassifyFailure(res.Error)
	st := exec.StepStateByID(step.ID)
	decision := e.failover.Decide(failoverInput(exec, step, reason, st.Attempts))
	e.snapshotDecision(ctx, exec.ID, step, reason, decision)
	e.logger.Warn("步骤失败，策略裁决",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"reason", reason,
		"attempts", st.Attempts,
		"policy", decision.Policy,
		"action", decision.Action)

	switch decision.Action {
	case failover.ActionRetryWithBackoff:
		return e.retryStep(ctx, exec, step, st.Attempts)
	case failover.ActionSuggestAlternativeTime,
		failover.ActionSuggestAlternativeRestaurant,
		failover.ActionTriggerDelivery,
		failover.ActionTriggerWaitlist,
		failover.ActionDowngradePartySize:
		return e.requestReplan(ctx, exec, saga.ReplanMarker{
			ExecutionID: exec.ID,
			Reason:      fmt.Sprintf("step %s failed: %s (policy %s)", step.ID, reason, decision.Policy),
			Source:      "failover",
			Suggestions: decisionSuggestions(decision),
		})
	case failover.ActionAbortAndRefund:
		// 原因随状态落盘：补偿被对账重入续跑时还能还原收尾文案
		exec.Context["failureReason"] = string(reason)
		if err := exec.Transition(saga.StatusCompensating); err != nil {
			return nil, err
		}
		if err := e.repo.Save(ctx, exec); err != nil {
			return nil, err
		}
		return e.runCompensation(ctx, exec, reason)
	default: // ESCALATE_TO_HUMAN 与一切未映射动作
		return e.escalateStep(ctx, exec, step, reason)
	}
}

// retryStep 策略裁决的退避重试。清除幂等标记开启新一次真实尝试，
// 步骤退回 pending 后带退避延迟重新入队。
func (e *Engine) retryStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, attempts int) (*StepOutcome, error) {
	if err := e.locks.ClearStepDone(ctx, exec.ID, step.Index); err != nil {
		return nil, err
	}
	exec.ResetStepPending(step.ID)
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	backoff := time.Duration(failover.BackoffMs(attempts)) * time.Millisecond
	if _, err := e.dispatch.EnqueueExecuteStep(ctx, exec.ID, step.Index, backoff); err != nil {
		return nil, err
	}
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	e.logger.Info("步骤重试已入队",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"attempts", attempts,
		"backoff_ms", backoff.Milliseconds())
	return &StepOutcome{
		Kind:              OutcomeRetryScheduled,
		ExecutionID:       exec.ID,
		ExecutionStatus:   exec.Status,
		StepID:            step.ID,
		StepIndex:         step.Index,
		StepStatus:        saga.StepPending,
		NextStepTriggered: true,
	}, nil
}

// requestReplan 写入重规划标记并回到 PLANNING；新计划经 AcceptPlan 落地
func (e *Engine) requestReplan(ctx context.Context, exec *saga.Execution, marker saga.ReplanMarker) (*StepOutcome, error) {
	if err := e.repo.SaveReplanMarker(ctx, marker); err != nil {
		return nil, err
	}
	if err := exec.Transition(saga.StatusPlanning); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.guard.Clear(ctx, exec.ID); err != nil {
		e.logger.Warn("清理版本快照失败", "execution_id", exec.ID, "error", err)
	}
	e.publishProgress(ctx, exec, saga.EventReplanRequested, nil, map[string]interface{}{
		"source": marker.Source,
		"reason": marker.Reason,
	})
	e.logger.Info("请求重规划", "execution_id", exec.ID, "source", marker.Source, "reason", marker.Reason)
	return &StepOutcome{
		Kind:            OutcomeReplanRequested,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       exec.NextStepIndex(),
	}, nil
}

// escalateStep 升级人工：执行挂起，进死信并发告警，不再自动推进
func (e *Engine) escalateStep(ctx context.Context, exec *saga.Execution, step *saga.PlanStep, reason saga.FailureReason) (*StepOutcome, error) {
	if err := exec.Transition(saga.StatusSuspended); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("step %s escalated: %s", step.ID, reason)
	if _, err := e.repo.UpsertDLQ(ctx, exec.ID, detail, "engine"); err != nil {
		return nil, err
	}
	e.publishAlert(ctx, exec, step.Index, detail)
	if err := e.guard.Capture(ctx, exec.ID, exec.Plan); err != nil {
		e.logger.Warn("写入版本快照失败", "execution_id", exec.ID, "error", err)
	}
	e.logger.Error("步骤失败升级人工",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"reason", reason)
	return &StepOutcome{
		Kind:            OutcomeEscalated,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepID:          step.ID,
		StepIndex:       step.Index,
		StepStatus:      saga.StepFailed,
		UserMessage:     saga.UserMessage(reason),
	}, nil
}

// runCompensation LIFO 回卷补偿栈。每弹出一条先调用补偿工具，成功才出栈落账，
// 失败则保留栈顶、登记 PARTIALLY_COMPENSATED 并升级；全部回卷后执行进 FAILED。
func (e *Engine) runCompensation(ctx context.Context, exec *saga.Execution, reason saga.FailureReason) (*StepOutcome, error) {
	if len(exec.Compensations) > 0 {
		e.publishProgress(ctx, exec, saga.EventCompensationStarted, nil, map[string]interface{}{
			"pending": len(exec.Compensations),
		})
	}
	for len(exec.Compensations) > 0 {
		entry := exec.Compensations[len(exec.Compensations)-1]
		res := e.invoker.Invoke(ctx, invoker.Request{
			ExecutionID: exec.ID,
			StepID:      "compensate:" + entry.StepID,
			Tool:        entry.ToolName,
			Parameters:  entry.Parameters,
			TimeoutMs:   e.stepTimeoutMs,
		})
		if !res.Success {
			metrics.CompensationTotal.WithLabelValues("failed").Inc()
			exec.Context["compensationStatus"] = "PARTIALLY_COMPENSATED"
			exec.Touch()
			if err := e.repo.Save(ctx, exec); err != nil {
				return nil, err
			}
			detail := fmt.Sprintf("compensation %s for step %s failed: %s", entry.ToolName, entry.StepID, res.Error)
			if _, err := e.repo.UpsertDLQ(ctx, exec.ID, detail, "engine"); err != nil {
				return nil, err
			}
			e.publishAlert(ctx, exec, exec.NextStepIndex(), detail)
			e.logger.Error("补偿失败，部分回卷",
				"execution_id", exec.ID,
				"step_id", entry.StepID,
				"tool", entry.ToolName,
				"error", res.Error)
			return &StepOutcome{
				Kind:            OutcomeEscalated,
				ExecutionID:     exec.ID,
				ExecutionStatus: exec.Status,
				StepID:          entry.StepID,
				StepIndex:       exec.NextStepIndex(),
				UserMessage:     saga.UserMessage(reason),
			}, nil
		}
		exec.PopCompensation()
		exec.Touch()
		if err := e.repo.Save(ctx, exec); err != nil {
			return nil, err
		}
		metrics.CompensationTotal.WithLabelValues("ok").Inc()
		e.logger.Info("补偿完成", "execution_id", exec.ID, "step_id", entry.StepID, "tool", entry.ToolName)
	}

	exec.Context["compensationStatus"] = "COMPENSATED"
	exec.Error = &saga.ExecutionError{
		Code:    string(reason),
		Message: saga.UserMessage(reason),
	}
	if err := exec.Transition(saga.StatusFailed); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.guard.Clear(ctx, exec.ID); err != nil {
		e.logger.Warn("清理版本快照失败", "execution_id", exec.ID, "error", err)
	}
	metrics.ExecutionTerminalTotal.WithLabelValues(string(saga.StatusFailed)).Inc()
	e.publishProgress(ctx, exec, saga.EventCompensationCompleted, nil, nil)
	e.publishProgress(ctx, exec, saga.EventWorkflowFailed, nil, map[string]interface{}{
		"reason":      string(reason),
		"userMessage": saga.UserMessage(reason),
	})
	e.logger.Info("补偿回卷完成，执行失败收尾", "execution_id", exec.ID, "reason", reason)
	return &StepOutcome{
		Kind:            OutcomeCompensated,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       exec.NextStepIndex(),
		UserMessage:     saga.UserMessage(reason),
	}, nil
}

// yieldedOutcome 等待人工的执行收到重投消息：无副作用响应，附当前挂起令牌
func (e *Engine) yieldedOutcome(ctx context.Context, exec *saga.Execution, startIndex int) *StepOutcome {
	out := &StepOutcome{
		Kind:            OutcomeYielded,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       startIndex,
	}
	if step := exec.StepByIndex(startIndex); step != nil {
		out.StepID = step.ID
		if st := exec.StepStateByID(step.ID); st != nil {
			out.StepStatus = st.Status
		}
	}
	token, err := e.confirm.PendingToken(ctx, exec.ID)
	if err != nil {
		e.logger.Warn("查询挂起确认令牌失败", "execution_id", exec.ID, "error", err)
	}
	out.ConfirmationToken = token
	return out
}

// terminalSkipOutcome 终结执行收到重投消息：幂等跳过，不触发任何副作用
func terminalSkipOutcome(exec *saga.Execution, startIndex int) *StepOutcome {
	out := &StepOutcome{
		Kind:            OutcomeIdempotentSkip,
		ExecutionID:     exec.ID,
		ExecutionStatus: exec.Status,
		StepIndex:       startIndex,
	}
	if step := exec.StepByIndex(startIndex); step != nil {
		out.StepID = step.ID
		if st := exec.StepStateByID(step.ID); st != nil {
			out.StepStatus = st.Status
		}
	}
	if exec.Error != nil {
		out.UserMessage = exec.Error.Message
	}
	return out
}

// snapshotDecision 落盘失败处置裁决快照（exec:{id}:failover），供重规划与排障消费
func (e *Engine) snapshotDecision(ctx context.Context, executionID string, step *saga.PlanStep, reason saga.FailureReason, d failover.Decision) {
	snapshot := map[string]interface{}{
		"stepId":    step.ID,
		"stepIndex": step.Index,
		"tool":      step.ToolName,
		"reason":    string(reason),
		"decision":  d,
		"decidedAt": e.now().UTC().Format(time.RFC3339),
	}
	if err := e.st.Put(ctx, store.KeyFailoverSnapshot(executionID), snapshot, failoverSnapshotTTL); err != nil {
		e.logger.Warn("写入失败处置快照失败", "execution_id", executionID, "error", err)
	}
}

// publishProgress 发布进度事件；执行维度启用有序缓冲。发布失败只告警不阻断推进。
func (e *Engine) publishProgress(ctx context.Context, exec *saga.Execution, event string, step *saga.PlanStep, detail map[string]interface{}) {
	if e.bus == nil {
		return
	}
	payload := saga.ProgressEvent{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Detail:      detail,
	}
	if step != nil {
		payload.StepID = step.ID
		payload.StepIndex = step.Index
		payload.ToolName = step.ToolName
	}
	if err := e.bus.Publish(ctx, saga.DefaultChannel, event, payload, bus.WithOrdering(exec.ID)); err != nil {
		e.logger.Warn("进度事件发布失败", "execution_id", exec.ID, "event", event, "error", err)
	}
}

// publishAlert 发布人工介入告警
func (e *Engine) publishAlert(ctx context.Context, exec *saga.Execution, stepIndex int, reason string) {
	if e.bus == nil {
		return
	}
	payload := saga.ProgressEvent{
		ExecutionID: exec.ID,
		StepIndex:   stepIndex,
		Status:      exec.Status,
		Detail:      map[string]interface{}{"reason": reason},
	}
	if err := e.bus.Publish(ctx, saga.AlertChannel, saga.EventManualInterventionRequired, payload); err != nil {
		e.logger.Warn("告警事件发布失败", "execution_id", exec.ID, "error", err)
	}
}

// failoverInput 从意图与步骤参数里提取策略引擎关心的维度
func failoverInput(exec *saga.Execution, step *saga.PlanStep, reason saga.FailureReason, attempts int) failover.Input {
	in := failover.Input{
		IntentType:    exec.Intent.Type,
		FailureReason: reason,
		Confidence:    exec.Intent.Confidence,
		AttemptCount:  attempts,
		Metadata:      map[string]any{"stepId": step.ID, "tool": step.ToolName},
	}
	params := mergedParams(exec.Intent.Parameters, step.Parameters)
	if v, ok := stringParam(params, "time", "reservation_time"); ok {
		in.TimeOfDay = v
	}
	if v, ok := stringParam(params, "day_of_week", "dayOfWeek"); ok {
		in.DayOfWeek = v
	}
	if n, ok := intParam(params, "guests", "party_size"); ok {
		in.PartySize = n
	}
	if tags, ok := stringSliceParam(params, "tags", "restaurant_tags"); ok {
		in.RestaurantTags = tags
	}
	return in
}

// mergedParams 意图参数打底，步骤参数覆盖
func mergedParams(intent, step map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(intent)+len(step))
	for k, v := range intent {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	return merged
}

func stringParam(params map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func intParam(params map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := params[k].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

func stringSliceParam(params map[string]interface{}, keys ...string) ([]string, bool) {
	for _, k := range keys {
		switch v := params[k].(type) {
		case []string:
			if len(v) > 0 {
				return v, true
			}
		case []interface{}:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out, true
			}
		}
	}
	return nil, false
}

// driftSuggestions 漂移报告转重规划建议
func driftSuggestions(report *schemaver.Report) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(report.Drifts))
	for _, d := range report.Drifts {
		out = append(out, map[string]interface{}{
			"tool":   d.Tool,
			"class":  string(d.Class),
			"detail": d.Detail,
		})
	}
	return out
}

// decisionSuggestions 策略裁决的替代方案转重规划建议
func decisionSuggestions(d failover.Decision) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(d.Suggestions))
	for _, s := range d.Suggestions {
		m := map[string]interface{}{"action": string(s.Action)}
		if len(s.Params) > 0 {
			m["params"] = s.Params
		}
		out = append(out, m)
	}
	return out
}

// lastFinishedStep 最后一个到达终局的步骤状态（收尾响应用）
func lastFinishedStep(exec *saga.Execution) *saga.StepState {
	for i := len(exec.Plan) - 1; i >= 0; i-- {
		st := exec.StepStateByID(exec.Plan[i].ID)
		if st != nil && (st.Status == saga.StepCompleted || st.Status == saga.StepSkipped) {
			return st
		}
	}
	return nil
}

// storedFailureReason 补偿重入时从上下文还原失败原因；缺失按通用工具错误处理
func storedFailureReason(exec *saga.Execution) saga.FailureReason {
	if v, ok := exec.Context["failureReason"].(string); ok && v != "" {
		return saga.FailureReason(v)
	}
	return saga.ReasonToolError
}
