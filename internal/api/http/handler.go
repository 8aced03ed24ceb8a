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

// Package http 暴露编排器的 HTTP 面：队列回调的 /engine 组、规划器
// 对接的 /executions 组、JWT 保护的 /admin 运维组与健康/指标探针。
// 领域错误经 errors.Is 归类后映射为状态码，响应体统一为
// {success, status, error:{code, message}} 信封。
package http

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-platform/internal/confirm"
	"saga-platform/internal/engine"
	"saga-platform/internal/heartbeat"
	"saga-platform/internal/outbox"
	"saga-platform/internal/queue"
	"saga-platform/internal/reconcile"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	pkgerrors "saga-platform/pkg/errors"
	"saga-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	engine    *engine.Engine
	confirm   *confirm.Manager
	repo      *saga.Repository
	heartbeat *heartbeat.Service

	reconciler *reconcile.Reconciler
	outbox     outbox.Outbox
	ready      func(ctx context.Context) error
}

// NewHandler 创建 HTTP 处理器
func NewHandler(eng *engine.Engine, cm *confirm.Manager, repo *saga.Repository, hb *heartbeat.Service) *Handler {
	return &Handler{
		engine:    eng,
		confirm:   cm,
		repo:      repo,
		heartbeat: hb,
	}
}

// SetReconciler 注入对账器，供 /admin/reconcile 手动触发单轮扫描
func (h *Handler) SetReconciler(r *reconcile.Reconciler) { h.reconciler = r }

// SetOutbox 注入发件箱存储，供 /engine/outbox-relay 回执标记
func (h *Handler) SetOutbox(ob outbox.Outbox) { h.outbox = ob }

// SetReadyCheck 注入就绪探针检查（通常为状态存储 ping）
func (h *Handler) SetReadyCheck(fn func(ctx context.Context) error) { h.ready = fn }

// executeStepRequest /engine/execute-step 入参；startStepIndex 缺省为 0
type executeStepRequest struct {
	ExecutionID    string `json:"executionId"`
	StartStepIndex int    `json:"startStepIndex"`
}

// confirmRequest /engine/confirm 入参
type confirmRequest struct {
	Token    string `json:"token"`
	Metadata struct {
		ActorID string `json:"actorId"`
	} `json:"metadata"`
}

// stepResponse 推进结果响应体
type stepResponse struct {
	Success bool `json:"success"`
	*engine.StepOutcome
}

// ExecuteStep 队列回调入口：持锁推进一步后交还控制权。
// 重复投递命中幂等标记时同样返回 200，避免队列无谓重试。
// POST /engine/execute-step
func (h *Handler) ExecuteStep(c context.Context, ctx *app.RequestContext) {
	var req executeStepRequest
	if err := ctx.BindJSON(&req); err != nil {
		writeInvalid(ctx, "invalid request body")
		return
	}
	if req.ExecutionID == "" {
		writeInvalid(ctx, "executionId is required")
		return
	}

	out, err := h.engine.ExecuteSingleStep(c, req.ExecutionID, req.StartStepIndex)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, stepResponse{Success: true, StepOutcome: out})
}

// Confirm 人工确认回执：校验令牌（含操作者绑定）并恢复被闸执行
// POST /engine/confirm
func (h *Handler) Confirm(c context.Context, ctx *app.RequestContext) {
	var req confirmRequest
	if err := ctx.BindJSON(&req); err != nil {
		writeInvalid(ctx, "invalid request body")
		return
	}
	if req.Token == "" {
		writeInvalid(ctx, "token is required")
		return
	}

	data, err := h.confirm.Validate(c, req.Token, req.Metadata.ActorID)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	if err := h.confirm.Resume(c, data.ExecutionID, data); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":     true,
		"status":      "resumed",
		"executionId": data.ExecutionID,
		"stepId":      data.StepID,
	})
}

// OutboxRelay 发件箱投递回执：收到即标记 delivered。
// 未启用发件箱的部署直接回 200，消费端按 outboxId 去重。
// POST /engine/outbox-relay
func (h *Handler) OutboxRelay(c context.Context, ctx *app.RequestContext) {
	var req outbox.RelayMessage
	if err := ctx.BindJSON(&req); err != nil {
		writeInvalid(ctx, "invalid request body")
		return
	}
	if req.OutboxID == "" {
		writeInvalid(ctx, "outboxId is required")
		return
	}
	if h.outbox == nil {
		ctx.JSON(consts.StatusOK, map[string]interface{}{"success": true, "status": "ignored"})
		return
	}

	if err := h.outbox.MarkDelivered(c, req.OutboxID); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":  true,
		"status":   "delivered",
		"outboxId": req.OutboxID,
	})
}

// HeartbeatCheck 延迟心跳自检：确认执行是否推进到预期步骤
// POST /engine/heartbeat-check
func (h *Handler) HeartbeatCheck(c context.Context, ctx *app.RequestContext) {
	var req queue.HeartbeatCheckMessage
	if err := ctx.BindJSON(&req); err != nil {
		writeInvalid(ctx, "invalid request body")
		return
	}
	if req.ExecutionID == "" {
		writeInvalid(ctx, "executionId is required")
		return
	}

	outcome, err := h.heartbeat.Check(c, req.ExecutionID, req.ExpectedNextIndex)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":     true,
		"status":      string(outcome),
		"executionId": req.ExecutionID,
	})
}

// CreateExecution 接受上游规划器提交的计划并启动推进
// POST /executions
func (h *Handler) CreateExecution(c context.Context, ctx *app.RequestContext) {
	var req engine.PlanRequest
	if err := ctx.BindJSON(&req); err != nil {
		writeInvalid(ctx, "invalid request body")
		return
	}

	exec, err := h.engine.AcceptPlan(c, req)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, map[string]interface{}{
		"success":     true,
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

// GetExecution 读取执行全量状态
// GET /executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	exec, err := h.repo.Load(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":   true,
		"execution": exec,
	})
}

// PendingConfirmation 查询执行挂起的确认令牌，供运维放行高危步骤。
// 无挂起返回 404，令牌已过期返回 410。
// GET /admin/executions/:id/confirmation
func (h *Handler) PendingConfirmation(c context.Context, ctx *app.RequestContext) {
	data, err := h.confirm.Pending(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":      true,
		"confirmation": data,
	})
}

// CancelExecution 运维取消：停止推进并迁入终态；已注册的补偿不自动回卷
// POST /admin/executions/:id/cancel
func (h *Handler) CancelExecution(c context.Context, ctx *app.RequestContext) {
	exec, err := h.engine.Cancel(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":     true,
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

// ListDLQ 死信索引查询，limit 缺省 100
// GET /admin/dlq
func (h *Handler) ListDLQ(c context.Context, ctx *app.RequestContext) {
	limit := 100
	if s := ctx.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeInvalid(ctx, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.repo.ListDLQ(c, limit)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"entries": entries,
	})
}

// RunReconcile 手动触发单轮对账扫描
// POST /admin/reconcile
func (h *Handler) RunReconcile(c context.Context, ctx *app.RequestContext) {
	if h.reconciler == nil {
		ctx.JSON(consts.StatusServiceUnavailable, errorBody(consts.StatusServiceUnavailable, "NOT_CONFIGURED", "reconciler not configured"))
		return
	}

	res, err := h.reconciler.ReconcileOnce(c)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

// Healthz 存活探针
// GET /healthz
func (h *Handler) Healthz(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Readyz 就绪探针；依赖检查失败返回 503
// GET /readyz
func (h *Handler) Readyz(c context.Context, ctx *app.RequestContext) {
	if h.ready != nil {
		if err := h.ready(c); err != nil {
			hlog.CtxWarnf(c, "就绪检查失败: %v", err)
			ctx.JSON(consts.StatusServiceUnavailable, errorBody(consts.StatusServiceUnavailable, "NOT_READY", err.Error()))
			return
		}
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ready"})
}

// Metrics Prometheus 文本暴露
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// classify 将领域错误归类为状态码与错误码
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidArg):
		return consts.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		return consts.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, store.ErrKeyNotFound), errors.Is(err, pkgerrors.ErrNotFound):
		return consts.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, pkgerrors.ErrConflict):
		return consts.StatusConflict, "CONFLICT"
	case errors.Is(err, pkgerrors.ErrExpired):
		return consts.StatusGone, "EXPIRED"
	case errors.Is(err, store.ErrStoreUnavailable):
		return consts.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, queue.ErrQueuePublishFailed):
		return consts.StatusInternalServerError, "QUEUE_PUBLISH_FAILED"
	default:
		return consts.StatusInternalServerError, "INTERNAL"
	}
}

// writeError 按归类结果写出错误信封；5xx 记 error 级日志供队列重投排查
func writeError(c context.Context, ctx *app.RequestContext, err error) {
	status, code := classify(err)
	if status >= consts.StatusInternalServerError {
		hlog.CtxErrorf(c, "请求处理失败: %v", err)
	} else {
		hlog.CtxWarnf(c, "请求被拒绝: %v", err)
	}
	ctx.JSON(status, errorBody(status, code, err.Error()))
}

func writeInvalid(ctx *app.RequestContext, message string) {
	ctx.JSON(consts.StatusBadRequest, errorBody(consts.StatusBadRequest, "INVALID_ARGUMENT", message))
}

func errorBody(status int, code, message string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"status":  status,
		"error":   map[string]string{"code": code, "message": message},
	}
}
