// Copyright 2026 fanjia1024

package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	pkgerrors "saga-platform/pkg/errors"
)

func TestAcceptPlanGeneratesIDAndEnqueues(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, "get_quote")
	ctx := context.Background()

	exec, err := f.engine.AcceptPlan(ctx, PlanRequest{
		Intent: saga.Intent{Type: "reservation", Confidence: 0.9},
		Plan:   []saga.PlanStep{{ID: "quote", Index: 0, ToolName: "get_quote"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, exec.ID, "missing id must be generated")
	assert.Equal(t, saga.StatusPlanned, exec.Status)

	steps := f.drv.byPath("/engine/execute-step")
	require.Len(t, steps, 1)
	var body queue.ExecuteStepMessage
	require.NoError(t, json.Unmarshal(steps[0].Body, &body))
	assert.Equal(t, exec.ID, body.ExecutionID)
	assert.Zero(t, body.StartStepIndex)

	beats := f.drv.byPath("/engine/heartbeat-check")
	require.Len(t, beats, 1)
	var hb queue.HeartbeatCheckMessage
	require.NoError(t, json.Unmarshal(beats[0].Body, &hb))
	assert.Equal(t, exec.ID, hb.ExecutionID)
	assert.Equal(t, 1, hb.ExpectedNextIndex)
}

func TestAcceptPlanRejectsEmptyPlan(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})

	_, err := f.engine.AcceptPlan(context.Background(), PlanRequest{
		ExecutionID: "exec-empty",
		Intent:      saga.Intent{Type: "reservation"},
	})
	require.ErrorIs(t, err, pkgerrors.ErrInvalidArg)

	_, loadErr := f.repo.Load(context.Background(), "exec-empty")
	require.ErrorIs(t, loadErr, store.ErrKeyNotFound, "rejected plan must not persist")
}

func TestAcceptPlanConflictsOutsidePlanning(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, "get_quote")
	ctx := context.Background()

	req := PlanRequest{
		ExecutionID: "exec-twice",
		Intent:      saga.Intent{Type: "reservation", Confidence: 0.9},
		Plan:        []saga.PlanStep{{ID: "quote", Index: 0, ToolName: "get_quote"}},
	}
	_, err := f.engine.AcceptPlan(ctx, req)
	require.NoError(t, err)

	// 已是 PLANNED，不在等计划的状态上，重复提交被拒
	_, err = f.engine.AcceptPlan(ctx, req)
	require.ErrorIs(t, err, pkgerrors.ErrConflict)
}

func TestReplanInstallsFreshPlanAndKeepsCompensations(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, "reserve_room", "charge_card", "book_backup")
	ctx := context.Background()

	// 造一个执行到一半后退回 PLANNING 的执行：第 0 步已完成并登记了补偿，
	// 幂等标记也已写下
	oldPlan := []saga.PlanStep{
		{ID: "reserve", Index: 0, ToolName: "reserve_room"},
		{ID: "charge", Index: 1, ToolName: "charge_card", Dependencies: []string{"reserve"}},
	}
	exec, err := saga.NewExecution("exec-replan", saga.Intent{Type: "reservation"}, oldPlan)
	require.NoError(t, err)
	for _, s := range []saga.Status{saga.StatusParsing, saga.StatusPlanning, saga.StatusPlanned, saga.StatusExecuting} {
		require.NoError(t, exec.Transition(s))
	}
	exec.MarkStepCompleted("reserve", nil)
	exec.PushCompensation(saga.CompensationEntry{StepID: "reserve", ToolName: "release_room"})
	exec.MarkStepFailed("charge", "card declined")
	exec.Error = &saga.ExecutionError{Code: "PAYMENT_FAILED", Message: "card declined"}
	require.NoError(t, exec.Transition(saga.StatusPlanning))
	require.NoError(t, f.repo.Save(ctx, exec))

	_, err = f.locks.MarkStepDone(ctx, "exec-replan", 0, "prior-invocation")
	require.NoError(t, err)

	fresh, err := f.engine.AcceptPlan(ctx, PlanRequest{
		ExecutionID: "exec-replan",
		Plan:        []saga.PlanStep{{ID: "backup", Index: 0, ToolName: "book_backup"}},
	})
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPlanned, fresh.Status)
	assert.Nil(t, fresh.Error, "stale error cleared on replan")

	// 新计划复用索引，旧标记必须清掉，否则新第 0 步会被误跳过
	done, err := f.locks.IsStepDone(ctx, "exec-replan", 0)
	require.NoError(t, err)
	assert.False(t, done)

	require.Len(t, fresh.Plan, 1)
	assert.Equal(t, "backup", fresh.Plan[0].ID)
	require.Len(t, fresh.StepStates, 1)
	assert.Equal(t, saga.StepPending, fresh.StepStates[0].Status)

	// 已落的补偿跨计划存续：新计划失败时旧副作用照样要回卷
	require.Len(t, fresh.Compensations, 1)
	assert.Equal(t, "release_room", fresh.Compensations[0].ToolName)

	outs := f.runQueue(10)
	require.Len(t, outs, 1)
	assert.Equal(t, OutcomeSagaCompleted, outs[0].Kind)
	assert.Equal(t, 1, f.tools["book_backup"].callCount())
	assert.Zero(t, f.tools["reserve_room"].callCount(), "old plan steps never execute")
}

func TestCancelTerminatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, "get_quote", "book_table", "notify_user")
	ctx := context.Background()

	_, err := f.engine.AcceptPlan(ctx, PlanRequest{
		ExecutionID: "exec-cancel",
		Intent:      saga.Intent{Type: "reservation", Confidence: 0.9},
		Plan:        reservationPlan(),
	})
	require.NoError(t, err)
	f.runQueue(1) // 第 0 步跑完，队列里还躺着后续消息

	cancelled, err := f.engine.Cancel(ctx, "exec-cancel")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "CANCELLED", cancelled.Error.Code)

	// 取消后再取消是无操作
	again, err := f.engine.Cancel(ctx, "exec-cancel")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCancelled, again.Status)

	// 在途消息追上来也只会幂等跳过
	outs := f.runQueue(10)
	require.NotEmpty(t, outs)
	for _, out := range outs {
		assert.Equal(t, OutcomeIdempotentSkip, out.Kind)
	}
	assert.Equal(t, 1, f.tools["get_quote"].callCount())
	assert.Zero(t, f.tools["book_table"].callCount())
}

func TestCancelUnknownExecution(t *testing.T) {
	f := newFixture(t, config.EngineConfig{})

	_, err := f.engine.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrKeyNotFound)
}
