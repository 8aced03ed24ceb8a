// Copyright 2026 fanjia1024

package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/bus"
	"saga-platform/internal/queue"
	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
)

type captureDriver struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (c *captureDriver) Publish(_ context.Context, msg queue.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return "m-1", nil
}

func (c *captureDriver) Close() error { return nil }

func (c *captureDriver) byPath(path string) []queue.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []queue.Message
	for _, m := range c.msgs {
		if m.URL == "http://orchestrator.local"+path {
			out = append(out, m)
		}
	}
	return out
}

func newFixture(t *testing.T) (*Service, store.Store, *saga.Repository, *captureDriver, bus.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	repo := saga.NewRepository(st)
	drv := &captureDriver{}
	b, err := bus.New(config.EventBusConfig{Type: "memory", APIKey: "hb-test-key"}, st, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	svc := NewService(st, repo, queue.NewDispatcher(drv, "http://orchestrator.local"), b, config.HeartbeatConfig{}, log.Nop())
	return svc, st, repo, drv, b
}

func seedExecuting(t *testing.T, repo *saga.Repository, completedSteps int) *saga.Execution {
	t.Helper()
	plan := []saga.PlanStep{
		{ID: "search", Index: 0, ToolName: "search_restaurants"},
		{ID: "hold", Index: 1, ToolName: "hold_table", Dependencies: []string{"search"}},
		{ID: "notify", Index: 2, ToolName: "notify_user", Dependencies: []string{"hold"}},
	}
	exec, err := saga.NewExecution("exec-hb", saga.Intent{Type: "reservation"}, plan)
	require.NoError(t, err)
	for _, s := range []saga.Status{saga.StatusParsing, saga.StatusPlanning, saga.StatusPlanned, saga.StatusExecuting} {
		require.NoError(t, exec.Transition(s))
	}
	for i := 0; i < completedSteps; i++ {
		exec.MarkStepCompleted(plan[i].ID, nil)
	}
	require.NoError(t, repo.Save(context.Background(), exec))
	return exec
}

func TestArmPersistsAndSchedulesCheck(t *testing.T) {
	svc, st, repo, drv, _ := newFixture(t)
	seedExecuting(t, repo, 1)
	ctx := context.Background()

	require.NoError(t, svc.Arm(ctx, "exec-hb", 1))

	var hb Heartbeat
	require.NoError(t, st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb))
	assert.Equal(t, 1, hb.ExpectedNextIndex)
	assert.Zero(t, hb.RecoveryAttempts)

	checks := drv.byPath("/engine/heartbeat-check")
	require.Len(t, checks, 1)
	assert.Equal(t, 30*time.Second, checks[0].Delay)
	var body queue.HeartbeatCheckMessage
	require.NoError(t, json.Unmarshal(checks[0].Body, &body))
	assert.Equal(t, "exec-hb", body.ExecutionID)
	assert.Equal(t, 1, body.ExpectedNextIndex)
}

func TestCheckProgressedDisarms(t *testing.T) {
	svc, st, repo, drv, _ := newFixture(t)
	seedExecuting(t, repo, 1) // search 完成，NextStepIndex = 1
	ctx := context.Background()
	require.NoError(t, svc.Arm(ctx, "exec-hb", 1))

	outcome, err := svc.Check(ctx, "exec-hb", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProgressed, outcome)

	var hb Heartbeat
	err = st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb)
	require.ErrorIs(t, err, store.ErrKeyNotFound, "progressed check must disarm the heartbeat")
	assert.Empty(t, drv.byPath("/engine/execute-step"))
}

func TestCheckRecoversStalledExecution(t *testing.T) {
	svc, st, repo, drv, _ := newFixture(t)
	seedExecuting(t, repo, 1) // hold 一直没跑，期望推进到 2
	ctx := context.Background()
	require.NoError(t, svc.Arm(ctx, "exec-hb", 2))
	armChecks := len(drv.byPath("/engine/heartbeat-check"))

	outcome, err := svc.Check(ctx, "exec-hb", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, outcome)

	steps := drv.byPath("/engine/execute-step")
	require.Len(t, steps, 1)
	var body queue.ExecuteStepMessage
	require.NoError(t, json.Unmarshal(steps[0].Body, &body))
	assert.Equal(t, "exec-hb", body.ExecutionID)
	assert.Equal(t, 2, body.StartStepIndex)

	require.Len(t, drv.byPath("/engine/heartbeat-check"), armChecks+1, "recovery must re-arm the next check")

	var hb Heartbeat
	require.NoError(t, st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb))
	assert.Equal(t, 1, hb.RecoveryAttempts)
	require.NotNil(t, hb.LastCheckedAt)
}

func TestCheckEscalatesAfterMaxRecoveries(t *testing.T) {
	svc, st, repo, drv, b := newFixture(t)
	seedExecuting(t, repo, 1)
	ctx := context.Background()

	alerts := make(chan *bus.Envelope, 1)
	cancel, err := b.Subscribe(ctx, saga.AlertChannel, func(_ context.Context, env *bus.Envelope) {
		select {
		case alerts <- env:
		default:
		}
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, svc.Arm(ctx, "exec-hb", 2))
	for i := 0; i < 3; i++ {
		outcome, err := svc.Check(ctx, "exec-hb", 2)
		require.NoError(t, err)
		require.Equal(t, OutcomeRecovered, outcome, "attempt %d", i+1)
	}

	outcome, err := svc.Check(ctx, "exec-hb", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, outcome)

	// 死信已登记
	entries, err := repo.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exec-hb", entries[0].ExecutionID)
	assert.Equal(t, "heartbeat", entries[0].Source)
	assert.Contains(t, entries[0].Reason, "recovery exhausted")

	// 告警事件已发出
	select {
	case env := <-alerts:
		assert.Equal(t, saga.EventManualInterventionRequired, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a manual intervention alert")
	}

	// 已撤防，不再恢复
	var hb Heartbeat
	err = st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb)
	require.ErrorIs(t, err, store.ErrKeyNotFound)
	assert.Len(t, drv.byPath("/engine/execute-step"), 3, "escalation must not enqueue another recovery")
}

func TestCheckClearsTerminalExecution(t *testing.T) {
	svc, st, repo, _, _ := newFixture(t)
	exec := seedExecuting(t, repo, 3)
	ctx := context.Background()
	require.NoError(t, exec.Transition(saga.StatusCompleted))
	require.NoError(t, repo.Save(ctx, exec))
	require.NoError(t, svc.Arm(ctx, "exec-hb", 3))

	outcome, err := svc.Check(ctx, "exec-hb", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)

	var hb Heartbeat
	err = st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb)
	require.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestCheckClearsAwaitingConfirmation(t *testing.T) {
	svc, st, repo, drv, _ := newFixture(t)
	exec := seedExecuting(t, repo, 1)
	ctx := context.Background()
	require.NoError(t, exec.Transition(saga.StatusAwaitingConfirmation))
	require.NoError(t, repo.Save(ctx, exec))
	require.NoError(t, svc.Arm(ctx, "exec-hb", 2))

	outcome, err := svc.Check(ctx, "exec-hb", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)

	// 等人确认不算停滞：既不重投也不保留布防
	assert.Empty(t, drv.byPath("/engine/execute-step"))
	var hb Heartbeat
	err = st.Get(ctx, store.KeyHeartbeat("exec-hb"), &hb)
	require.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestCheckUnknownExecutionClears(t *testing.T) {
	svc, _, _, drv, _ := newFixture(t)

	outcome, err := svc.Check(context.Background(), "ghost", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)
	assert.Empty(t, drv.msgs)
}

func TestRepositoryDLQLifecycle(t *testing.T) {
	_, _, repo, _, _ := newFixture(t)
	ctx := context.Background()

	first, err := repo.UpsertDLQ(ctx, "exec-a", "stuck at step 1", "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)

	second, err := repo.UpsertDLQ(ctx, "exec-a", "still stuck", "reconcile")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, "still stuck", second.Reason)
	assert.Equal(t, "heartbeat", second.Source, "source records the first reporter")
	assert.True(t, first.FirstSeenAt.Equal(second.FirstSeenAt), "first-seen timestamp must be stable across upserts")

	_, err = repo.UpsertDLQ(ctx, "exec-b", "another case", "reconcile")
	require.NoError(t, err)

	entries, err := repo.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "exec-a", entries[0].ExecutionID, "oldest case first")

	require.NoError(t, repo.ClearDLQ(ctx, "exec-a"))
	entries, err = repo.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exec-b", entries[0].ExecutionID)
}

func TestCheckStoreErrorSurfaces(t *testing.T) {
	svc, _, repo, _, _ := newFixture(t)
	seedExecuting(t, repo, 1)
	svc.repo = saga.NewRepository(failingStore{})

	_, err := svc.Check(context.Background(), "exec-hb", 2)
	require.Error(t, err)
}

type failingStore struct{ store.Store }

func (failingStore) Get(context.Context, string, interface{}) error {
	return errors.New("boom: backend down")
}
