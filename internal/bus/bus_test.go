// Copyright 2026 fanjia1024
// Tests for the signed event bus

package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

func busSigner(t *testing.T) *signature.Signer {
	t.Helper()
	s, err := signature.NewSigner("event-bus-api-key")
	require.NoError(t, err)
	return s
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(store.NewMemoryStore(), busSigner(t), log.Nop())
	defer b.Close()

	received := make(chan *Envelope, 4)
	cancel, err := b.Subscribe(ctx, "saga.events", func(_ context.Context, env *Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer cancel()

	payload := map[string]any{"executionId": "e1", "stepId": "s1"}
	require.NoError(t, b.Publish(ctx, "saga.events", "StepCompleted", payload, WithOrdering("e1")))
	require.NoError(t, b.Publish(ctx, "saga.events", "WorkflowCompleted", payload, WithOrdering("e1")))

	seen := map[string]int64{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-received:
			seen[env.Event] = env.Seq
			var got map[string]any
			require.NoError(t, json.Unmarshal(env.Data, &got))
			assert.Equal(t, "e1", got["executionId"])
			assert.Equal(t, "e1", env.Scope)
			assert.Positive(t, env.Lamport)
			assert.NotEmpty(t, env.Sig)
		case <-time.After(2 * time.Second):
			t.Fatal("event delivery timed out")
		}
	}
	assert.Equal(t, int64(1), seen["StepCompleted"])
	assert.Equal(t, int64(2), seen["WorkflowCompleted"])
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(store.NewMemoryStore(), nil, log.Nop())
	defer b.Close()

	received := make(chan *Envelope, 1)
	cancel, err := b.Subscribe(ctx, "saga.events", func(_ context.Context, env *Envelope) {
		received <- env
	})
	require.NoError(t, err)
	cancel()

	require.NoError(t, b.Publish(ctx, "saga.events", "StepStarted", map[string]any{}))
	select {
	case <-received:
		t.Fatal("unsubscribed handler must not receive")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnvelopeTamperRejected(t *testing.T) {
	ctx := context.Background()
	signer := busSigner(t)
	var clock lamportClock

	env, err := seal(ctx, store.NewMemoryStore(), signer, &clock, "StepCompleted",
		map[string]any{"executionId": "e1"}, publishOptions{scope: "e1"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	if _, err := open(raw, signer, &clock); err != nil {
		t.Fatalf("untampered envelope must verify: %v", err)
	}

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["event"] = "WorkflowCompleted"
	tampered, err := json.Marshal(m)
	require.NoError(t, err)
	_, err = open(tampered, signer, &clock)
	assert.Error(t, err)
}

func TestLamportClockWitness(t *testing.T) {
	var c lamportClock
	assert.Equal(t, int64(1), c.Tick())
	c.Witness(41)
	assert.Equal(t, int64(42), c.Tick())
	c.Witness(10) // 不回退
	assert.Equal(t, int64(43), c.Tick())
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(config.StateStoreConfig{Type: "redis", Addr: mr.Addr()})
	require.NoError(t, err)
	defer rs.Close()

	b := NewRedisBus(rs, busSigner(t), log.Nop())
	defer b.Close()

	received := make(chan *Envelope, 1)
	cancel, err := b.Subscribe(ctx, "saga.alerts", func(_ context.Context, env *Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "saga.alerts", "SAGA_MANUAL_INTERVENTION_REQUIRED",
		map[string]any{"executionId": "e9"}, WithOrdering("e9")))

	select {
	case env := <-received:
		assert.Equal(t, "SAGA_MANUAL_INTERVENTION_REQUIRED", env.Event)
		assert.Equal(t, int64(1), env.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("redis delivery timed out")
	}
}

func TestNewBusFactory(t *testing.T) {
	memStore := store.NewMemoryStore()

	b, err := New(config.EventBusConfig{Type: "memory", APIKey: "k"}, memStore, log.Nop())
	require.NoError(t, err)
	_ = b.Close()

	_, err = New(config.EventBusConfig{Type: "redis"}, memStore, log.Nop())
	assert.Error(t, err, "redis bus over a memory store must be rejected")

	_, err = New(config.EventBusConfig{Type: "kafka"}, memStore, log.Nop())
	assert.Error(t, err)
}
