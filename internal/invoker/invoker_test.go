// Copyright 2026 fanjia1024

package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/tool"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, params map[string]any) (tool.Result, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) Schema() tool.Schema { return tool.Schema{Type: "object"} }
func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	return f.execute(ctx, params)
}

func newTestInvoker(t *testing.T, cfg config.ToolsConfig, tools ...tool.Tool) *Invoker {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	return New(reg, cfg, log.Nop())
}

func TestInvokeLocalToolAppliesAliases(t *testing.T) {
	var seen map[string]any
	echo := &fakeTool{
		name: "hold_table",
		execute: func(_ context.Context, params map[string]any) (tool.Result, error) {
			seen = params
			return tool.Result{
				Success:      true,
				Output:       map[string]any{"holdId": "h-1"},
				Compensation: &tool.Compensation{Tool: "release_table", Parameters: map[string]any{"hold_id": "h-1"}},
			}, nil
		},
	}
	iv := newTestInvoker(t, config.ToolsConfig{}, echo)

	res := iv.Invoke(context.Background(), Request{
		ExecutionID: "exec-1",
		StepID:      "step-0",
		Tool:        "hold_table",
		Parameters: map[string]any{
			"reservation_time": "19:00",
			"party_size":       4,
			"restaurant_id":    "r-lotus",
		},
	})

	require.True(t, res.Success, "unexpected error: %s", res.Error)
	assert.Equal(t, "h-1", res.Output["holdId"])
	require.NotNil(t, res.Compensation)
	assert.Equal(t, "release_table", res.Compensation.Tool)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))

	assert.Equal(t, "19:00", seen["time"], "reservation_time should be rewritten to time")
	assert.Equal(t, 4, seen["guests"], "party_size should be rewritten to guests")
	assert.Equal(t, "r-lotus", seen["restaurant_id"])
	assert.NotContains(t, seen, "reservation_time")
	assert.NotContains(t, seen, "party_size")
}

func TestInvokeConfiguredAliasOverridesDefault(t *testing.T) {
	var seen map[string]any
	echo := &fakeTool{
		name: "search",
		execute: func(_ context.Context, params map[string]any) (tool.Result, error) {
			seen = params
			return tool.Result{Success: true}, nil
		},
	}
	iv := newTestInvoker(t, config.ToolsConfig{
		Aliases: map[string]string{"party_size": "seats"},
	}, echo)

	iv.Invoke(context.Background(), Request{Tool: "search", Parameters: map[string]any{"party_size": 2}})

	assert.Equal(t, 2, seen["seats"])
	assert.NotContains(t, seen, "guests")
}

func TestInvokeBusinessFailurePassesThrough(t *testing.T) {
	failing := &fakeTool{
		name: "hold_table",
		execute: func(_ context.Context, _ map[string]any) (tool.Result, error) {
			return tool.Result{Success: false, Error: "no availability for party of 12"}, nil
		},
	}
	iv := newTestInvoker(t, config.ToolsConfig{}, failing)

	res := iv.Invoke(context.Background(), Request{Tool: "hold_table"})

	assert.False(t, res.Success)
	assert.Equal(t, "no availability for party of 12", res.Error)
}

func TestInvokePanicNormalized(t *testing.T) {
	panicking := &fakeTool{
		name: "boom",
		execute: func(_ context.Context, _ map[string]any) (tool.Result, error) {
			panic("nil map write")
		},
	}
	iv := newTestInvoker(t, config.ToolsConfig{}, panicking)

	res := iv.Invoke(context.Background(), Request{Tool: "boom"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "tool panic")
	assert.Contains(t, res.Error, "nil map write")
}

func TestInvokeTimeoutIndependentOfTool(t *testing.T) {
	stuck := &fakeTool{
		name: "slow",
		execute: func(_ context.Context, _ map[string]any) (tool.Result, error) {
			// 故意无视 ctx，验证超时不依赖工具配合
			time.Sleep(500 * time.Millisecond)
			return tool.Result{Success: true}, nil
		},
	}
	iv := newTestInvoker(t, config.ToolsConfig{}, stuck)

	start := time.Now()
	res := iv.Invoke(context.Background(), Request{Tool: "slow", TimeoutMs: 50})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "Invoke should return at the deadline, not when the tool finishes")
}

func TestInvokeUnknownTool(t *testing.T) {
	iv := newTestInvoker(t, config.ToolsConfig{})

	res := iv.Invoke(context.Background(), Request{Tool: "nope"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool: nope")
}

func TestInvokeRemoteTool(t *testing.T) {
	var (
		mu        sync.Mutex
		gotExec   string
		gotStep   string
		gotTrace  string
		gotParams map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotExec = r.Header.Get(HeaderExecutionID)
		gotStep = r.Header.Get(HeaderStepID)
		gotTrace = r.Header.Get("x-trace-id")
		var body remoteRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotParams = body.Parameters
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"output":{"chargeId":"ch-9"},"compensation":{"tool":"refund_payment","parameters":{"charge_id":"ch-9"}}}`))
	}))
	defer srv.Close()

	iv := newTestInvoker(t, config.ToolsConfig{
		Endpoints: map[string]config.ToolEndpointConfig{
			"charge_payment": {URL: srv.URL},
		},
	})

	res := iv.Invoke(context.Background(), Request{
		ExecutionID: "exec-7",
		StepID:      "step-2",
		Tool:        "charge_payment",
		Parameters:  map[string]any{"party_size": 3},
	})

	require.True(t, res.Success, "unexpected error: %s", res.Error)
	assert.Equal(t, "ch-9", res.Output["chargeId"])
	require.NotNil(t, res.Compensation)
	assert.Equal(t, "refund_payment", res.Compensation.Tool)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "exec-7", gotExec)
	assert.Equal(t, "step-2", gotStep)
	assert.NotEmpty(t, gotTrace, "trace header should be propagated to remote tools")
	assert.Equal(t, float64(3), gotParams["guests"], "aliases apply before remote dispatch")
}

func TestInvokeRemoteBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	iv := newTestInvoker(t, config.ToolsConfig{
		Endpoints: map[string]config.ToolEndpointConfig{
			"flaky": {URL: srv.URL},
		},
		Breaker: config.BreakerConfig{MinRequests: 2},
	})

	first := iv.Invoke(context.Background(), Request{Tool: "flaky"})
	assert.False(t, first.Success)
	assert.Contains(t, first.Error, "HTTP 500")

	second := iv.Invoke(context.Background(), Request{Tool: "flaky"})
	assert.False(t, second.Success)

	third := iv.Invoke(context.Background(), Request{Tool: "flaky"})
	assert.False(t, third.Success)
	assert.Contains(t, third.Error, "circuit breaker open")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(2), hits, "open breaker must not reach the endpoint")
}

func TestInvokeRemoteClientErrorDoesNotTrip(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("missing required field guests"))
	}))
	defer srv.Close()

	iv := newTestInvoker(t, config.ToolsConfig{
		Endpoints: map[string]config.ToolEndpointConfig{
			"strict": {URL: srv.URL},
		},
		Breaker: config.BreakerConfig{MinRequests: 2},
	})

	for i := 0; i < 4; i++ {
		res := iv.Invoke(context.Background(), Request{Tool: "strict"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "HTTP 400")
		assert.Contains(t, res.Error, "missing required field")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, hits, "4xx responses must not open the breaker")
}

func TestToolRateLimiterConcurrency(t *testing.T) {
	l := NewToolRateLimiter(map[string]config.ToolRateLimitConfig{
		"narrow": {QPS: 1000, MaxConcurrent: 1},
	}, config.ToolRateLimitConfig{})

	require.NoError(t, l.Wait(context.Background(), "narrow"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "narrow")
	require.Error(t, err, "second caller should block until the slot frees")

	l.Release("narrow")
	require.NoError(t, l.Wait(context.Background(), "narrow"))
	l.Release("narrow")
}

func TestToolRateLimiterDefaultsForUnknownTool(t *testing.T) {
	l := NewToolRateLimiter(nil, config.ToolRateLimitConfig{QPS: 1000, MaxConcurrent: 2})

	require.NoError(t, l.Wait(context.Background(), "never-configured"))
	require.NoError(t, l.Wait(context.Background(), "never-configured"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "never-configured"))

	l.Release("never-configured")
	l.Release("never-configured")
}
