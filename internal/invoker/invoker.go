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

// Package invoker 统一工具调用入口。
//
// 调用前先应用参数别名重写，再按工具名分派：进程内注册表优先，
// 其次是配置的远程 HTTP 端点。超时由 context 强制执行，与传输层无关；
// 业务失败、传输异常和 panic 一律归一化为 Result{Success: false, Error: ...}，
// 调用方只看 Result，不处理 error。
//
// 工具实现必须对 (executionId, stepId) 幂等，远程调用通过
// x-execution-id / x-step-id 头携带这对键。
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"saga-platform/internal/tool"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/tracing"
)

const (
	// HeaderExecutionID 幂等键的执行部分
	HeaderExecutionID = "x-execution-id"
	// HeaderStepID 幂等键的步骤部分
	HeaderStepID = "x-step-id"

	defaultTimeout = 8500 * time.Millisecond
)

// defaultAliases 内置参数别名，可被配置覆盖或扩展
var defaultAliases = map[string]string{
	"reservation_time": "time",
	"party_size":       "guests",
}

// Request 一次工具调用
type Request struct {
	ExecutionID string
	StepID      string
	Tool        string
	Parameters  map[string]any
	TimeoutMs   int // <=0 使用默认超时
}

// Result 调用的归一化结果。Success=false 时 Error 非空；
// Compensation 来自工具本身，表示本次调用产生了需要补偿的副作用。
type Result struct {
	Success      bool               `json:"success"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        string             `json:"error,omitempty"`
	LatencyMs    int64              `json:"latencyMs"`
	Compensation *tool.Compensation `json:"compensation,omitempty"`
}

// Invoker 工具调用器。并发安全。
type Invoker struct {
	registry   *tool.Registry
	client     *resty.Client
	aliases    map[string]string
	endpoints  map[string]config.ToolEndpointConfig
	limiter    *ToolRateLimiter
	breakerCfg config.BreakerConfig
	breakers   sync.Map // tool name -> *gobreaker.CircuitBreaker
	logger     *log.Logger
}

// New 创建调用器；cfg.Aliases 覆盖在内置别名之上
func New(registry *tool.Registry, cfg config.ToolsConfig, logger *log.Logger) *Invoker {
	aliases := make(map[string]string, len(defaultAliases)+len(cfg.Aliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range cfg.Aliases {
		aliases[k] = v
	}
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	return &Invoker{
		registry:   registry,
		client:     client,
		aliases:    aliases,
		endpoints:  cfg.Endpoints,
		limiter:    NewToolRateLimiter(cfg.RateLimits, config.ToolRateLimitConfig{QPS: 50, MaxConcurrent: 8}),
		breakerCfg: cfg.Breaker,
		logger:     logger,
	}
}

// Invoke 执行一次工具调用。永不返回 error：所有失败形态都折叠进 Result。
func (iv *Invoker) Invoke(ctx context.Context, req Request) Result {
	start := time.Now()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, _ = tracing.EnsureTraceID(ctx)
	ctx, span := tracing.StartToolSpan(ctx, req.Tool, req.ExecutionID, req.StepID)
	defer span.End()

	params := iv.remapParams(req.Parameters)

	if err := iv.limiter.Wait(ctx, req.Tool); err != nil {
		return iv.finish(start, req.Tool, Result{Success: false, Error: fmt.Sprintf("rate limit: %v", err)})
	}
	defer iv.limiter.Release(req.Tool)

	var res Result
	if t, ok := iv.registry.Get(req.Tool); ok {
		res = iv.invokeLocal(ctx, t, params)
	} else if ep, ok := iv.endpoints[req.Tool]; ok {
		res = iv.invokeRemote(ctx, ep, req, params)
	} else {
		res = Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", req.Tool)}
	}
	if !res.Success && res.Error == "" {
		res.Error = "tool reported failure without message"
	}
	return iv.finish(start, req.Tool, res)
}

// remapParams 应用参数别名；原始 map 不被修改
func (iv *Invoker) remapParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if canonical, ok := iv.aliases[k]; ok {
			k = canonical
		}
		out[k] = v
	}
	return out
}

// invokeLocal 在独立 goroutine 里跑工具，超时后立即返回，不等工具退出
func (iv *Invoker) invokeLocal(ctx context.Context, t tool.Tool, params map[string]any) Result {
	type outcome struct {
		res tool.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		res, err := t.Execute(ctx, params)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return Result{Success: false, Error: o.err.Error()}
		}
		return Result{
			Success:      o.res.Success,
			Output:       o.res.Output,
			Error:        o.res.Error,
			Compensation: o.res.Compensation,
		}
	case <-ctx.Done():
		return Result{Success: false, Error: contextError(ctx)}
	}
}

// remoteResponse 远程工具的响应体，按进程内工具的结果结构约定
type remoteResponse struct {
	Success      bool               `json:"success"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        string             `json:"error,omitempty"`
	Compensation *tool.Compensation `json:"compensation,omitempty"`
}

type remoteRequest struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters"`
}

// invokeRemote 经熔断器调用远程端点。传输错误和 5xx/429 计入熔断统计，
// 业务失败（200 且 success=false）不计入。
func (iv *Invoker) invokeRemote(ctx context.Context, ep config.ToolEndpointConfig, req Request, params map[string]any) Result {
	if ep.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ep.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cb := iv.breaker(req.Tool)
	out, err := cb.Execute(func() (interface{}, error) {
		resp, err := iv.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader(HeaderExecutionID, req.ExecutionID).
			SetHeader(HeaderStepID, req.StepID).
			SetHeaders(tracing.CarryHeaders(ctx)).
			SetBody(remoteRequest{
				ExecutionID: req.ExecutionID,
				StepID:      req.StepID,
				Tool:        req.Tool,
				Parameters:  params,
			}).
			Post(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("调用远程工具失败: %w", err)
		}
		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			return nil, fmt.Errorf("remote tool rate limited: HTTP 429")
		case resp.StatusCode() >= 500:
			return nil, fmt.Errorf("remote tool error: HTTP %d", resp.StatusCode())
		case resp.StatusCode() >= 400:
			// 请求被拒但端点健康，不触发熔断
			return Result{
				Success: false,
				Error:   fmt.Sprintf("remote tool rejected request: HTTP %d: %s", resp.StatusCode(), truncateBody(resp.String())),
			}, nil
		}
		var rr remoteResponse
		if err := json.Unmarshal(resp.Body(), &rr); err != nil {
			return nil, fmt.Errorf("解析远程工具响应失败: %w", err)
		}
		return Result{
			Success:      rr.Success,
			Output:       rr.Output,
			Error:        rr.Error,
			Compensation: rr.Compensation,
		}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{Success: false, Error: fmt.Sprintf("circuit breaker open for tool %s", req.Tool)}
		}
		if ctx.Err() != nil {
			return Result{Success: false, Error: contextError(ctx)}
		}
		return Result{Success: false, Error: err.Error()}
	}
	return out.(Result)
}

// breaker 按工具名懒创建熔断器
func (iv *Invoker) breaker(toolName string) *gobreaker.CircuitBreaker {
	if cb, ok := iv.breakers.Load(toolName); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb, _ := iv.breakers.LoadOrStore(toolName, iv.newBreaker(toolName))
	return cb.(*gobreaker.CircuitBreaker)
}

func (iv *Invoker) newBreaker(toolName string) *gobreaker.CircuitBreaker {
	cfg := iv.breakerCfg
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if cfg.IntervalSec <= 0 {
		interval = 60 * time.Second
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if cfg.TimeoutSec <= 0 {
		timeout = 30 * time.Second
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        toolName,
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			iv.logger.Warn("工具熔断器状态变更", "tool", name, "from", from.String(), "to", to.String())
		},
	})
}

func (iv *Invoker) finish(start time.Time, toolName string, res Result) Result {
	elapsed := time.Since(start)
	res.LatencyMs = elapsed.Milliseconds()
	metrics.ToolDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())
	if !res.Success {
		iv.logger.Warn("工具调用失败", "tool", toolName, "error", res.Error, "latency_ms", res.LatencyMs)
	}
	return res
}

// contextError 把 context 终态转成可分类的错误文案
func contextError(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "tool invocation timed out"
	}
	return fmt.Sprintf("tool invocation canceled: %v", ctx.Err())
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
