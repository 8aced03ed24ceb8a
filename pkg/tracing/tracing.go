// Package tracing 提供链路标识的透传辅助（不依赖 internal）：
// trace id 与 correlation id 通过 x-trace-id / x-correlation-id 头
// 在所有队列消息与事件信封上传播。
package tracing

import (
	"context"

	"github.com/google/uuid"
)

// 透传头名称
const (
	HeaderTraceID       = "x-trace-id"
	HeaderCorrelationID = "x-correlation-id"
)

type traceIDKey struct{}
type correlationIDKey struct{}

// WithTraceID 注入 trace id
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext 取出 trace id，缺失返回空串
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID 注入 correlation id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext 取出 correlation id，缺失返回空串
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureTraceID 确保 ctx 携带 trace id，缺失时生成
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id := TraceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithTraceID(ctx, id), id
}

// CarryHeaders 导出应随出站消息携带的透传头
func CarryHeaders(ctx context.Context) map[string]string {
	h := map[string]string{}
	if id := TraceIDFromContext(ctx); id != "" {
		h[HeaderTraceID] = id
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		h[HeaderCorrelationID] = id
	}
	return h
}

// FromHeaders 从入站请求头恢复透传标识；get 返回空串表示头缺失
func FromHeaders(ctx context.Context, get func(key string) string) context.Context {
	if id := get(HeaderTraceID); id != "" {
		ctx = WithTraceID(ctx, id)
	}
	if id := get(HeaderCorrelationID); id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	return ctx
}
