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

// Package middleware 编排器 HTTP 中间件：内部调用鉴权（共享密钥或
// HMAC 验签二选一）、trace/correlation 头透传、访问日志与运维 JWT。
package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"

	"saga-platform/pkg/signature"
	"saga-platform/pkg/tracing"
)

// Middleware 中间件管理器
type Middleware struct {
	internal *InternalAuth
}

// NewMiddleware 创建中间件管理器。systemKey 为空且 signer 为 nil 时
// 内部鉴权放行所有请求（仅限本地开发）。
func NewMiddleware(systemKey string, signer *signature.Signer) *Middleware {
	return &Middleware{internal: NewInternalAuth(systemKey, signer)}
}

// InternalAuth 内部调用鉴权中间件
func (m *Middleware) InternalAuth() app.HandlerFunc {
	return m.internal.Verify()
}

// TraceContext 将 x-trace-id / x-correlation-id 请求头注入 context，
// 缺失时生成新 trace id，并在响应头上回显
func (m *Middleware) TraceContext() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		ctx = tracing.FromHeaders(ctx, func(key string) string {
			return c.Request.Header.Get(key)
		})
		ctx, traceID := tracing.EnsureTraceID(ctx)
		c.Header(tracing.HeaderTraceID, traceID)
		if cid := tracing.CorrelationIDFromContext(ctx); cid != "" {
			c.Header(tracing.HeaderCorrelationID, cid)
		}
		c.Next(ctx)
	}
}

// AccessLog 访问日志中间件；记录方法、路径、状态码与耗时
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()

		c.Next(ctx)

		status := c.Response.StatusCode()
		elapsed := time.Since(start)
		if status >= 500 {
			hlog.CtxErrorf(ctx, "%s %s -> %d (%s)", c.Method(), c.Path(), status, elapsed)
			return
		}
		hlog.CtxInfof(ctx, "%s %s -> %d (%s)", c.Method(), c.Path(), status, elapsed)
	}
}
