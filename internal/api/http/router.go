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

package http

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"saga-platform/internal/api/http/middleware"
	"saga-platform/pkg/auth"
)

// Router HTTP 路由器
type Router struct {
	handler *Handler
	mw      *middleware.Middleware
	jwt     *jwt.HertzJWTMiddleware
	authz   *middleware.AuthZ
}

// NewRouter 创建 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// SetAdmin 启用 /admin 运维组：JWT 认证加角色授权。
// 未设置时不注册 admin 路由。
func (r *Router) SetAdmin(j *jwt.HertzJWTMiddleware, az *middleware.AuthZ) {
	r.jwt = j
	r.authz = az
}

// Build 构建 Hertz 服务并注册全部路由。
// 探针与指标免鉴权；/engine 与 /executions 要求内部凭据；
// /admin 要求 JWT，敏感操作再按角色授权。
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)

	h.Use(r.mw.TraceContext(), r.mw.AccessLog())

	h.GET("/healthz", r.handler.Healthz)
	h.GET("/readyz", r.handler.Readyz)
	h.GET("/metrics", r.handler.Metrics)

	eng := h.Group("/engine", r.mw.InternalAuth())
	{
		eng.POST("/execute-step", r.handler.ExecuteStep)
		eng.POST("/confirm", r.handler.Confirm)
		eng.POST("/outbox-relay", r.handler.OutboxRelay)
		eng.POST("/heartbeat-check", r.handler.HeartbeatCheck)
	}

	h.POST("/executions", r.mw.InternalAuth(), r.handler.CreateExecution)
	h.GET("/executions/:id", r.mw.InternalAuth(), r.handler.GetExecution)

	if r.jwt != nil {
		h.POST("/admin/login", r.jwt.LoginHandler)
		admin := h.Group("/admin", r.jwt.MiddlewareFunc())
		{
			admin.GET("/refresh-token", r.jwt.RefreshHandler)
			admin.GET("/dlq", r.require(auth.PermissionDLQView), r.handler.ListDLQ)
			admin.GET("/executions/:id/confirmation", r.require(auth.PermissionConfirmationRead), r.handler.PendingConfirmation)
			admin.POST("/reconcile", r.require(auth.PermissionReconcileTrigger), r.handler.RunReconcile)
			admin.POST("/executions/:id/cancel", r.require(auth.PermissionExecutionCancel), r.handler.CancelExecution)
		}
	}

	return h
}

// require 包一层权限检查；未配置授权检查器时只保留 JWT 认证
func (r *Router) require(p auth.Permission) app.HandlerFunc {
	if r.authz == nil {
		return func(ctx context.Context, c *app.RequestContext) {
			c.Next(ctx)
		}
	}
	return r.authz.RequirePermission(p)
}
