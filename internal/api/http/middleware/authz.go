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

package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-platform/pkg/auth"
)

// AuthZ 运维接口授权中间件。JWT 只回答"是谁"，这里回答"能做什么"：
// 操作员标识取自 JWT 载荷，按角色-权限表放行或拒绝。
type AuthZ struct {
	checker auth.Checker
}

// NewAuthZ 创建授权中间件
func NewAuthZ(checker auth.Checker) *AuthZ {
	return &AuthZ{checker: checker}
}

// RequirePermission 返回权限检查中间件。挂在 JWT 中间件之后，
// 依赖其把操作员标识写入请求上下文。
func (a *AuthZ) RequirePermission(permission auth.Permission) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		operator := operatorFrom(c)
		if operator == "" {
			c.JSON(consts.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"status":  consts.StatusUnauthorized,
				"error":   map[string]string{"code": "UNAUTHORIZED", "message": "authentication required"},
			})
			c.Abort()
			return
		}

		allowed, err := a.checker.CheckPermission(auth.WithOperator(ctx, operator), operator, permission)
		if err != nil || !allowed {
			c.JSON(consts.StatusForbidden, map[string]interface{}{
				"success": false,
				"status":  consts.StatusForbidden,
				"error":   map[string]string{"code": "FORBIDDEN", "message": "permission denied: " + string(permission)},
			})
			c.Abort()
			return
		}

		c.Next(ctx)
	}
}

// operatorFrom 读取 JWT 中间件写入的操作员标识
func operatorFrom(c *app.RequestContext) string {
	v, ok := c.Get(identityKey)
	if !ok {
		return ""
	}
	name, _ := v.(string)
	return name
}
