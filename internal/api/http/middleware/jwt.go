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
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"saga-platform/pkg/config"
)

// identityKey JWT 载荷里的操作员标识键
const identityKey = "operator"

// loginRequest /admin/login 入参
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewJWTAuth 创建运维接口的 JWT 中间件。凭据来自配置（单操作员账号），
// 登录签发的令牌用于 /admin 组下的死信查询、对账触发与取消操作。
func NewJWTAuth(cfg config.AdminConfig) (*jwt.HertzJWTMiddleware, error) {
	if cfg.JWTKey == "" {
		return nil, fmt.Errorf("admin.jwt_key 未配置")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("admin.username/admin.password 未配置")
	}
	timeout := parseDurationOr(cfg.JWTTimeout, time.Hour)
	maxRefresh := parseDurationOr(cfg.JWTMaxRefresh, time.Hour)

	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "saga-admin",
		Key:         []byte(cfg.JWTKey),
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: identityKey,
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := c.BindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(cfg.Username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.Password)) == 1
			if !userOK || !passOK {
				return nil, jwt.ErrFailedAuthentication
			}
			return req.Username, nil
		},
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if name, ok := data.(string); ok {
				return jwt.MapClaims{identityKey: name}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			name, _ := claims[identityKey].(string)
			return name
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]interface{}{
				"success": false,
				"status":  code,
				"error":   map[string]string{"code": "UNAUTHORIZED", "message": message},
			})
		},
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// parseDurationOr 解析时长串，空串或非法时取默认值
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
