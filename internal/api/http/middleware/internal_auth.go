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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-platform/pkg/signature"
)

// HeaderInternalKey 内部系统间调用的共享密钥头
const HeaderInternalKey = "x-internal-system-key"

// InternalAuth 内部调用鉴权：共享密钥与 HMAC 验签二选一。
// 队列回调走验签（发布时已签名），规划器等内部服务走共享密钥。
type InternalAuth struct {
	systemKey []byte
	signer    *signature.Signer
}

// NewInternalAuth 创建内部鉴权中间件
func NewInternalAuth(systemKey string, signer *signature.Signer) *InternalAuth {
	return &InternalAuth{systemKey: []byte(systemKey), signer: signer}
}

// Verify 返回鉴权检查中间件
func (a *InternalAuth) Verify() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		// 密钥和签名器都未配置：开发模式放行
		if len(a.systemKey) == 0 && a.signer == nil {
			c.Next(ctx)
			return
		}

		if key := c.Request.Header.Get(HeaderInternalKey); key != "" && len(a.systemKey) > 0 {
			if subtle.ConstantTimeCompare([]byte(key), a.systemKey) == 1 {
				c.Next(ctx)
				return
			}
			hlog.CtxWarnf(ctx, "内部密钥不匹配: %s %s", c.Method(), c.Path())
			abortUnauthorized(c, "invalid internal system key")
			return
		}

		if a.signer != nil {
			sig := c.Request.Header.Get(signature.HeaderSignature)
			ts := c.Request.Header.Get(signature.HeaderTimestamp)
			if err := a.signer.Verify(c.Request.Body(), sig, ts); err == nil {
				c.Next(ctx)
				return
			} else if sig != "" {
				hlog.CtxWarnf(ctx, "webhook 验签失败: %s %s: %v", c.Method(), c.Path(), err)
			}
		}

		abortUnauthorized(c, "internal credentials required")
	}
}

func abortUnauthorized(c *app.RequestContext, message string) {
	c.JSON(consts.StatusUnauthorized, map[string]interface{}{
		"success": false,
		"status":  consts.StatusUnauthorized,
		"error":   map[string]string{"code": "UNAUTHORIZED", "message": message},
	})
	c.Abort()
}
