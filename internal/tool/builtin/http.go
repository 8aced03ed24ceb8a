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

// Package builtin 提供进程内注册的通用工具与本地联调用的演示工具。
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"saga-platform/internal/tool"
)

const defaultMaxBodySize = 1 << 20 // 1MB

// HTTPTool 实现 http.request：向任意受限 URL 发请求的通用工具
type HTTPTool struct {
	client         *http.Client
	maxBodySize    int64
	allowedSchemes []string
}

// HTTPOption 配置 HTTPTool
type HTTPOption func(*HTTPTool)

// WithTimeout 设置请求超时（毫秒）
func WithTimeout(ms int) HTTPOption {
	return func(t *HTTPTool) {
		if ms > 0 {
			t.client.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// WithMaxBodySize 设置响应体读取上限（字节）
func WithMaxBodySize(n int64) HTTPOption {
	return func(t *HTTPTool) {
		if n > 0 {
			t.maxBodySize = n
		}
	}
}

// WithAllowedSchemes 限制允许的 URL scheme
func WithAllowedSchemes(schemes []string) HTTPOption {
	return func(t *HTTPTool) {
		if len(schemes) > 0 {
			t.allowedSchemes = schemes
		}
	}
}

// NewHTTPTool 创建 http.request 工具
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	t := &HTTPTool{
		client:         &http.Client{Timeout: 30 * time.Second},
		maxBodySize:    defaultMaxBodySize,
		allowedSchemes: []string{"http", "https"},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name 实现 tool.Tool
func (t *HTTPTool) Name() string { return "http.request" }

// Description 实现 tool.Tool
func (t *HTTPTool) Description() string {
	return "发送 HTTP 请求。传入 method、url，可选 body、headers。"
}

// Schema 实现 tool.Tool
func (t *HTTPTool) Schema() tool.Schema {
	return tool.Schema{
		Type:        "object",
		Description: "HTTP 请求参数",
		Properties: map[string]tool.SchemaProperty{
			"method":  {Type: "string", Description: "GET, POST, PUT, DELETE 等"},
			"url":     {Type: "string", Description: "请求 URL"},
			"body":    {Type: "string", Description: "请求体（可选）"},
			"headers": {Type: "object", Description: "请求头（可选）"},
		},
		Required: []string{"method", "url"},
	}
}

func validateMethod(method string) error {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
		return nil
	default:
		return fmt.Errorf("unsupported HTTP method: %s", method)
	}
}

func (t *HTTPTool) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range t.allowedSchemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
}

// Execute 实现 tool.Tool；状态码 >= 400 视为业务失败
func (t *HTTPTool) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	method, _ := params["method"].(string)
	urlStr, _ := params["url"].(string)
	if method == "" || urlStr == "" {
		return tool.Result{Error: "method and url are required"}, nil
	}
	if err := validateMethod(method); err != nil {
		return tool.Result{Error: err.Error()}, nil
	}
	if err := t.validateURL(urlStr); err != nil {
		return tool.Result{Error: err.Error()}, nil
	}

	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), urlStr, body)
	if err != nil {
		return tool.Result{Error: err.Error()}, nil
	}
	if h, ok := params["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tool.Result{Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize))
	if err != nil {
		return tool.Result{Error: err.Error()}, nil
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
	}
	if resp.StatusCode >= 400 {
		return tool.Result{
			Output: output,
			Error:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 256)),
		}, nil
	}
	return tool.Result{Success: true, Output: output}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
