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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"saga-platform/internal/engine"
)

func apiBaseURL() string {
	if u := os.Getenv("SAGA_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// newClient 内部调用客户端；SAGA_INTERNAL_KEY 透传共享密钥头
func newClient() *resty.Client {
	c := resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if key := os.Getenv("SAGA_INTERNAL_KEY"); key != "" {
		c.SetHeader("x-internal-system-key", key)
	}
	return c
}

// adminClient 管理端客户端；SAGA_ADMIN_TOKEN 携带登录后的 JWT
func adminClient() *resty.Client {
	c := newClient()
	if token := os.Getenv("SAGA_ADMIN_TOKEN"); token != "" {
		c.SetHeader("Authorization", "Bearer "+token)
	}
	return c
}

// loadPlanRequest 读取计划文件（"-" 表示 stdin）并做提交前的最小校验
func loadPlanRequest(path string) (*engine.PlanRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var req engine.PlanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("计划不是合法 JSON: %w", err)
	}
	if len(req.Plan) == 0 {
		return nil, fmt.Errorf("计划为空: plan 至少要有一个步骤")
	}
	for i, step := range req.Plan {
		if step.ToolName == "" {
			return nil, fmt.Errorf("第 %d 步缺少 toolName", i)
		}
	}
	return &req, nil
}

func submitPlan(req *engine.PlanRequest) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(req).
		SetResult(&out).
		Post("/executions")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /executions: %s", resp.String())
	}
	return out, nil
}

func getExecution(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/executions/" + executionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /executions/%s: %s", executionID, resp.String())
	}
	return out, nil
}

// executionStatus 从查询响应里取出执行状态
func executionStatus(out map[string]interface{}) string {
	exec, _ := out["execution"].(map[string]interface{})
	if exec == nil {
		return ""
	}
	status, _ := exec["status"].(string)
	return status
}

func pendingConfirmation(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetResult(&out).
		Get("/admin/executions/" + executionID + "/confirmation")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET confirmation: %s", resp.String())
	}
	return out, nil
}

func confirmToken(token, actor string) (map[string]interface{}, error) {
	body := map[string]interface{}{"token": token}
	if actor != "" {
		body["metadata"] = map[string]string{"actorId": actor}
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/engine/confirm")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /engine/confirm: %s", resp.String())
	}
	return out, nil
}

func adminLogin(username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	resp, err := newClient().R().
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		Post("/admin/login")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("POST /admin/login: %s", resp.String())
	}
	return out.Token, nil
}

func listDLQ(limit int) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/admin/dlq")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /admin/dlq: %s", resp.String())
	}
	return out, nil
}

func triggerReconcile() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetResult(&out).
		Post("/admin/reconcile")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /admin/reconcile: %s", resp.String())
	}
	return out, nil
}

func cancelExecution(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := adminClient().R().
		SetResult(&out).
		Post("/admin/executions/" + executionID + "/cancel")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST cancel: %s", resp.String())
	}
	return out, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
