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

// Package tool 定义编排器可调用的业务工具契约与进程内注册表。
// 远端工具走 invoker 的 HTTP 分发，这里只约束结果形态。
package tool

import (
	"context"
)

// Schema 工具参数的 JSON Schema（注册期校验与目录导出用）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Compensation 补偿动作声明：撤销本次调用副作用的工具与参数
type Compensation struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result 工具执行结果。
// Success=false 时 Error 必填；Compensation 非空表示本次调用产生了
// 需要补偿的副作用，由调用方在持久化步骤完成之前登记。
type Result struct {
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Compensation *Compensation  `json:"compensation,omitempty"`
}

// Tool 业务工具接口
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	// Execute 执行工具。业务失败放进 Result.Error，error 只留给基础设施故障。
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// Definition 工具的静态注册属性，工具实现之外的编排语义
type Definition struct {
	// RequiresConfirmation 工具级确认要求；计划步骤的声明优先于此处
	RequiresConfirmation bool
	// Compensation 静态补偿模板；工具返回的动态声明优先于此处
	Compensation *Compensation
}
