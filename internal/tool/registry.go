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

package tool

import (
	"encoding/json"
	"sync"
)

// Registry 工具注册表：进程内分发表，启动期注册后只读
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	defs  map[string]Definition
}

// NewRegistry 创建工具注册表
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		defs:  make(map[string]Definition),
	}
}

// Register 注册工具（无编排属性）
func (r *Registry) Register(t Tool) {
	r.RegisterWithDefinition(t, Definition{})
}

// RegisterWithDefinition 注册工具并附带编排属性（确认要求、静态补偿）
func (r *Registry) RegisterWithDefinition(t Tool, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.defs[t.Name()] = def
}

// Get 按名称获取工具
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definition 返回工具的静态注册属性
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// List 返回所有已注册工具
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	return list
}

// CatalogEntry 目录导出项（运维排障与计划器对接用）
type CatalogEntry struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Parameters           Schema `json:"parameters"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
	CompensationTool     string `json:"compensationTool,omitempty"`
}

// Catalog 导出全部工具的目录 JSON
func (r *Registry) Catalog() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]CatalogEntry, 0, len(r.tools))
	for name, t := range r.tools {
		entry := CatalogEntry{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Schema(),
		}
		if def, ok := r.defs[name]; ok {
			entry.RequiresConfirmation = def.RequiresConfirmation
			if def.Compensation != nil {
				entry.CompensationTool = def.Compensation.Tool
			}
		}
		list = append(list, entry)
	}
	return json.Marshal(list)
}
