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

// Package schemaver 挂起期间的 schema 漂移防护。
//
// 执行让出控制时对计划涉及的每个工具拍 schema 指纹快照；恢复时重算并对比，
// 按漂移严重度分级：工具消失或字段被删为 breaking，新增必填字段为 major，
// 新增可选字段为 minor。breaking 与 major 要求重规划（恢复前回到规划阶段，
// 并附映射建议），minor 仅告警放行。编排器版本变更一律按 breaking 处理。
package schemaver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/internal/tool"
	"saga-platform/pkg/log"
)

// OrchestratorVersion 编排器行为版本；挂起期间升级触发强制重规划
const OrchestratorVersion = "1"

// checkpointTTL 快照保留时长，对齐死信保留期
const checkpointTTL = 7 * 24 * time.Hour

// DriftClass 漂移严重度
type DriftClass string

const (
	DriftNone     DriftClass = "none"
	DriftMinor    DriftClass = "minor"
	DriftMajor    DriftClass = "major"
	DriftBreaking DriftClass = "breaking"
)

var driftRank = map[DriftClass]int{
	DriftNone:     0,
	DriftMinor:    1,
	DriftMajor:    2,
	DriftBreaking: 3,
}

// Checkpoint 挂起时刻的指纹快照；保留完整 schema 以便恢复时做字段级分类
type Checkpoint struct {
	OrchestratorVersion string                 `json:"orchestratorVersion"`
	ToolHashes          map[string]string      `json:"toolHashes"`
	Schemas             map[string]tool.Schema `json:"schemas"`
	CapturedAt          time.Time              `json:"capturedAt"`
}

// Drift 单项漂移
type Drift struct {
	Tool   string     `json:"tool"` // "orchestrator" 表示版本漂移
	Class  DriftClass `json:"class"`
	Detail string     `json:"detail"`
}

// Report 恢复检查结论
type Report struct {
	Class         DriftClass `json:"class"`
	RequireReplan bool       `json:"requireReplan"`
	Drifts        []Drift    `json:"drifts,omitempty"`
	// Suggestion 给重规划器的映射建议，人可读
	Suggestion string `json:"suggestion,omitempty"`
}

// Guard schema 漂移防护
type Guard struct {
	st     store.Store
	reg    *tool.Registry
	logger *log.Logger
}

// NewGuard 创建防护器
func NewGuard(st store.Store, reg *tool.Registry, logger *log.Logger) *Guard {
	return &Guard{st: st, reg: reg, logger: logger}
}

// SchemaHash 对 schema 的规范化 JSON 做 sha256；
// encoding/json 对 map 键排序，序列化结果即规范形
func SchemaHash(s tool.Schema) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Capture 拍摄计划涉及工具的指纹快照。进程内注册表没有的工具
// （远程端点工具）无法取 schema，跳过不记。
func (g *Guard) Capture(ctx context.Context, executionID string, plan []saga.PlanStep) error {
	cp := Checkpoint{
		OrchestratorVersion: OrchestratorVersion,
		ToolHashes:          map[string]string{},
		Schemas:             map[string]tool.Schema{},
		CapturedAt:          time.Now().UTC(),
	}
	for _, step := range plan {
		if _, seen := cp.ToolHashes[step.ToolName]; seen {
			continue
		}
		t, ok := g.reg.Get(step.ToolName)
		if !ok {
			continue
		}
		schema := t.Schema()
		cp.ToolHashes[step.ToolName] = SchemaHash(schema)
		cp.Schemas[step.ToolName] = schema
	}
	if err := g.st.Put(ctx, store.KeyVersionCheckpoint(executionID), cp, checkpointTTL); err != nil {
		return fmt.Errorf("写入版本快照失败: %w", err)
	}
	return nil
}

// CheckOnResume 恢复前重算指纹并分级。没有快照（新执行或快照过期）放行。
func (g *Guard) CheckOnResume(ctx context.Context, executionID string, plan []saga.PlanStep) (*Report, error) {
	var cp Checkpoint
	if err := g.st.Get(ctx, store.KeyVersionCheckpoint(executionID), &cp); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return &Report{Class: DriftNone}, nil
		}
		return nil, fmt.Errorf("读取版本快照失败: %w", err)
	}

	report := &Report{Class: DriftNone}
	if cp.OrchestratorVersion != OrchestratorVersion {
		report.add(Drift{
			Tool:   "orchestrator",
			Class:  DriftBreaking,
			Detail: fmt.Sprintf("orchestrator version changed %s -> %s", cp.OrchestratorVersion, OrchestratorVersion),
		})
	}

	for _, name := range sortedToolNames(plan) {
		capturedHash, captured := cp.ToolHashes[name]
		if !captured {
			continue
		}
		current, ok := g.reg.Get(name)
		if !ok {
			report.add(Drift{Tool: name, Class: DriftBreaking, Detail: "tool no longer registered"})
			continue
		}
		schema := current.Schema()
		if SchemaHash(schema) == capturedHash {
			continue
		}
		for _, d := range diffSchemas(name, cp.Schemas[name], schema) {
			report.add(d)
		}
	}

	report.RequireReplan = driftRank[report.Class] >= driftRank[DriftMajor]
	report.Suggestion = buildSuggestion(report.Drifts)
	if report.Class == DriftMinor {
		g.logger.Warn("schema 发生可兼容漂移，放行恢复", "execution_id", executionID, "suggestion", report.Suggestion)
	}
	return report, nil
}

// Clear 删除快照；执行终结后调用
func (g *Guard) Clear(ctx context.Context, executionID string) error {
	return g.st.Del(ctx, store.KeyVersionCheckpoint(executionID))
}

func (r *Report) add(d Drift) {
	r.Drifts = append(r.Drifts, d)
	if driftRank[d.Class] > driftRank[r.Class] {
		r.Class = d.Class
	}
}

// diffSchemas 字段级分类。字段消失或类型变化为 breaking；
// 原有可选字段转必填、新增必填字段为 major；新增可选字段为 minor。
func diffSchemas(toolName string, before, after tool.Schema) []Drift {
	var out []Drift
	beforeRequired := toSet(before.Required)
	afterRequired := toSet(after.Required)

	var removed, added, addedRequired, typeChanged, nowRequired []string
	for name, prop := range before.Properties {
		cur, ok := after.Properties[name]
		if !ok {
			removed = append(removed, name)
			continue
		}
		if cur.Type != prop.Type {
			typeChanged = append(typeChanged, name)
			continue
		}
		if afterRequired[name] && !beforeRequired[name] {
			nowRequired = append(nowRequired, name)
		}
	}
	for name := range after.Properties {
		if _, ok := before.Properties[name]; ok {
			continue
		}
		if afterRequired[name] {
			addedRequired = append(addedRequired, name)
		} else {
			added = append(added, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(addedRequired)
	sort.Strings(typeChanged)
	sort.Strings(nowRequired)

	if len(removed) > 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftBreaking,
			Detail: fmt.Sprintf("fields removed: %s", strings.Join(removed, ", "))})
	}
	if len(typeChanged) > 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftBreaking,
			Detail: fmt.Sprintf("field types changed: %s", strings.Join(typeChanged, ", "))})
	}
	if len(addedRequired) > 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftMajor,
			Detail: fmt.Sprintf("required fields added: %s", strings.Join(addedRequired, ", "))})
	}
	if len(nowRequired) > 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftMajor,
			Detail: fmt.Sprintf("fields became required: %s", strings.Join(nowRequired, ", "))})
	}
	if len(added) > 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftMinor,
			Detail: fmt.Sprintf("optional fields added: %s", strings.Join(added, ", "))})
	}
	// hash 变了但上面分类不出来（描述文本等无害变化）按 minor 告警
	if len(out) == 0 {
		out = append(out, Drift{Tool: toolName, Class: DriftMinor, Detail: "schema metadata changed"})
	}
	return out
}

// buildSuggestion 把漂移列表拼成给重规划器的映射建议；
// 恰好一删一增时直接建议字段改名映射
func buildSuggestion(drifts []Drift) string {
	if len(drifts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(drifts))
	for _, d := range drifts {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Tool, d.Detail))
	}
	return strings.Join(parts, "; ")
}

func sortedToolNames(plan []saga.PlanStep) []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range plan {
		if !seen[s.ToolName] {
			seen[s.ToolName] = true
			names = append(names, s.ToolName)
		}
	}
	sort.Strings(names)
	return names
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}
