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

package confirm

import (
	"strings"

	"saga-platform/pkg/config"
)

// defaultHighRiskTools 未配置时的高危工具集
var defaultHighRiskTools = []string{"charge_payment", "refund_payment", "cancel_reservation", "transfer_funds"}

// financialHints 按名称识别资金操作。刻意不含裸 "charge"/"card"：
// 是否触碰资金由金额类参数判定，光是刷卡类工具名不足为据。
var (
	financialHints = []string{"payment", "refund", "transfer", "billing"}
	bulkHints      = []string{"bulk", "batch", "mass"}
)

// RiskInput 风险评估输入
type RiskInput struct {
	ToolName   string
	Params     map[string]interface{}
	Confidence float64 // 0 视为缺省，不按低置信处理
	PlanSteps  int
}

// Assessment 风险评估结论
type Assessment struct {
	Score                float64  `json:"score"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
	Block                bool     `json:"block"`
	Reasons              []string `json:"reasons,omitempty"`
}

// RiskPolicy 风险打分规则。高危工具集命中记 0.5 基础分，
// 叠加维度：资金操作 +0.3、低置信 +0.2、长计划 +0.1、批量操作 +0.2。
// 任何正分都要求确认；超过阻断阈值（默认 0.8）直接拒绝执行。
type RiskPolicy struct {
	highRisk       map[string]bool
	blockThreshold float64
}

// NewRiskPolicy 创建风险规则；空配置使用内置高危集与默认阈值
func NewRiskPolicy(cfg config.ConfirmationConfig) *RiskPolicy {
	tools := cfg.HighRiskTools
	if len(tools) == 0 {
		tools = defaultHighRiskTools
	}
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[strings.ToLower(t)] = true
	}
	threshold := cfg.BlockThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &RiskPolicy{highRisk: set, blockThreshold: threshold}
}

// Assess 给一次待执行的步骤打风险分
func (p *RiskPolicy) Assess(in RiskInput) Assessment {
	var score float64
	var reasons []string
	name := strings.ToLower(in.ToolName)

	if p.highRisk[name] {
		score += 0.5
		reasons = append(reasons, "high-risk tool")
	}
	if hintMatch(name, financialHints) || paramsHaveKey(in.Params, "amount", "amount_cents", "card") {
		score += 0.3
		reasons = append(reasons, "financial operation")
	}
	if in.Confidence > 0 && in.Confidence < 0.5 {
		score += 0.2
		reasons = append(reasons, "low intent confidence")
	}
	if in.PlanSteps > 5 {
		score += 0.1
		reasons = append(reasons, "long plan")
	}
	if hintMatch(name, bulkHints) || paramsHaveKey(in.Params, "batch", "bulk") {
		score += 0.2
		reasons = append(reasons, "bulk operation")
	}

	return Assessment{
		Score:                score,
		RequiresConfirmation: score > 0,
		Block:                score > p.blockThreshold,
		Reasons:              reasons,
	}
}

func hintMatch(name string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(name, h) {
			return true
		}
	}
	return false
}

func paramsHaveKey(params map[string]interface{}, keys ...string) bool {
	if len(params) == 0 {
		return false
	}
	for _, k := range keys {
		if _, ok := params[k]; ok {
			return true
		}
	}
	return false
}
