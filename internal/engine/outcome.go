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

package engine

import "saga-platform/internal/saga"

// OutcomeKind 单步执行的结局分类
type OutcomeKind string

const (
	// OutcomeStepCompleted 步骤成功，后续步骤已入队
	OutcomeStepCompleted OutcomeKind = "step_completed"
	// OutcomeSagaCompleted 最后一步成功，执行进入 COMPLETED
	OutcomeSagaCompleted OutcomeKind = "saga_completed"
	// OutcomeYielded 风险闸门触发或执行正等待人工，本次调用未执行工具
	OutcomeYielded OutcomeKind = "yielded"
	// OutcomeIdempotentSkip 幂等标记命中或执行已终结，按无副作用成功处理
	OutcomeIdempotentSkip OutcomeKind = "idempotent_skip"
	// OutcomeRetryScheduled 步骤失败或调用被中断，已带退避重新入队
	OutcomeRetryScheduled OutcomeKind = "retry_scheduled"
	// OutcomeReplanRequested 已写入重规划标记并回到规划阶段
	OutcomeReplanRequested OutcomeKind = "replan_requested"
	// OutcomeCompensated 补偿栈已完全回卷，执行进入 FAILED
	OutcomeCompensated OutcomeKind = "compensated"
	// OutcomeEscalated 已进死信并告警，执行挂起（或补偿中断）等待人工
	OutcomeEscalated OutcomeKind = "escalated"
	// OutcomeStalled 无可执行步骤且仍有未完成步骤，执行进入 FAILED
	OutcomeStalled OutcomeKind = "stalled"
)

// StepOutcome 一次 ExecuteSingleStep 的对外结果；API 层据此组装响应体
type StepOutcome struct {
	Kind            OutcomeKind     `json:"kind"`
	ExecutionID     string          `json:"executionId"`
	ExecutionStatus saga.Status     `json:"status"`
	StepID          string          `json:"stepId,omitempty"`
	StepIndex       int             `json:"stepIndex"`
	StepStatus      saga.StepStatus `json:"stepStatus,omitempty"`
	// NextStepTriggered 本次调用是否向队列投递了后续 execute-step 消息
	NextStepTriggered bool `json:"nextStepTriggered"`
	// ConfirmationToken 风险闸门签发（或已挂起执行持有）的确认令牌
	ConfirmationToken string `json:"confirmationToken,omitempty"`
	// UserMessage 终局失败时面向最终用户的文案
	UserMessage string `json:"userMessage,omitempty"`
}
