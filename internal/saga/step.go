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

package saga

import (
	"fmt"
	"time"
)

// StepStatus 单个步骤的状态
type StepStatus string

const (
	StepPending              StepStatus = "pending"
	StepRunning              StepStatus = "running"
	StepCompleted            StepStatus = "completed"
	StepFailed               StepStatus = "failed"
	StepSkipped              StepStatus = "skipped"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
)

// PlanStep 计划中的一步；Parameters 在调用边界保持 map，进入 Tool 前经别名重写
type PlanStep struct {
	ID                   string                 `json:"id"`
	Index                int                    `json:"index"`
	ToolName             string                 `json:"toolName"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	RequiresConfirmation bool                   `json:"requiresConfirmation,omitempty"`
	TimeoutMs            int                    `json:"timeoutMs,omitempty"`
	EstimatedTokens      int                    `json:"estimatedTokens,omitempty"`
	// Compensation 静态登记的补偿动作；Tool 返回的动态补偿优先于它
	Compensation *CompensationSpec `json:"compensation,omitempty"`
}

// CompensationSpec 步骤声明的补偿动作
type CompensationSpec struct {
	ToolName   string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// StepState 步骤的运行时状态
type StepState struct {
	StepID    string                 `json:"stepId"`
	Status    StepStatus             `json:"status"`
	Attempts  int                    `json:"attempts"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StartedAt *time.Time             `json:"startedAt,omitempty"`
	EndedAt   *time.Time             `json:"endedAt,omitempty"`
}

// ValidatePlan 校验计划：步骤 id 唯一、index 从 0 连续、依赖指向已知步骤且不指向自身
func ValidatePlan(plan []PlanStep) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan must contain at least one step")
	}
	ids := make(map[string]bool, len(plan))
	for i, s := range plan {
		if s.ID == "" {
			return fmt.Errorf("step %d: id required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id: %s", s.ID)
		}
		ids[s.ID] = true
		if s.Index != i {
			return fmt.Errorf("step %s: index %d out of order, want %d", s.ID, s.Index, i)
		}
		if s.ToolName == "" {
			return fmt.Errorf("step %s: toolName required", s.ID)
		}
	}
	for _, s := range plan {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fmt.Errorf("step %s: depends on itself", s.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %s: unknown dependency %s", s.ID, dep)
			}
		}
	}
	return nil
}

// SelectNextStep 取第一个 pending 且依赖全部 completed 的步骤。
// 第二个返回值表示是否存在这样的步骤；不存在且仍有未终结步骤时，调用方应判定停滞。
func (e *Execution) SelectNextStep(fromIndex int) (*PlanStep, bool) {
	for i := range e.Plan {
		step := &e.Plan[i]
		if step.Index < fromIndex {
			continue
		}
		st := e.StepStateByID(step.ID)
		if st == nil || st.Status != StepPending {
			continue
		}
		if e.dependenciesCompleted(step) {
			return step, true
		}
	}
	return nil, false
}

// HasUnfinishedSteps 是否仍有未到终局（completed/skipped）的步骤
func (e *Execution) HasUnfinishedSteps() bool {
	for _, st := range e.StepStates {
		if st.Status != StepCompleted && st.Status != StepSkipped {
			return true
		}
	}
	return false
}

func (e *Execution) dependenciesCompleted(step *PlanStep) bool {
	for _, dep := range step.Dependencies {
		st := e.StepStateByID(dep)
		if st == nil {
			return false
		}
		// skipped（幂等标记命中但未记录完成）视同已满足
		if st.Status != StepCompleted && st.Status != StepSkipped {
			return false
		}
	}
	return true
}

// MarkStepRunning 置步骤为 running 并计一次尝试
func (e *Execution) MarkStepRunning(stepID string) {
	st := e.StepStateByID(stepID)
	if st == nil {
		return
	}
	now := time.Now().UTC()
	st.Status = StepRunning
	st.Attempts++
	st.StartedAt = &now
	e.Touch()
}

// MarkStepCompleted 置步骤为 completed 并记录输出
func (e *Execution) MarkStepCompleted(stepID string, output map[string]interface{}) {
	st := e.StepStateByID(stepID)
	if st == nil {
		return
	}
	now := time.Now().UTC()
	st.Status = StepCompleted
	st.Output = output
	st.Error = ""
	st.EndedAt = &now
	e.Touch()
}

// MarkStepSkipped 置步骤为 skipped：幂等标记已存在而完成记录缺失时，
// 不重放副作用，按已发生处理继续推进。
func (e *Execution) MarkStepSkipped(stepID string) {
	st := e.StepStateByID(stepID)
	if st == nil {
		return
	}
	now := time.Now().UTC()
	st.Status = StepSkipped
	st.Error = ""
	st.EndedAt = &now
	e.Touch()
}

// MarkStepFailed 置步骤为 failed 并记录错误
func (e *Execution) MarkStepFailed(stepID string, errMsg string) {
	st := e.StepStateByID(stepID)
	if st == nil {
		return
	}
	now := time.Now().UTC()
	st.Status = StepFailed
	st.Error = errMsg
	st.EndedAt = &now
	e.Touch()
}

// ResetStepPending 把步骤退回 pending（确认恢复、调用超限中断等场景）
func (e *Execution) ResetStepPending(stepID string) {
	st := e.StepStateByID(stepID)
	if st == nil {
		return
	}
	st.Status = StepPending
	st.StartedAt = nil
	st.EndedAt = nil
	e.Touch()
}
