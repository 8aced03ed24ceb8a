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

// Package saga 定义执行域模型：Execution 状态机、计划步骤、补偿栈与失败词汇表。
// 所有状态变更必须经过 Transition，终态不可再迁出。
package saga

import (
	"errors"
	"fmt"
	"time"
)

// Status 执行状态
type Status string

// 执行状态全集；COMPLETED/FAILED/TIMEOUT/CANCELLED 为终态
const (
	StatusReceived             Status = "RECEIVED"
	StatusParsing              Status = "PARSING"
	StatusPlanning             Status = "PLANNING"
	StatusPlanned              Status = "PLANNED"
	StatusExecuting            Status = "EXECUTING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusSuspended            Status = "SUSPENDED"
	StatusCompensating         Status = "COMPENSATING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusTimeout              Status = "TIMEOUT"
	StatusCancelled            Status = "CANCELLED"
)

var (
	// ErrIllegalTransition 状态机禁止的迁移；属编程错误，调用方应立即失败而非吞掉
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStalled 无可执行步骤且未完成：依赖环或前置失败导致的停滞
	ErrStalled = errors.New("saga stalled: no runnable step")
)

// transitions 状态迁移表；未列出的目标一律拒绝，终态无出边
var transitions = map[Status][]Status{
	StatusReceived:             {StatusParsing, StatusFailed, StatusTimeout, StatusCancelled},
	StatusParsing:              {StatusPlanning, StatusFailed, StatusTimeout, StatusCancelled},
	StatusPlanning:             {StatusPlanned, StatusFailed, StatusTimeout, StatusCancelled},
	StatusPlanned:              {StatusExecuting, StatusFailed, StatusTimeout, StatusCancelled},
	StatusExecuting:            {StatusPlanning, StatusAwaitingConfirmation, StatusSuspended, StatusCompleted, StatusCompensating, StatusFailed, StatusTimeout, StatusCancelled},
	StatusAwaitingConfirmation: {StatusExecuting, StatusSuspended, StatusFailed, StatusTimeout, StatusCancelled},
	StatusSuspended:            {StatusExecuting, StatusAwaitingConfirmation, StatusFailed, StatusTimeout, StatusCancelled},
	StatusCompensating:         {StatusFailed, StatusTimeout, StatusCancelled},
}

// IsTerminal 判断是否终态
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Intent 上游意图，核心不解析其内容
type Intent struct {
	RawText    string                 `json:"rawText,omitempty"`
	Type       string                 `json:"type,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// CompensationEntry 补偿栈条目；每个成功的副作用步骤压入一条，失败时按 LIFO 弹出执行
type CompensationEntry struct {
	StepID     string                 `json:"stepId"`
	ToolName   string                 `json:"compensationToolName"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ExecutionError 面向调用方的结构化错误
type ExecutionError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	StepID  string                 `json:"stepId,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TokenUsage 信息性 token 统计
type TokenUsage struct {
	Prompt     int `json:"prompt,omitempty"`
	Completion int `json:"completion,omitempty"`
	Total      int `json:"total,omitempty"`
}

// Execution 一次 saga 执行的全量持久化状态，存于 task:{executionId}
type Execution struct {
	ID             string                 `json:"executionId"`
	Status         Status                 `json:"status"`
	Intent         Intent                 `json:"intent"`
	Plan           []PlanStep             `json:"plan"`
	StepStates     []StepState            `json:"stepStates"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Compensations  []CompensationEntry    `json:"compensationsRegistered,omitempty"`
	Error          *ExecutionError        `json:"error,omitempty"`
	TokenUsage     TokenUsage             `json:"tokenUsage,omitempty"`
	SchemaVersion  int                    `json:"schemaVersion,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
}

// NewExecution 创建初始状态为 RECEIVED 的执行；stepStates 与 plan 一一对应并全部置 pending
func NewExecution(id string, intent Intent, plan []PlanStep) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e := &Execution{
		ID:             id,
		Status:         StatusReceived,
		Intent:         intent,
		Plan:           plan,
		StepStates:     make([]StepState, 0, len(plan)),
		Context:        map[string]interface{}{},
		SchemaVersion:  CurrentSchemaVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	for _, s := range plan {
		e.StepStates = append(e.StepStates, StepState{StepID: s.ID, Status: StepPending})
	}
	return e, nil
}

// CurrentSchemaVersion Execution 持久化结构的版本号
const CurrentSchemaVersion = 1

// Transition 迁移到目标状态；非法迁移返回 ErrIllegalTransition 且不改动任何字段。
// 进入终态时落 CompletedAt。
func (e *Execution) Transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.Status, to)
	}
	e.Status = to
	now := time.Now().UTC()
	e.UpdatedAt = now
	e.LastActivityAt = now
	if IsTerminal(to) {
		e.CompletedAt = &now
	}
	return nil
}

// Touch 刷新活动时间戳（不改状态）
func (e *Execution) Touch() {
	now := time.Now().UTC()
	e.UpdatedAt = now
	e.LastActivityAt = now
}

// PushCompensation 压入补偿条目；必须发生在对应步骤标记 completed 之前
func (e *Execution) PushCompensation(entry CompensationEntry) {
	e.Compensations = append(e.Compensations, entry)
}

// PopCompensation 按 LIFO 弹出补偿条目；空栈返回 false
func (e *Execution) PopCompensation() (CompensationEntry, bool) {
	if len(e.Compensations) == 0 {
		return CompensationEntry{}, false
	}
	last := e.Compensations[len(e.Compensations)-1]
	e.Compensations = e.Compensations[:len(e.Compensations)-1]
	return last, true
}

// StepStateByID 返回步骤状态的可写引用；未知 id 返回 nil
func (e *Execution) StepStateByID(stepID string) *StepState {
	for i := range e.StepStates {
		if e.StepStates[i].StepID == stepID {
			return &e.StepStates[i]
		}
	}
	return nil
}

// StepByIndex 返回计划中 index 对应的步骤；越界返回 nil
func (e *Execution) StepByIndex(index int) *PlanStep {
	for i := range e.Plan {
		if e.Plan[i].Index == index {
			return &e.Plan[i]
		}
	}
	return nil
}

// CompletedSteps 已完成步骤数
func (e *Execution) CompletedSteps() int {
	n := 0
	for _, s := range e.StepStates {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// NextStepIndex 第一个未完成（pending/awaiting/running/failed）步骤的 index；
// 全部完成返回 len(plan)。心跳自检用它判断进度。
func (e *Execution) NextStepIndex() int {
	for i := range e.Plan {
		st := e.StepStateByID(e.Plan[i].ID)
		if st == nil || (st.Status != StepCompleted && st.Status != StepSkipped) {
			return e.Plan[i].Index
		}
	}
	return len(e.Plan)
}
