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

// Package failover 失败处置策略引擎。
//
// 纯函数，无 I/O：输入失败上下文，输出建议动作与可落地的替代方案。
// 打分规则：意图与失败原因是硬门槛，不匹配直接出局（得分 0）；
// 置信度、人数、时段、星期、标签是软维度，命中加有界加分。
// 得分并列时取动作表中最高优先级更高的策略。
// 调用方负责把动作映射到重试/重规划/补偿/升级，并持久化 replan 标记。
package failover

import (
	"fmt"
	"strings"

	"saga-platform/internal/saga"
)

// Action 处置动作
type Action string

const (
	ActionSuggestAlternativeTime       Action = "SUGGEST_ALTERNATIVE_TIME"
	ActionSuggestAlternativeRestaurant Action = "SUGGEST_ALTERNATIVE_RESTAURANT"
	ActionTriggerDelivery              Action = "TRIGGER_DELIVERY"
	ActionTriggerWaitlist              Action = "TRIGGER_WAITLIST"
	ActionDowngradePartySize           Action = "DOWNGRADE_PARTY_SIZE"
	ActionRetryWithBackoff             Action = "RETRY_WITH_BACKOFF"
	ActionEscalateToHuman              Action = "ESCALATE_TO_HUMAN"
	ActionAbortAndRefund               Action = "ABORT_AND_REFUND"
)

// actionPriority 动作优先级，越具体的挽救手段越高
var actionPriority = map[Action]int{
	ActionSuggestAlternativeTime:       80,
	ActionSuggestAlternativeRestaurant: 70,
	ActionTriggerWaitlist:              60,
	ActionTriggerDelivery:              50,
	ActionDowngradePartySize:           40,
	ActionRetryWithBackoff:             30,
	ActionEscalateToHuman:              20,
	ActionAbortAndRefund:               10,
}

// Input 失败上下文
type Input struct {
	IntentType     string
	FailureReason  saga.FailureReason
	Confidence     float64
	AttemptCount   int
	RestaurantTags []string
	PartySize      int
	TimeOfDay      string // "19:30"，24 小时制
	DayOfWeek      string // "friday"
	Metadata       map[string]any
}

// Range 闭区间（浮点）
type Range struct {
	Min float64
	Max float64
}

// IntRange 闭区间（整型）；Max 为 0 表示无上界
type IntRange struct {
	Min int
	Max int
}

// ClockRange 时段，"HH:MM" 格式；From > To 表示跨午夜
type ClockRange struct {
	From string
	To   string
}

// Condition 策略条件。Intents/Reasons 是硬门槛，其余为软维度加分项。
// MaxAttempts > 0 时，尝试次数达到上限即出局，用来让重试类策略
// 在耗尽后把位置让给兜底策略。
type Condition struct {
	Intents     []string
	Reasons     []saga.FailureReason
	MaxAttempts int

	Confidence *Range
	PartySize  *IntRange
	TimeOfDay  *ClockRange
	DaysOfWeek []string
	Tags       []string
}

// Policy 一条处置策略；Actions 按偏好排序，首个为建议动作
type Policy struct {
	Name    string
	When    Condition
	Actions []Action
}

// Suggestion 可落地的替代方案，由重规划器消费
type Suggestion struct {
	Action Action         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Decision 引擎裁决
type Decision struct {
	Policy      string       `json:"policy"`
	Action      Action       `json:"action"`
	Score       float64      `json:"score"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Engine 策略引擎。无状态，并发安全。
type Engine struct {
	policies []Policy
}

// NewEngine 创建引擎；不传策略时使用内置订座场景策略表
func NewEngine(policies ...Policy) *Engine {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Engine{policies: policies}
}

// Decide 为失败上下文挑选处置策略。任何策略都不匹配时
// 返回零分的 ESCALATE_TO_HUMAN 兜底裁决。
func (e *Engine) Decide(in Input) Decision {
	bestIdx := -1
	bestScore := 0.0
	bestPriority := -1
	for i, p := range e.policies {
		if len(p.Actions) == 0 {
			continue
		}
		s := p.score(in)
		if s <= 0 {
			continue
		}
		prio := p.maxPriority()
		if s > bestScore || (s == bestScore && prio > bestPriority) {
			bestIdx, bestScore, bestPriority = i, s, prio
		}
	}
	if bestIdx < 0 {
		return Decision{Action: ActionEscalateToHuman}
	}
	winner := e.policies[bestIdx]
	return Decision{
		Policy:      winner.Name,
		Action:      winner.Actions[0],
		Score:       bestScore,
		Suggestions: materialize(winner.Actions, in),
	}
}

// score 打分；0 表示出局
func (p Policy) score(in Input) float64 {
	if len(p.When.Intents) > 0 && !containsFold(p.When.Intents, in.IntentType) {
		return 0
	}
	if len(p.When.Reasons) > 0 && !containsReason(p.When.Reasons, in.FailureReason) {
		return 0
	}
	if p.When.MaxAttempts > 0 && in.AttemptCount >= p.When.MaxAttempts {
		return 0
	}

	score := 1.0
	if r := p.When.Confidence; r != nil && in.Confidence >= r.Min && in.Confidence <= r.Max {
		score += 0.2
	}
	if r := p.When.PartySize; r != nil && in.PartySize >= r.Min && (r.Max == 0 || in.PartySize <= r.Max) {
		score += 0.2
	}
	if len(p.When.Tags) > 0 && intersectsFold(p.When.Tags, in.RestaurantTags) {
		score += 0.2
	}
	if len(p.When.DaysOfWeek) > 0 && containsFold(p.When.DaysOfWeek, in.DayOfWeek) {
		score += 0.1
	}
	if r := p.When.TimeOfDay; r != nil && clockWithin(in.TimeOfDay, *r) {
		score += 0.1
	}
	return score
}

func (p Policy) maxPriority() int {
	max := -1
	for _, a := range p.Actions {
		if pr := actionPriority[a]; pr > max {
			max = pr
		}
	}
	return max
}

// materialize 把动作表展开成带参数的替代方案
func materialize(actions []Action, in Input) []Suggestion {
	var out []Suggestion
	for _, a := range actions {
		switch a {
		case ActionSuggestAlternativeTime:
			for _, offset := range []int{-60, -30, 30, 60} {
				if alt, ok := offsetClock(in.TimeOfDay, offset); ok {
					out = append(out, Suggestion{Action: a, Params: map[string]any{"time": alt}})
				}
			}
		case ActionSuggestAlternativeRestaurant:
			params := map[string]any{}
			if len(in.RestaurantTags) > 0 {
				params["tags"] = in.RestaurantTags
			}
			if in.PartySize > 0 {
				params["guests"] = in.PartySize
			}
			out = append(out, Suggestion{Action: a, Params: params})
		case ActionDowngradePartySize:
			for _, size := range downgradeSizes(in.PartySize) {
				out = append(out, Suggestion{Action: a, Params: map[string]any{"guests": size}})
			}
		case ActionRetryWithBackoff:
			out = append(out, Suggestion{Action: a, Params: map[string]any{"backoffMs": BackoffMs(in.AttemptCount)}})
		case ActionTriggerWaitlist:
			params := map[string]any{"waitlist": true}
			if in.TimeOfDay != "" {
				params["time"] = in.TimeOfDay
			}
			out = append(out, Suggestion{Action: a, Params: params})
		case ActionTriggerDelivery:
			out = append(out, Suggestion{Action: a, Params: map[string]any{"mode": "delivery"}})
		default:
			out = append(out, Suggestion{Action: a})
		}
	}
	return out
}

// BackoffMs 指数退避毫秒数，上限 30s
func BackoffMs(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}
	backoff := int64(1000) << uint(attempt)
	if backoff > 30000 || backoff <= 0 {
		return 30000
	}
	return backoff
}

// downgradeSizes 候选缩减人数：减二与对半，去重且必须真缩小
func downgradeSizes(n int) []int {
	if n <= 1 {
		return nil
	}
	var out []int
	for _, c := range []int{n - 2, n / 2} {
		if c <= 0 || c >= n {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsReason(set []saga.FailureReason, v saga.FailureReason) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func intersectsFold(set, values []string) bool {
	for _, v := range values {
		if containsFold(set, v) {
			return true
		}
	}
	return false
}

// parseClock "HH:MM" 转自午夜起的分钟数
func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// clockWithin 判断时刻是否落在时段内；跨午夜区间按环形判断
func clockWithin(clock string, r ClockRange) bool {
	t, ok := parseClock(clock)
	if !ok {
		return false
	}
	from, ok := parseClock(r.From)
	if !ok {
		return false
	}
	to, ok := parseClock(r.To)
	if !ok {
		return false
	}
	if from <= to {
		return t >= from && t <= to
	}
	return t >= from || t <= to
}

// offsetClock 给时刻加偏移分钟；越出当天范围时丢弃
func offsetClock(clock string, offsetMin int) (string, bool) {
	t, ok := parseClock(clock)
	if !ok {
		return "", false
	}
	t += offsetMin
	if t < 0 || t >= 24*60 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", t/60, t%60), true
}
