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

package failover

import "saga-platform/internal/saga"

// reservationIntents 订座类意图
var reservationIntents = []string{"reservation", "book_restaurant", "modify_reservation"}

// DefaultPolicies 内置订座场景策略表。
// 顺序即并列时的次级稳定性（先声明者先保留），主裁决看得分与动作优先级。
func DefaultPolicies() []Policy {
	return []Policy{
		{
			// 无位先换时段，换不了再换店或排队
			Name: "no-availability-alt-time",
			When: Condition{
				Intents:    reservationIntents,
				Reasons:    []saga.FailureReason{saga.ReasonNoAvailability},
				Confidence: &Range{Min: 0.5, Max: 1.0},
			},
			Actions: []Action{ActionSuggestAlternativeTime, ActionSuggestAlternativeRestaurant, ActionTriggerWaitlist},
		},
		{
			// 大桌更难挪时段，优先缩小人数
			Name: "no-availability-large-party",
			When: Condition{
				Intents:    reservationIntents,
				Reasons:    []saga.FailureReason{saga.ReasonNoAvailability},
				Confidence: &Range{Min: 0, Max: 1.0},
				PartySize:  &IntRange{Min: 6},
			},
			Actions: []Action{ActionDowngradePartySize, ActionSuggestAlternativeRestaurant},
		},
		{
			// 周末晚高峰挂字号排队比换时段成功率高
			Name: "prime-time-waitlist",
			When: Condition{
				Intents:    reservationIntents,
				Reasons:    []saga.FailureReason{saga.ReasonNoAvailability},
				Confidence: &Range{Min: 0, Max: 1.0},
				TimeOfDay:  &ClockRange{From: "19:00", To: "21:30"},
				DaysOfWeek: []string{"friday", "saturday"},
			},
			Actions: []Action{ActionTriggerWaitlist, ActionSuggestAlternativeTime},
		},
		{
			// 店家支持外送时直接转外送
			Name: "delivery-fallback",
			When: Condition{
				Intents:    reservationIntents,
				Reasons:    []saga.FailureReason{saga.ReasonNoAvailability, saga.ReasonRestaurantClosed},
				Confidence: &Range{Min: 0, Max: 1.0},
				Tags:       []string{"delivery", "takeout"},
			},
			Actions: []Action{ActionTriggerDelivery, ActionTriggerWaitlist},
		},
		{
			Name: "closed-alternative",
			When: Condition{
				Reasons: []saga.FailureReason{saga.ReasonRestaurantClosed},
			},
			Actions: []Action{ActionSuggestAlternativeRestaurant, ActionSuggestAlternativeTime},
		},
		{
			// 支付失败先退避重试两次
			Name: "payment-retry",
			When: Condition{
				Reasons:     []saga.FailureReason{saga.ReasonPaymentFailed},
				MaxAttempts: 2,
			},
			Actions: []Action{ActionRetryWithBackoff, ActionEscalateToHuman},
		},
		{
			// 重试耗尽后回滚整单并退款
			Name: "payment-abort",
			When: Condition{
				Reasons: []saga.FailureReason{saga.ReasonPaymentFailed},
			},
			Actions: []Action{ActionAbortAndRefund, ActionEscalateToHuman},
		},
		{
			// 瞬态基础设施故障只值得重试
			Name: "transient-retry",
			When: Condition{
				Reasons: []saga.FailureReason{
					saga.ReasonTimeout,
					saga.ReasonNetworkError,
					saga.ReasonRateLimited,
				},
				MaxAttempts: 3,
			},
			Actions: []Action{ActionRetryWithBackoff},
		},
		{
			Name: "transient-exhausted",
			When: Condition{
				Reasons: []saga.FailureReason{
					saga.ReasonTimeout,
					saga.ReasonNetworkError,
					saga.ReasonRateLimited,
				},
			},
			Actions: []Action{ActionEscalateToHuman},
		},
		{
			// 兜底：任何没有更好去处的失败都转人工
			Name:    "default-escalate",
			When:    Condition{},
			Actions: []Action{ActionEscalateToHuman},
		},
	}
}
