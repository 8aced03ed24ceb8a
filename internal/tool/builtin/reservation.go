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

package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"saga-platform/internal/tool"
)

// Inventory 内存餐位与支付台账，演示工具共享。
// 仅供 dev/联调：hold 与 charge 的补偿路径在这里是真实可逆的。
type Inventory struct {
	mu      sync.Mutex
	seats   map[string]int
	holds   map[string]holdRecord
	charges map[string]int
}

type holdRecord struct {
	RestaurantID string
	PartySize    int
}

// NewInventory 创建带演示数据的台账
func NewInventory() *Inventory {
	return &Inventory{
		seats: map[string]int{
			"r-lotus":  8,
			"r-harbor": 4,
			"r-full":   0,
		},
		holds:   make(map[string]holdRecord),
		charges: make(map[string]int),
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// SearchRestaurantsTool 查询满足人数的餐厅
type SearchRestaurantsTool struct{ inv *Inventory }

// NewSearchRestaurantsTool 创建 search_restaurants
func NewSearchRestaurantsTool(inv *Inventory) *SearchRestaurantsTool {
	return &SearchRestaurantsTool{inv: inv}
}

func (t *SearchRestaurantsTool) Name() string        { return "search_restaurants" }
func (t *SearchRestaurantsTool) Description() string { return "按人数检索可订餐厅" }

func (t *SearchRestaurantsTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"guests": {Type: "integer", Description: "用餐人数"},
		},
		Required: []string{"guests"},
	}
}

func (t *SearchRestaurantsTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	guests := intParam(params, "guests")
	if guests <= 0 {
		return tool.Result{Error: "validation failed: guests must be positive"}, nil
	}
	t.inv.mu.Lock()
	defer t.inv.mu.Unlock()
	var found []map[string]any
	for id, free := range t.inv.seats {
		if free >= guests {
			found = append(found, map[string]any{"restaurantId": id, "freeSeats": free})
		}
	}
	return tool.Result{Success: true, Output: map[string]any{"restaurants": found}}, nil
}

// HoldTableTool 占座；成功时动态声明 release_table 补偿
type HoldTableTool struct{ inv *Inventory }

// NewHoldTableTool 创建 hold_table
func NewHoldTableTool(inv *Inventory) *HoldTableTool {
	return &HoldTableTool{inv: inv}
}

func (t *HoldTableTool) Name() string        { return "hold_table" }
func (t *HoldTableTool) Description() string { return "为指定餐厅占座，持有一个可撤销的 hold" }

func (t *HoldTableTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"restaurant_id": {Type: "string"},
			"guests":        {Type: "integer"},
			"time":          {Type: "string", Description: "预订时间，HH:MM"},
		},
		Required: []string{"restaurant_id", "guests"},
	}
}

func (t *HoldTableTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	restaurantID, _ := params["restaurant_id"].(string)
	guests := intParam(params, "guests")
	if restaurantID == "" || guests <= 0 {
		return tool.Result{Error: "validation failed: restaurant_id and guests are required"}, nil
	}

	t.inv.mu.Lock()
	defer t.inv.mu.Unlock()
	free, ok := t.inv.seats[restaurantID]
	if !ok {
		return tool.Result{Error: fmt.Sprintf("restaurant %s is closed", restaurantID)}, nil
	}
	if free < guests {
		return tool.Result{Error: fmt.Sprintf("no availability for party of %d", guests)}, nil
	}
	t.inv.seats[restaurantID] = free - guests
	holdID := uuid.NewString()
	t.inv.holds[holdID] = holdRecord{RestaurantID: restaurantID, PartySize: guests}

	return tool.Result{
		Success: true,
		Output:  map[string]any{"holdId": holdID, "restaurantId": restaurantID},
		Compensation: &tool.Compensation{
			Tool:       "release_table",
			Parameters: map[string]any{"hold_id": holdID},
		},
	}, nil
}

// ReleaseTableTool 释放占座（hold_table 的补偿，幂等）
type ReleaseTableTool struct{ inv *Inventory }

// NewReleaseTableTool 创建 release_table
func NewReleaseTableTool(inv *Inventory) *ReleaseTableTool {
	return &ReleaseTableTool{inv: inv}
}

func (t *ReleaseTableTool) Name() string        { return "release_table" }
func (t *ReleaseTableTool) Description() string { return "释放 hold_table 占用的座位" }

func (t *ReleaseTableTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"hold_id": {Type: "string"},
		},
		Required: []string{"hold_id"},
	}
}

func (t *ReleaseTableTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	holdID, _ := params["hold_id"].(string)
	t.inv.mu.Lock()
	defer t.inv.mu.Unlock()
	rec, ok := t.inv.holds[holdID]
	if !ok {
		// 已释放或从未存在：补偿必须幂等
		return tool.Result{Success: true, Output: map[string]any{"released": false}}, nil
	}
	delete(t.inv.holds, holdID)
	t.inv.seats[rec.RestaurantID] += rec.PartySize
	return tool.Result{Success: true, Output: map[string]any{"released": true}}, nil
}

// ChargePaymentTool 扣款；成功时动态声明 refund_payment 补偿
type ChargePaymentTool struct{ inv *Inventory }

// NewChargePaymentTool 创建 charge_payment
func NewChargePaymentTool(inv *Inventory) *ChargePaymentTool {
	return &ChargePaymentTool{inv: inv}
}

func (t *ChargePaymentTool) Name() string        { return "charge_payment" }
func (t *ChargePaymentTool) Description() string { return "扣除预订定金" }

func (t *ChargePaymentTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"amount_cents": {Type: "integer"},
			"card":         {Type: "string"},
		},
		Required: []string{"amount_cents"},
	}
}

func (t *ChargePaymentTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	amount := intParam(params, "amount_cents")
	if amount <= 0 {
		return tool.Result{Error: "validation failed: amount_cents must be positive"}, nil
	}
	if card, _ := params["card"].(string); card == "declined" {
		return tool.Result{Error: "payment declined by issuer"}, nil
	}

	t.inv.mu.Lock()
	defer t.inv.mu.Unlock()
	chargeID := uuid.NewString()
	t.inv.charges[chargeID] = amount
	return tool.Result{
		Success: true,
		Output:  map[string]any{"chargeId": chargeID, "amountCents": amount},
		Compensation: &tool.Compensation{
			Tool:       "refund_payment",
			Parameters: map[string]any{"charge_id": chargeID},
		},
	}, nil
}

// RefundPaymentTool 退款（charge_payment 的补偿，幂等）
type RefundPaymentTool struct{ inv *Inventory }

// NewRefundPaymentTool 创建 refund_payment
func NewRefundPaymentTool(inv *Inventory) *RefundPaymentTool {
	return &RefundPaymentTool{inv: inv}
}

func (t *RefundPaymentTool) Name() string        { return "refund_payment" }
func (t *RefundPaymentTool) Description() string { return "退还已扣定金" }

func (t *RefundPaymentTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"charge_id": {Type: "string"},
		},
		Required: []string{"charge_id"},
	}
}

func (t *RefundPaymentTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	chargeID, _ := params["charge_id"].(string)
	t.inv.mu.Lock()
	defer t.inv.mu.Unlock()
	if _, ok := t.inv.charges[chargeID]; !ok {
		return tool.Result{Success: true, Output: map[string]any{"refunded": false}}, nil
	}
	delete(t.inv.charges, chargeID)
	return tool.Result{Success: true, Output: map[string]any{"refunded": true}}, nil
}

// NotifyUserTool 发送通知（无副作用，无补偿）
type NotifyUserTool struct{}

// NewNotifyUserTool 创建 notify_user
func NewNotifyUserTool() *NotifyUserTool { return &NotifyUserTool{} }

func (t *NotifyUserTool) Name() string        { return "notify_user" }
func (t *NotifyUserTool) Description() string { return "向用户发送一条通知" }

func (t *NotifyUserTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"message": {Type: "string"},
		},
		Required: []string{"message"},
	}
}

func (t *NotifyUserTool) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		return tool.Result{Error: "validation failed: message is required"}, nil
	}
	return tool.Result{Success: true, Output: map[string]any{"delivered": true}}, nil
}
