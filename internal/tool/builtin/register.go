package builtin

import (
	"saga-platform/internal/tool"
)

// RegisterBuiltin 注册通用工具；演示工具另行按 profile 决定
func RegisterBuiltin(reg *tool.Registry) {
	if reg == nil {
		return
	}
	reg.Register(NewHTTPTool())
}

// RegisterDemo 注册演示工具集（共享一套内存台账），dev 联调与示例用。
// charge_payment 标记为需要人工确认的高危工具。
func RegisterDemo(reg *tool.Registry) *Inventory {
	if reg == nil {
		return nil
	}
	inv := NewInventory()
	reg.Register(NewSearchRestaurantsTool(inv))
	reg.RegisterWithDefinition(NewHoldTableTool(inv), tool.Definition{
		Compensation: &tool.Compensation{Tool: "release_table"},
	})
	reg.Register(NewReleaseTableTool(inv))
	reg.RegisterWithDefinition(NewChargePaymentTool(inv), tool.Definition{
		RequiresConfirmation: true,
		Compensation:         &tool.Compensation{Tool: "refund_payment"},
	})
	reg.Register(NewRefundPaymentTool(inv))
	reg.Register(NewNotifyUserTool())
	return inv
}
