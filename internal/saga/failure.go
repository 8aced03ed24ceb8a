package saga

import "strings"

// FailureReason 步骤失败原因枚举；由错误消息关键词归类，供失败转移策略消费
type FailureReason string

const (
	ReasonPaymentFailed    FailureReason = "PAYMENT_FAILED"
	ReasonNoAvailability   FailureReason = "NO_AVAILABILITY"
	ReasonRestaurantClosed FailureReason = "RESTAURANT_CLOSED"
	ReasonTimeout          FailureReason = "TIMEOUT"
	ReasonRateLimited      FailureReason = "RATE_LIMITED"
	ReasonNetworkError     FailureReason = "NETWORK_ERROR"
	ReasonValidationFailed FailureReason = "VALIDATION_FAILED"
	ReasonToolError        FailureReason = "TOOL_ERROR"
)

// reasonKeywords 关键词表；自上而下匹配，先命中者生效
var reasonKeywords = []struct {
	reason   FailureReason
	keywords []string
}{
	{ReasonPaymentFailed, []string{"payment", "card declined", "insufficient funds", "refund"}},
	{ReasonNoAvailability, []string{"no availability", "fully booked", "sold out", "no slots"}},
	{ReasonRestaurantClosed, []string{"closed", "not open"}},
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "timed out"}},
	{ReasonRateLimited, []string{"rate limit", "too many requests", "429"}},
	{ReasonNetworkError, []string{"connection refused", "connection reset", "network", "no such host"}},
	{ReasonValidationFailed, []string{"validation", "invalid argument", "missing required"}},
}

// ClassifyFailure 把工具错误消息归类为失败原因；无法归类时记为 TOOL_ERROR
func ClassifyFailure(errMsg string) FailureReason {
	msg := strings.ToLower(errMsg)
	for _, rk := range reasonKeywords {
		for _, kw := range rk.keywords {
			if strings.Contains(msg, kw) {
				return rk.reason
			}
		}
	}
	return ReasonToolError
}

// UserFriendlyMessages 面向最终用户的失败文案；对外响应用它替换内部错误消息
var UserFriendlyMessages = map[FailureReason]string{
	ReasonPaymentFailed:    "支付未能完成，已为您撤销本次预订涉及的操作，请检查支付方式后重试",
	ReasonNoAvailability:   "所选时段已约满，可以试试其他时间或由我们为您推荐相近的选择",
	ReasonRestaurantClosed: "该餐厅在所选时段不营业，建议更换时间或餐厅",
	ReasonTimeout:          "操作响应超时，系统会自动重试，请稍候",
	ReasonRateLimited:      "当前请求过于频繁，请稍后再试",
	ReasonNetworkError:     "网络暂时不稳定，系统会自动重试",
	ReasonValidationFailed: "提交的信息有误，请核对后重新发起",
	ReasonToolError:        "处理过程中出现问题，我们已记录并会尽快处理",
}

// UserMessage 返回失败原因对应的用户文案；未登记的原因回退到 TOOL_ERROR 文案
func UserMessage(reason FailureReason) string {
	if msg, ok := UserFriendlyMessages[reason]; ok {
		return msg
	}
	return UserFriendlyMessages[ReasonToolError]
}
