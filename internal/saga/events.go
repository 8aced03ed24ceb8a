package saga

// 进度事件名；同一执行内按计划顺序发出
const (
	EventStepStarted           = "StepStarted"
	EventStepCompleted         = "StepCompleted"
	EventStepFailed            = "StepFailed"
	EventConfirmationRequested = "ConfirmationRequested"
	EventConfirmationAccepted  = "ConfirmationAccepted"
	EventCompensationStarted   = "CompensationStarted"
	EventCompensationCompleted = "CompensationCompleted"
	EventWorkflowCompleted     = "WorkflowCompleted"
	EventWorkflowFailed        = "WorkflowFailed"
	EventReplanRequested       = "ReplanRequested"
)

// 对账与告警事件名（对外告警通道沿用大写蛇形）
const (
	EventWorkflowResume             = "WORKFLOW_RESUME"
	EventCompensationRetry          = "COMPENSATION_RETRY"
	EventManualInterventionRequired = "SAGA_MANUAL_INTERVENTION_REQUIRED"
)

// DefaultChannel 进度事件默认频道；订阅按执行维度启用有序缓冲
const DefaultChannel = "saga.events"

// AlertChannel 告警事件频道
const AlertChannel = "saga.alerts"

// ProgressEvent 进度事件载荷
type ProgressEvent struct {
	ExecutionID string                 `json:"executionId"`
	StepID      string                 `json:"stepId,omitempty"`
	StepIndex   int                    `json:"stepIndex,omitempty"`
	ToolName    string                 `json:"toolName,omitempty"`
	Status      Status                 `json:"status,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
}
