package api

import (
	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// Run 类型
// =============================================================================

// SubmitRunRequest 提交一个新的 run。
// Plan 为空时由服务端 Planner 根据 intent 生成；否则直接落库该计划。
// @Description 提交运行请求
type SubmitRunRequest struct {
	// 用户身份
	UserID string `json:"user_id,omitempty" example:"user-1"`
	// 自由文本意图
	Intent string `json:"intent" example:"apply to backend jobs" binding:"required"`
	// 可选的预生成计划
	Plan *workflow.Plan `json:"plan,omitempty"`
}

// RunResponse 返回 run 及其全部 step（按 seq 排序）。
// @Description 运行详情
type RunResponse struct {
	Run   *workflow.Run    `json:"run"`
	Steps []*workflow.Step `json:"steps"`
}

// RunListResponse 运行列表
type RunListResponse struct {
	Runs  []*workflow.Run `json:"runs"`
	Total int             `json:"total"`
}

// =============================================================================
// 审批类型
// =============================================================================

// Decision values accepted by DecisionRequest.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DecisionRequest 审批决定请求。
// DecidedBy 仅在请求未携带认证身份时使用。
// @Description 审批决定
type DecisionRequest struct {
	// approve 或 reject
	Decision string `json:"decision" example:"approve" binding:"required"`
	// 拒绝理由（覆盖审批原有理由）
	Reason string `json:"reason,omitempty" example:"not this week"`
	// 决定人
	DecidedBy string `json:"decided_by,omitempty" example:"alice"`
}

// ApprovalListResponse 审批列表
type ApprovalListResponse struct {
	Approvals []*workflow.Approval `json:"approvals"`
	Total     int                  `json:"total"`
}

// =============================================================================
// 时间线类型
// =============================================================================

// EventListResponse 是一页时间线事件。
// 客户端用 NextAfter 作为下一次请求的 after 参数。
// @Description 时间线事件分页
type EventListResponse struct {
	Events    []*workflow.Event `json:"events"`
	NextAfter int64             `json:"next_after"`
}

// ToolCallListResponse step 的执行记录
type ToolCallListResponse struct {
	ToolCalls []*workflow.ToolCall `json:"tool_calls"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse表示错误响应。
// @Description 错误响应结构
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"Invalid request parameters"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
}
