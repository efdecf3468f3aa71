package workflow

import (
	"context"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	UserID string
	States []RunState
	Limit  int
}

// EventStore is the append-only timeline consumed by streaming transports.
type EventStore interface {
	// AppendEvent assigns event.ID (monotonically increasing) and persists it.
	AppendEvent(ctx context.Context, event *Event) error

	// EventsAfter returns events of runID with ID > afterID in ascending order.
	// limit <= 0 means no limit.
	EventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]*Event, error)
}

// Repository 是核心组件依赖的持久化接口，不绑定任何具体存储技术。
//
// Get* 在记录不存在时返回 types.ErrNotFound 错误。返回值均为副本，
// 修改后必须通过 Update* 写回。
type Repository interface {
	EventStore

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	UpdateRun(ctx context.Context, run *Run) error

	CreateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, stepID string) (*Step, error)
	// ListSteps returns the run's steps ordered by Seq, read in one pass.
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	UpdateStep(ctx context.Context, step *Step) error
	// SwapStep persists step only if the stored state still equals expected.
	// It returns ErrInvalidTransition when the compare fails.
	SwapStep(ctx context.Context, step *Step, expected StepState) error

	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, approvalID string) (*Approval, error)
	// OpenApproval returns the step's approval in status required, or ErrNotFound.
	OpenApproval(ctx context.Context, stepID string) (*Approval, error)
	// ListApprovals lists approvals of a run; empty status means all.
	ListApprovals(ctx context.Context, runID string, status ApprovalStatus) ([]*Approval, error)
	// SwapApproval persists approval only if the stored status still equals
	// expected. It returns ErrInvalidTransition when the compare fails.
	SwapApproval(ctx context.Context, approval *Approval, expected ApprovalStatus) error

	AppendToolCall(ctx context.Context, call *ToolCall) error
	ListToolCalls(ctx context.Context, stepID string) ([]*ToolCall, error)

	// LockRun serializes writers of one run until the enclosing transaction
	// ends. Call it before the first write of a transaction. Outside Transact
	// it only checks that the run exists.
	LockRun(ctx context.Context, runID string) error

	// Transact runs fn atomically. Writes made through tx, including events,
	// become visible to other readers only when fn returns nil.
	Transact(ctx context.Context, fn func(tx Repository) error) error
}
