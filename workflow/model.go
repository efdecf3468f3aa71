package workflow

import (
	"time"
)

// RunState 是 Run 的整体状态
type RunState string

const (
	RunStateQueued          RunState = "queued"
	RunStatePlanning        RunState = "planning"
	RunStateWaitingApproval RunState = "waiting_approval"
	RunStateExecuting       RunState = "executing"
	RunStateCompleted       RunState = "completed"
	RunStateFailed          RunState = "failed"
	RunStateCanceled        RunState = "canceled"
)

// IsTerminal returns true for completed, failed and canceled.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCanceled:
		return true
	default:
		return false
	}
}

// StepState 是单个 Step 的状态
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateReady     StepState = "ready"
	StepStateBlocked   StepState = "blocked"
	StepStateRunning   StepState = "running"
	StepStateSucceeded StepState = "succeeded"
	StepStateFailed    StepState = "failed"
	StepStateSkipped   StepState = "skipped"
)

// IsTerminal returns true for succeeded, failed and skipped.
// Terminal steps never transition again.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateSkipped:
		return true
	default:
		return false
	}
}

// RiskLevel is the policy tag controlling approval requirements (L0-L3).
type RiskLevel string

const (
	RiskL0 RiskLevel = "L0"
	RiskL1 RiskLevel = "L1"
	RiskL2 RiskLevel = "L2"
	RiskL3 RiskLevel = "L3"
)

// Rank returns 0-3 for a known level and -1 otherwise.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskL0:
		return 0
	case RiskL1:
		return 1
	case RiskL2:
		return 2
	case RiskL3:
		return 3
	default:
		return -1
	}
}

// Valid reports whether r is one of L0-L3.
func (r RiskLevel) Valid() bool {
	return r.Rank() >= 0
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ApprovalStatus 审批状态：required → approved | rejected（均为终态）
type ApprovalStatus string

const (
	ApprovalRequired ApprovalStatus = "required"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ToolCallStatus is the outcome of one execution attempt.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallFailed  ToolCallStatus = "failed"
)

// EventType 时间线事件类型
type EventType string

const (
	EventStepReady         EventType = "step_ready"
	EventStepRunning       EventType = "step_running"
	EventStepBlocked       EventType = "step_blocked"
	EventStepSucceeded     EventType = "step_succeeded"
	EventStepFailed        EventType = "step_failed"
	EventStepSkipped       EventType = "step_skipped"
	EventApprovalRequired  EventType = "approval_required"
	EventApprovalApproved  EventType = "approval_approved"
	EventApprovalRejected  EventType = "approval_rejected"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// Run is one end-to-end execution of a user intent.
type Run struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Intent    string    `json:"intent"`
	State     RunState  `json:"state"`
	RiskLevel RiskLevel `json:"risk_level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one unit of work within a Run.
type Step struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	// Seq is the creation order within the run; DependsOn only references lower Seq.
	Seq          int            `json:"seq"`
	Name         string         `json:"name"`
	Tool         string         `json:"tool"`
	DependsOn    []string       `json:"depends_on"`
	State        StepState      `json:"state"`
	Attempt      int            `json:"attempt"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	Args         map[string]any `json:"args,omitempty"`
	ResultRef    string         `json:"result_ref,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Approval is the gating decision record for a blocked step.
type Approval struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Status    ApprovalStatus `json:"status"`
	Reason    string         `json:"reason"`
	DecidedBy string         `json:"decided_by,omitempty"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCall is the append-only audit record of one execution attempt.
type ToolCall struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Attempt   int            `json:"attempt"`
	Connector string         `json:"connector"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Status    ToolCallStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is one entry of a run's timeline. ID increases monotonically
// across the store and is used for resumable tailing.
type Event struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Type       EventType      `json:"type"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Args = cloneMap(s.Args)
	return &c
}

// Clone returns a deep copy of the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	c := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the tool call.
func (tc *ToolCall) Clone() *ToolCall {
	if tc == nil {
		return nil
	}
	c := *tc
	c.Args = cloneMap(tc.Args)
	c.Result = cloneMap(tc.Result)
	return &c
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneMap(e.Payload)
	return &c
}

// cloneMap copies the top level only; nested values are treated as immutable.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
