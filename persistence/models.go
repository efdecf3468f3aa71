package persistence

import (
	"time"

	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// 🗃️ GORM 表模型
// =============================================================================
// 表结构与 internal/migration/migrations 下的 SQL 保持一致；
// 测试环境用 AutoMigrate 从这些模型建表。

type runModel struct {
	ID        string             `gorm:"primaryKey;size:64"`
	UserID    string             `gorm:"size:255;not null;index"`
	Intent    string             `gorm:"type:text;not null"`
	State     workflow.RunState  `gorm:"size:32;not null;index"`
	RiskLevel workflow.RiskLevel `gorm:"size:8;not null"`
	CreatedAt time.Time          `gorm:"not null"`
	UpdatedAt time.Time          `gorm:"not null"`
}

func (runModel) TableName() string { return "runs" }

type stepModel struct {
	ID           string             `gorm:"primaryKey;size:64"`
	RunID        string             `gorm:"size:64;not null;index:idx_steps_run_seq,priority:1"`
	Seq          int                `gorm:"not null;index:idx_steps_run_seq,priority:2"`
	Name         string             `gorm:"size:255;not null"`
	Tool         string             `gorm:"size:255;not null"`
	DependsOn    []string           `gorm:"serializer:json;not null"`
	State        workflow.StepState `gorm:"size:32;not null"`
	Attempt      int                `gorm:"not null;default:0"`
	RiskLevel    workflow.RiskLevel `gorm:"size:8;not null"`
	Args         map[string]any     `gorm:"serializer:json"`
	ResultRef    string             `gorm:"type:text"`
	ErrorMessage string             `gorm:"type:text"`
	CreatedAt    time.Time          `gorm:"not null"`
	UpdatedAt    time.Time          `gorm:"not null"`
}

func (stepModel) TableName() string { return "steps" }

type approvalModel struct {
	ID        string                  `gorm:"primaryKey;size:64"`
	RunID     string                  `gorm:"size:64;not null;index"`
	StepID    string                  `gorm:"size:64;not null;index:idx_approvals_step_status,priority:1"`
	Status    workflow.ApprovalStatus `gorm:"size:16;not null;index:idx_approvals_step_status,priority:2"`
	Reason    string                  `gorm:"type:text;not null"`
	DecidedBy string                  `gorm:"size:255"`
	DecidedAt *time.Time              `gorm:"column:decided_at"`
	CreatedAt time.Time               `gorm:"not null"`
}

func (approvalModel) TableName() string { return "approvals" }

type toolCallModel struct {
	ID        string                  `gorm:"primaryKey;size:64"`
	RunID     string                  `gorm:"size:64;not null"`
	StepID    string                  `gorm:"size:64;not null;index"`
	Attempt   int                     `gorm:"not null"`
	Connector string                  `gorm:"size:255;not null"`
	Action    string                  `gorm:"size:255;not null"`
	Args      map[string]any          `gorm:"serializer:json"`
	Result    map[string]any          `gorm:"serializer:json"`
	Status    workflow.ToolCallStatus `gorm:"size:16;not null"`
	CreatedAt time.Time               `gorm:"not null"`
}

func (toolCallModel) TableName() string { return "tool_calls" }

type eventModel struct {
	ID         int64              `gorm:"primaryKey;autoIncrement"`
	RunID      string             `gorm:"size:64;not null;index:idx_timeline_events_run_id,priority:1"`
	StepID     string             `gorm:"size:64"`
	ApprovalID string             `gorm:"size:64"`
	Type       workflow.EventType `gorm:"size:32;not null"`
	Message    string             `gorm:"type:text;not null"`
	Payload    map[string]any     `gorm:"serializer:json"`
	CreatedAt  time.Time          `gorm:"not null"`
}

func (eventModel) TableName() string { return "timeline_events" }

func allModels() []any {
	return []any{&runModel{}, &stepModel{}, &approvalModel{}, &toolCallModel{}, &eventModel{}}
}

// =============================================================================
// 🔁 领域对象 ↔ 表模型
// =============================================================================

func fromRun(r *workflow.Run) *runModel {
	return &runModel{
		ID:        r.ID,
		UserID:    r.UserID,
		Intent:    r.Intent,
		State:     r.State,
		RiskLevel: r.RiskLevel,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (m *runModel) toDomain() *workflow.Run {
	return &workflow.Run{
		ID:        m.ID,
		UserID:    m.UserID,
		Intent:    m.Intent,
		State:     m.State,
		RiskLevel: m.RiskLevel,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fromStep(s *workflow.Step) *stepModel {
	deps := s.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return &stepModel{
		ID:           s.ID,
		RunID:        s.RunID,
		Seq:          s.Seq,
		Name:         s.Name,
		Tool:         s.Tool,
		DependsOn:    deps,
		State:        s.State,
		Attempt:      s.Attempt,
		RiskLevel:    s.RiskLevel,
		Args:         s.Args,
		ResultRef:    s.ResultRef,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (m *stepModel) toDomain() *workflow.Step {
	var deps []string
	if len(m.DependsOn) > 0 {
		deps = m.DependsOn
	}
	return &workflow.Step{
		ID:           m.ID,
		RunID:        m.RunID,
		Seq:          m.Seq,
		Name:         m.Name,
		Tool:         m.Tool,
		DependsOn:    deps,
		State:        m.State,
		Attempt:      m.Attempt,
		RiskLevel:    m.RiskLevel,
		Args:         m.Args,
		ResultRef:    m.ResultRef,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fromApproval(a *workflow.Approval) *approvalModel {
	return &approvalModel{
		ID:        a.ID,
		RunID:     a.RunID,
		StepID:    a.StepID,
		Status:    a.Status,
		Reason:    a.Reason,
		DecidedBy: a.DecidedBy,
		DecidedAt: a.DecidedAt,
		CreatedAt: a.CreatedAt,
	}
}

func (m *approvalModel) toDomain() *workflow.Approval {
	return &workflow.Approval{
		ID:        m.ID,
		RunID:     m.RunID,
		StepID:    m.StepID,
		Status:    m.Status,
		Reason:    m.Reason,
		DecidedBy: m.DecidedBy,
		DecidedAt: m.DecidedAt,
		CreatedAt: m.CreatedAt,
	}
}

func fromToolCall(c *workflow.ToolCall) *toolCallModel {
	return &toolCallModel{
		ID:        c.ID,
		RunID:     c.RunID,
		StepID:    c.StepID,
		Attempt:   c.Attempt,
		Connector: c.Connector,
		Action:    c.Action,
		Args:      c.Args,
		Result:    c.Result,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
	}
}

func (m *toolCallModel) toDomain() *workflow.ToolCall {
	return &workflow.ToolCall{
		ID:        m.ID,
		RunID:     m.RunID,
		StepID:    m.StepID,
		Attempt:   m.Attempt,
		Connector: m.Connector,
		Action:    m.Action,
		Args:      m.Args,
		Result:    m.Result,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

func fromEvent(e *workflow.Event) *eventModel {
	return &eventModel{
		RunID:      e.RunID,
		StepID:     e.StepID,
		ApprovalID: e.ApprovalID,
		Type:       e.Type,
		Message:    e.Message,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

func (m *eventModel) toDomain() *workflow.Event {
	return &workflow.Event{
		ID:         m.ID,
		RunID:      m.RunID,
		StepID:     m.StepID,
		ApprovalID: m.ApprovalID,
		Type:       m.Type,
		Message:    m.Message,
		Payload:    m.Payload,
		CreatedAt:  m.CreatedAt,
	}
}
