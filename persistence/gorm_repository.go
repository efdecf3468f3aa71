package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/gateflow/internal/database"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// transactRetries 死锁或序列化失败时整个事务的最大执行次数
const transactRetries = 3

// GormRepository 是 workflow.Repository 的关系型实现（PostgreSQL / MySQL / SQLite）。
//
// 审批与步骤的 CAS 通过 UPDATE ... WHERE id = ? AND status/state = ? 加
// RowsAffected 实现。事件 ID 来自 timeline_events 的自增主键：自增值在 INSERT
// 时分配而非提交时，所以追加事件前先锁住 run 行，同一 run 的事件按 ID 顺序可见。
// SQLite 只有一个写者，不需要行锁。
type GormRepository struct {
	db   *gorm.DB
	pool *database.PoolManager
	inTx bool
}

var _ workflow.Repository = (*GormRepository)(nil)

// NewGormRepository wraps a ready *gorm.DB. Transactions are not retried.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// NewPooledRepository uses the pool's retrying transactions.
func NewPooledRepository(pool *database.PoolManager) *GormRepository {
	return &GormRepository{db: pool.DB(), pool: pool}
}

// AutoMigrate creates the tables from the models. Production deployments
// use the versioned migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}

// Transact implements workflow.Repository. Nested calls join the outer transaction.
func (r *GormRepository) Transact(ctx context.Context, fn func(tx workflow.Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	run := func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx, inTx: true})
	}
	if r.pool != nil {
		return r.pool.WithTransactionRetry(ctx, transactRetries, run)
	}
	return r.db.WithContext(ctx).Transaction(run)
}

func (r *GormRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// rowLocks reports whether the dialect supports SELECT ... FOR UPDATE.
func (r *GormRepository) rowLocks() bool {
	return r.db.Dialector.Name() != "sqlite"
}

// =============================================================================
// Runs
// =============================================================================

func (r *GormRepository) CreateRun(ctx context.Context, run *workflow.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if err := r.conn(ctx).Create(fromRun(run)).Error; err != nil {
		return translate(err, "run", run.ID)
	}
	return nil
}

func (r *GormRepository) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	var m runModel
	if err := r.conn(ctx).Where("id = ?", runID).Take(&m).Error; err != nil {
		return nil, translate(err, "run", runID)
	}
	return m.toDomain(), nil
}

func (r *GormRepository) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	q := r.conn(ctx).Model(&runModel{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", filter.States)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []runModel
	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.Run, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (r *GormRepository) UpdateRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = time.Now().UTC()
	res := r.conn(ctx).Model(&runModel{}).Where("id = ?", run.ID).Updates(map[string]any{
		"state":      run.State,
		"risk_level": run.RiskLevel,
		"intent":     run.Intent,
		"updated_at": run.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFound("run", run.ID)
	}
	return nil
}

// LockRun implements workflow.Repository.
func (r *GormRepository) LockRun(ctx context.Context, runID string) error {
	q := r.conn(ctx).Model(&runModel{}).Select("id").Where("id = ?", runID)
	if r.inTx && r.rowLocks() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m runModel
	if err := q.Take(&m).Error; err != nil {
		return translate(err, "run", runID)
	}
	return nil
}

// =============================================================================
// Steps
// =============================================================================

func (r *GormRepository) CreateStep(ctx context.Context, step *workflow.Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	var runs int64
	if err := r.conn(ctx).Model(&runModel{}).Where("id = ?", step.RunID).Count(&runs).Error; err != nil {
		return err
	}
	if runs == 0 {
		return types.NotFound("run", step.RunID)
	}

	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now
	if err := r.conn(ctx).Create(fromStep(step)).Error; err != nil {
		return translate(err, "step", step.ID)
	}
	return nil
}

func (r *GormRepository) GetStep(ctx context.Context, stepID string) (*workflow.Step, error) {
	var m stepModel
	if err := r.conn(ctx).Where("id = ?", stepID).Take(&m).Error; err != nil {
		return nil, translate(err, "step", stepID)
	}
	return m.toDomain(), nil
}

func (r *GormRepository) ListSteps(ctx context.Context, runID string) ([]*workflow.Step, error) {
	var models []stepModel
	if err := r.conn(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.Step, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (r *GormRepository) UpdateStep(ctx context.Context, step *workflow.Step) error {
	step.UpdatedAt = time.Now().UTC()
	m := fromStep(step)
	res := r.conn(ctx).Model(&stepModel{}).Where("id = ?", step.ID).
		Select("state", "attempt", "args", "result_ref", "error_message", "updated_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFound("step", step.ID)
	}
	return nil
}

// SwapStep 仅当库中状态仍为 expected 时写入
func (r *GormRepository) SwapStep(ctx context.Context, step *workflow.Step, expected workflow.StepState) error {
	updatedAt := time.Now().UTC()
	m := fromStep(step)
	m.UpdatedAt = updatedAt
	res := r.conn(ctx).Model(&stepModel{}).Where("id = ? AND state = ?", step.ID, expected).
		Select("state", "attempt", "args", "result_ref", "error_message", "updated_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		step.UpdatedAt = updatedAt
		return nil
	}

	current, err := r.GetStep(ctx, step.ID)
	if err != nil {
		return err
	}
	return types.InvalidTransition("step", step.ID, current.State, step.State)
}

// =============================================================================
// Approvals
// =============================================================================

func (r *GormRepository) CreateApproval(ctx context.Context, approval *workflow.Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	if err := r.conn(ctx).Create(fromApproval(approval)).Error; err != nil {
		return translate(err, "approval", approval.ID)
	}
	return nil
}

func (r *GormRepository) GetApproval(ctx context.Context, approvalID string) (*workflow.Approval, error) {
	var m approvalModel
	if err := r.conn(ctx).Where("id = ?", approvalID).Take(&m).Error; err != nil {
		return nil, translate(err, "approval", approvalID)
	}
	return m.toDomain(), nil
}

func (r *GormRepository) OpenApproval(ctx context.Context, stepID string) (*workflow.Approval, error) {
	var m approvalModel
	err := r.conn(ctx).
		Where("step_id = ? AND status = ?", stepID, workflow.ApprovalRequired).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "no open approval for step: %s", stepID)
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (r *GormRepository) ListApprovals(ctx context.Context, runID string, status workflow.ApprovalStatus) ([]*workflow.Approval, error) {
	q := r.conn(ctx).Where("run_id = ?", runID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var models []approvalModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.Approval, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// SwapApproval 仅当库中状态仍为 expected 时写入
func (r *GormRepository) SwapApproval(ctx context.Context, approval *workflow.Approval, expected workflow.ApprovalStatus) error {
	res := r.conn(ctx).Model(&approvalModel{}).
		Where("id = ? AND status = ?", approval.ID, expected).
		Updates(map[string]any{
			"status":     approval.Status,
			"reason":     approval.Reason,
			"decided_by": approval.DecidedBy,
			"decided_at": approval.DecidedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.GetApproval(ctx, approval.ID)
	if err != nil {
		return err
	}
	return types.InvalidTransition("approval", approval.ID, current.Status, approval.Status)
}

// =============================================================================
// Tool calls & events
// =============================================================================

func (r *GormRepository) AppendToolCall(ctx context.Context, call *workflow.ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	if err := r.conn(ctx).Create(fromToolCall(call)).Error; err != nil {
		return translate(err, "tool call", call.ID)
	}
	return nil
}

func (r *GormRepository) ListToolCalls(ctx context.Context, stepID string) ([]*workflow.ToolCall, error) {
	var models []toolCallModel
	if err := r.conn(ctx).Where("step_id = ?", stepID).Order("attempt ASC, created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.ToolCall, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (r *GormRepository) AppendEvent(ctx context.Context, event *workflow.Event) error {
	if r.rowLocks() {
		if !r.inTx {
			return r.Transact(ctx, func(tx workflow.Repository) error { return tx.AppendEvent(ctx, event) })
		}
		if err := r.LockRun(ctx, event.RunID); err != nil {
			return err
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m := fromEvent(event)
	if err := r.conn(ctx).Create(m).Error; err != nil {
		return err
	}
	event.ID = m.ID
	return nil
}

func (r *GormRepository) EventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]*workflow.Event, error) {
	q := r.conn(ctx).Where("run_id = ? AND id > ?", runID, afterID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []eventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.Event, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// translate 把 GORM 的记录不存在、主键冲突映射为统一错误码
func translate(err error, kind, id string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return types.NotFound(kind, id)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return types.Errorf(types.ErrConflict, "%s already exists: %s", kind, id).WithCause(err)
	default:
		return err
	}
}

// isUniqueViolation 兜底识别未被 TranslateError 转换的驱动错误
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
