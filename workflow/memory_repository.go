package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/gateflow/types"
)

// MemoryRepository 是 Repository 的内存实现，适用于开发、测试和单进程部署。
// 所有操作串行执行；Transact 记录被修改键的旧值，出错时按逆序撤销。
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	runs      map[string]*Run
	steps     map[string]*Step
	approvals map[string]*Approval
	toolCalls []*ToolCall
	events    []*Event
	nextEvent int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		runs:      make(map[string]*Run),
		steps:     make(map[string]*Step),
		approvals: make(map[string]*Approval),
	}
}

// Transact implements Repository.
func (m *MemoryRepository) Transact(ctx context.Context, fn func(tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{state: m.state, journaled: true}
	calls, events := len(m.state.toolCalls), len(m.state.events)
	if err := fn(tx); err != nil {
		tx.rollback()
		// 事件 ID 不回收，与数据库序列一致
		m.state.toolCalls = m.state.toolCalls[:calls]
		m.state.events = m.state.events[:events]
		return err
	}
	return nil
}

// with runs a single operation under the lock.
func (m *MemoryRepository) with(fn func(tx *memoryTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{state: m.state})
}

func (m *MemoryRepository) CreateRun(ctx context.Context, run *Run) error {
	return m.with(func(tx *memoryTx) error { return tx.CreateRun(ctx, run) })
}

func (m *MemoryRepository) GetRun(ctx context.Context, runID string) (run *Run, err error) {
	err = m.with(func(tx *memoryTx) error { run, err = tx.GetRun(ctx, runID); return err })
	return run, err
}

func (m *MemoryRepository) ListRuns(ctx context.Context, filter RunFilter) (runs []*Run, err error) {
	err = m.with(func(tx *memoryTx) error { runs, err = tx.ListRuns(ctx, filter); return err })
	return runs, err
}

func (m *MemoryRepository) UpdateRun(ctx context.Context, run *Run) error {
	return m.with(func(tx *memoryTx) error { return tx.UpdateRun(ctx, run) })
}

func (m *MemoryRepository) CreateStep(ctx context.Context, step *Step) error {
	return m.with(func(tx *memoryTx) error { return tx.CreateStep(ctx, step) })
}

func (m *MemoryRepository) GetStep(ctx context.Context, stepID string) (step *Step, err error) {
	err = m.with(func(tx *memoryTx) error { step, err = tx.GetStep(ctx, stepID); return err })
	return step, err
}

func (m *MemoryRepository) ListSteps(ctx context.Context, runID string) (steps []*Step, err error) {
	err = m.with(func(tx *memoryTx) error { steps, err = tx.ListSteps(ctx, runID); return err })
	return steps, err
}

func (m *MemoryRepository) UpdateStep(ctx context.Context, step *Step) error {
	return m.with(func(tx *memoryTx) error { return tx.UpdateStep(ctx, step) })
}

func (m *MemoryRepository) SwapStep(ctx context.Context, step *Step, expected StepState) error {
	return m.with(func(tx *memoryTx) error { return tx.SwapStep(ctx, step, expected) })
}

func (m *MemoryRepository) LockRun(ctx context.Context, runID string) error {
	return m.with(func(tx *memoryTx) error { return tx.LockRun(ctx, runID) })
}

func (m *MemoryRepository) CreateApproval(ctx context.Context, approval *Approval) error {
	return m.with(func(tx *memoryTx) error { return tx.CreateApproval(ctx, approval) })
}

func (m *MemoryRepository) GetApproval(ctx context.Context, approvalID string) (a *Approval, err error) {
	err = m.with(func(tx *memoryTx) error { a, err = tx.GetApproval(ctx, approvalID); return err })
	return a, err
}

func (m *MemoryRepository) OpenApproval(ctx context.Context, stepID string) (a *Approval, err error) {
	err = m.with(func(tx *memoryTx) error { a, err = tx.OpenApproval(ctx, stepID); return err })
	return a, err
}

func (m *MemoryRepository) ListApprovals(ctx context.Context, runID string, status ApprovalStatus) (out []*Approval, err error) {
	err = m.with(func(tx *memoryTx) error { out, err = tx.ListApprovals(ctx, runID, status); return err })
	return out, err
}

func (m *MemoryRepository) SwapApproval(ctx context.Context, approval *Approval, expected ApprovalStatus) error {
	return m.with(func(tx *memoryTx) error { return tx.SwapApproval(ctx, approval, expected) })
}

func (m *MemoryRepository) AppendToolCall(ctx context.Context, call *ToolCall) error {
	return m.with(func(tx *memoryTx) error { return tx.AppendToolCall(ctx, call) })
}

func (m *MemoryRepository) ListToolCalls(ctx context.Context, stepID string) (out []*ToolCall, err error) {
	err = m.with(func(tx *memoryTx) error { out, err = tx.ListToolCalls(ctx, stepID); return err })
	return out, err
}

func (m *MemoryRepository) AppendEvent(ctx context.Context, event *Event) error {
	return m.with(func(tx *memoryTx) error { return tx.AppendEvent(ctx, event) })
}

func (m *MemoryRepository) EventsAfter(ctx context.Context, runID string, afterID int64, limit int) (out []*Event, err error) {
	err = m.with(func(tx *memoryTx) error { out, err = tx.EventsAfter(ctx, runID, afterID, limit); return err })
	return out, err
}

// =============================================================================
// memoryTx operates on the state with the lock already held.
// =============================================================================

type memoryTx struct {
	state     *memoryState
	journaled bool
	undo      []func()
}

// journal remembers the current value of key so rollback can restore it.
func journal[V any](tx *memoryTx, m map[string]V, key string) {
	if !tx.journaled {
		return
	}
	prev, existed := m[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// Transact flattens nested transactions into the enclosing one.
func (tx *memoryTx) Transact(ctx context.Context, fn func(tx Repository) error) error {
	return fn(tx)
}

func (tx *memoryTx) CreateRun(_ context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := tx.state.runs[run.ID]; exists {
		return types.Errorf(types.ErrConflict, "run already exists: %s", run.ID)
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	journal(tx, tx.state.runs, run.ID)
	tx.state.runs[run.ID] = run.Clone()
	return nil
}

func (tx *memoryTx) GetRun(_ context.Context, runID string) (*Run, error) {
	run, ok := tx.state.runs[runID]
	if !ok {
		return nil, types.NotFound("run", runID)
	}
	return run.Clone(), nil
}

func (tx *memoryTx) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	out := make([]*Run, 0)
	for _, run := range tx.state.runs {
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		if len(filter.States) > 0 && !containsRunState(filter.States, run.State) {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (tx *memoryTx) UpdateRun(_ context.Context, run *Run) error {
	if _, ok := tx.state.runs[run.ID]; !ok {
		return types.NotFound("run", run.ID)
	}
	run.UpdatedAt = time.Now()
	journal(tx, tx.state.runs, run.ID)
	tx.state.runs[run.ID] = run.Clone()
	return nil
}

func (tx *memoryTx) CreateStep(_ context.Context, step *Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if _, ok := tx.state.runs[step.RunID]; !ok {
		return types.NotFound("run", step.RunID)
	}
	if _, exists := tx.state.steps[step.ID]; exists {
		return types.Errorf(types.ErrConflict, "step already exists: %s", step.ID)
	}
	now := time.Now()
	step.CreatedAt = now
	step.UpdatedAt = now
	journal(tx, tx.state.steps, step.ID)
	tx.state.steps[step.ID] = step.Clone()
	return nil
}

func (tx *memoryTx) GetStep(_ context.Context, stepID string) (*Step, error) {
	step, ok := tx.state.steps[stepID]
	if !ok {
		return nil, types.NotFound("step", stepID)
	}
	return step.Clone(), nil
}

func (tx *memoryTx) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	out := make([]*Step, 0)
	for _, step := range tx.state.steps {
		if step.RunID == runID {
			out = append(out, step.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (tx *memoryTx) UpdateStep(_ context.Context, step *Step) error {
	if _, ok := tx.state.steps[step.ID]; !ok {
		return types.NotFound("step", step.ID)
	}
	step.UpdatedAt = time.Now()
	journal(tx, tx.state.steps, step.ID)
	tx.state.steps[step.ID] = step.Clone()
	return nil
}

func (tx *memoryTx) SwapStep(ctx context.Context, step *Step, expected StepState) error {
	current, ok := tx.state.steps[step.ID]
	if !ok {
		return types.NotFound("step", step.ID)
	}
	if current.State != expected {
		return types.InvalidTransition("step", step.ID, current.State, step.State)
	}
	return tx.UpdateStep(ctx, step)
}

// LockRun is an existence check; the repository mutex already serializes writers.
func (tx *memoryTx) LockRun(_ context.Context, runID string) error {
	if _, ok := tx.state.runs[runID]; !ok {
		return types.NotFound("run", runID)
	}
	return nil
}

func (tx *memoryTx) CreateApproval(_ context.Context, approval *Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if _, exists := tx.state.approvals[approval.ID]; exists {
		return types.Errorf(types.ErrConflict, "approval already exists: %s", approval.ID)
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now()
	}
	journal(tx, tx.state.approvals, approval.ID)
	tx.state.approvals[approval.ID] = approval.Clone()
	return nil
}

func (tx *memoryTx) GetApproval(_ context.Context, approvalID string) (*Approval, error) {
	a, ok := tx.state.approvals[approvalID]
	if !ok {
		return nil, types.NotFound("approval", approvalID)
	}
	return a.Clone(), nil
}

func (tx *memoryTx) OpenApproval(_ context.Context, stepID string) (*Approval, error) {
	for _, a := range tx.state.approvals {
		if a.StepID == stepID && a.Status == ApprovalRequired {
			return a.Clone(), nil
		}
	}
	return nil, types.Errorf(types.ErrNotFound, "no open approval for step: %s", stepID)
}

func (tx *memoryTx) ListApprovals(_ context.Context, runID string, status ApprovalStatus) ([]*Approval, error) {
	out := make([]*Approval, 0)
	for _, a := range tx.state.approvals {
		if a.RunID != runID || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryTx) SwapApproval(_ context.Context, approval *Approval, expected ApprovalStatus) error {
	current, ok := tx.state.approvals[approval.ID]
	if !ok {
		return types.NotFound("approval", approval.ID)
	}
	if current.Status != expected {
		return types.InvalidTransition("approval", approval.ID, current.Status, approval.Status)
	}
	journal(tx, tx.state.approvals, approval.ID)
	tx.state.approvals[approval.ID] = approval.Clone()
	return nil
}

func (tx *memoryTx) AppendToolCall(_ context.Context, call *ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	tx.state.toolCalls = append(tx.state.toolCalls, call.Clone())
	return nil
}

func (tx *memoryTx) ListToolCalls(_ context.Context, stepID string) ([]*ToolCall, error) {
	out := make([]*ToolCall, 0)
	for _, c := range tx.state.toolCalls {
		if c.StepID == stepID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, event *Event) error {
	tx.state.nextEvent++
	event.ID = tx.state.nextEvent
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	tx.state.events = append(tx.state.events, event.Clone())
	return nil
}

func (tx *memoryTx) EventsAfter(_ context.Context, runID string, afterID int64, limit int) ([]*Event, error) {
	out := make([]*Event, 0)
	for _, e := range tx.state.events {
		if e.RunID != runID || e.ID <= afterID {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func containsRunState(states []RunState, s RunState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
