package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// 内存库每个连接独立，限制为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

// repositories 让同一组行为测试同时覆盖内存实现与 GORM 实现
func repositories(t *testing.T) map[string]workflow.Repository {
	return map[string]workflow.Repository{
		"memory": workflow.NewMemoryRepository(),
		"gorm":   NewGormRepository(setupTestDB(t)),
	}
}

func seedRun(t *testing.T, repo workflow.Repository, userID string) *workflow.Run {
	t.Helper()
	run := &workflow.Run{UserID: userID, Intent: "intent", State: workflow.RunStatePlanning, RiskLevel: workflow.RiskL0}
	require.NoError(t, repo.CreateRun(context.Background(), run))
	return run
}

func TestRepository_Runs(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := seedRun(t, repo, "alice")
			require.NotEmpty(t, run.ID)

			got, err := repo.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, workflow.RunStatePlanning, got.State)

			_, err = repo.GetRun(ctx, "missing")
			assert.True(t, types.IsCode(err, types.ErrNotFound))

			dup := &workflow.Run{ID: run.ID, UserID: "x", Intent: "y", State: workflow.RunStateQueued, RiskLevel: workflow.RiskL0}
			assert.True(t, types.IsCode(repo.CreateRun(ctx, dup), types.ErrConflict))

			got.State = workflow.RunStateExecuting
			require.NoError(t, repo.UpdateRun(ctx, got))
			again, err := repo.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.RunStateExecuting, again.State)

			assert.True(t, types.IsCode(repo.UpdateRun(ctx, &workflow.Run{ID: "missing"}), types.ErrNotFound))
		})
	}
}

func TestRepository_ListRuns(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)
			for i, user := range []string{"a", "b", "a"} {
				run := &workflow.Run{
					UserID:    user,
					Intent:    "i",
					State:     workflow.RunStatePlanning,
					RiskLevel: workflow.RiskL0,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, repo.CreateRun(ctx, run))
			}

			runs, err := repo.ListRuns(ctx, workflow.RunFilter{UserID: "a"})
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt), "newest first")

			runs, err = repo.ListRuns(ctx, workflow.RunFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, runs, 1)

			runs, err = repo.ListRuns(ctx, workflow.RunFilter{States: []workflow.RunState{workflow.RunStateCompleted}})
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestRepository_Steps(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := seedRun(t, repo, "u")

			second := &workflow.Step{RunID: run.ID, Seq: 1, Name: "b", Tool: "t", State: workflow.StepStatePending, RiskLevel: workflow.RiskL3}
			first := &workflow.Step{RunID: run.ID, Seq: 0, Name: "a", Tool: "t", State: workflow.StepStatePending, RiskLevel: workflow.RiskL0,
				Args: map[string]any{"query": "backend"}}
			require.NoError(t, repo.CreateStep(ctx, first))
			second.DependsOn = []string{first.ID}
			require.NoError(t, repo.CreateStep(ctx, second))

			err := repo.CreateStep(ctx, &workflow.Step{RunID: "missing", Name: "x", Tool: "t", State: workflow.StepStatePending, RiskLevel: workflow.RiskL0})
			assert.True(t, types.IsCode(err, types.ErrNotFound))

			steps, err := repo.ListSteps(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, "a", steps[0].Name)
			assert.Empty(t, steps[0].DependsOn)
			assert.Equal(t, map[string]any{"query": "backend"}, steps[0].Args)
			assert.Equal(t, []string{first.ID}, steps[1].DependsOn)

			steps[1].State = workflow.StepStateFailed
			steps[1].Attempt = 3
			steps[1].ErrorMessage = "boom"
			require.NoError(t, repo.UpdateStep(ctx, steps[1]))
			got, err := repo.GetStep(ctx, second.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.StepStateFailed, got.State)
			assert.Equal(t, 3, got.Attempt)
			assert.Equal(t, "boom", got.ErrorMessage)

			assert.True(t, types.IsCode(repo.UpdateStep(ctx, &workflow.Step{ID: "missing"}), types.ErrNotFound))
		})
	}
}

func TestRepository_StepSwap(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := seedRun(t, repo, "u")
			step := &workflow.Step{RunID: run.ID, Name: "s", Tool: "t", State: workflow.StepStateReady, RiskLevel: workflow.RiskL0}
			require.NoError(t, repo.CreateStep(ctx, step))
			require.NoError(t, repo.LockRun(ctx, run.ID))
			assert.True(t, types.IsCode(repo.LockRun(ctx, "missing"), types.ErrNotFound))

			running := *step
			running.State = workflow.StepStateRunning
			running.Attempt = 1
			require.NoError(t, repo.SwapStep(ctx, &running, workflow.StepStateReady))

			// 第二个执行者基于旧快照的写入被拒绝
			stale := *step
			stale.State = workflow.StepStateRunning
			stale.Attempt = 1
			err := repo.SwapStep(ctx, &stale, workflow.StepStateReady)
			assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

			got, err := repo.GetStep(ctx, step.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.StepStateRunning, got.State)
			assert.Equal(t, 1, got.Attempt)

			err = repo.SwapStep(ctx, &workflow.Step{ID: "missing", State: workflow.StepStateRunning}, workflow.StepStateReady)
			assert.True(t, types.IsCode(err, types.ErrNotFound))
		})
	}
}

func TestRepository_ApprovalSwap(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := seedRun(t, repo, "u")
			step := &workflow.Step{RunID: run.ID, Name: "s", Tool: "t", State: workflow.StepStateBlocked, RiskLevel: workflow.RiskL3}
			require.NoError(t, repo.CreateStep(ctx, step))

			_, err := repo.OpenApproval(ctx, step.ID)
			assert.True(t, types.IsCode(err, types.ErrNotFound))

			approval := &workflow.Approval{RunID: run.ID, StepID: step.ID, Status: workflow.ApprovalRequired, Reason: "r"}
			require.NoError(t, repo.CreateApproval(ctx, approval))

			open, err := repo.OpenApproval(ctx, step.ID)
			require.NoError(t, err)
			assert.Equal(t, approval.ID, open.ID)

			now := time.Now().UTC()
			open.Status = workflow.ApprovalApproved
			open.DecidedBy = "ops"
			open.DecidedAt = &now
			require.NoError(t, repo.SwapApproval(ctx, open, workflow.ApprovalRequired))

			late := *open
			late.Status = workflow.ApprovalRejected
			err = repo.SwapApproval(ctx, &late, workflow.ApprovalRequired)
			assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

			stored, err := repo.GetApproval(ctx, approval.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.ApprovalApproved, stored.Status)
			assert.Equal(t, "ops", stored.DecidedBy)
			require.NotNil(t, stored.DecidedAt)

			_, err = repo.OpenApproval(ctx, step.ID)
			assert.True(t, types.IsCode(err, types.ErrNotFound))

			all, err := repo.ListApprovals(ctx, run.ID, "")
			require.NoError(t, err)
			assert.Len(t, all, 1)
			required, err := repo.ListApprovals(ctx, run.ID, workflow.ApprovalRequired)
			require.NoError(t, err)
			assert.Empty(t, required)

			err = repo.SwapApproval(ctx, &workflow.Approval{ID: "missing", Status: workflow.ApprovalApproved}, workflow.ApprovalRequired)
			assert.True(t, types.IsCode(err, types.ErrNotFound))
		})
	}
}

func TestRepository_ToolCallsAndEvents(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := seedRun(t, repo, "u")
			other := seedRun(t, repo, "u")
			step := &workflow.Step{RunID: run.ID, Name: "s", Tool: "t", State: workflow.StepStateRunning, RiskLevel: workflow.RiskL0}
			require.NoError(t, repo.CreateStep(ctx, step))

			for attempt := 1; attempt <= 2; attempt++ {
				require.NoError(t, repo.AppendToolCall(ctx, &workflow.ToolCall{
					RunID: run.ID, StepID: step.ID, Attempt: attempt,
					Connector: "t", Action: "s", Status: workflow.ToolCallFailed,
					Result: map[string]any{"error": "boom"},
				}))
			}
			calls, err := repo.ListToolCalls(ctx, step.ID)
			require.NoError(t, err)
			require.Len(t, calls, 2)
			assert.Equal(t, 1, calls[0].Attempt)
			assert.Equal(t, "boom", calls[1].Result["error"])

			var ids []int64
			for i, runID := range []string{run.ID, other.ID, run.ID, run.ID} {
				e := &workflow.Event{RunID: runID, Type: workflow.EventStepReady, Message: "m", Payload: map[string]any{"i": "x"}}
				require.NoError(t, repo.AppendEvent(ctx, e), i)
				ids = append(ids, e.ID)
			}
			for i := 1; i < len(ids); i++ {
				assert.Greater(t, ids[i], ids[i-1], "event ids increase")
			}

			events, err := repo.EventsAfter(ctx, run.ID, 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, ids[0], events[0].ID)

			events, err = repo.EventsAfter(ctx, run.ID, ids[0], 1)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, ids[2], events[0].ID)
		})
	}
}

func TestRepository_TransactRollback(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var runID string
			boom := errors.New("boom")

			err := repo.Transact(ctx, func(tx workflow.Repository) error {
				run := &workflow.Run{UserID: "u", Intent: "i", State: workflow.RunStateQueued, RiskLevel: workflow.RiskL0}
				if err := tx.CreateRun(ctx, run); err != nil {
					return err
				}
				runID = run.ID
				if err := tx.AppendEvent(ctx, &workflow.Event{RunID: run.ID, Type: workflow.EventWorkflowStarted, Message: "m"}); err != nil {
					return err
				}
				// 嵌套调用并入外层事务
				return tx.Transact(ctx, func(workflow.Repository) error { return boom })
			})
			require.ErrorIs(t, err, boom)

			_, err = repo.GetRun(ctx, runID)
			assert.True(t, types.IsCode(err, types.ErrNotFound))
			events, err := repo.EventsAfter(ctx, runID, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

// TestGormRepository_SwapApprovalSQL 验证 CAS 落在带状态条件的 UPDATE 上
func TestGormRepository_SwapApprovalSQL(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE "approvals" SET .* WHERE id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SwapApproval(context.Background(),
		&workflow.Approval{ID: "a1", Status: workflow.ApprovalApproved, DecidedBy: "ops"},
		workflow.ApprovalRequired)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newMockRepository(t *testing.T) (*GormRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewGormRepository(db), mock
}

// TestGormRepository_SwapStepSQL 验证 step 写入以期望状态为条件
func TestGormRepository_SwapStepSQL(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE "steps" SET .* WHERE id = \$\d+ AND state = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SwapStep(context.Background(),
		&workflow.Step{ID: "s1", RunID: "r1", State: workflow.StepStateRunning, Attempt: 1},
		workflow.StepStateReady)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGormRepository_AppendEventLocksRun 验证事件插入前先锁定所属 run 行，
// 使同一 run 的事件 ID 按提交顺序可见
func TestGormRepository_AppendEventLocksRun(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "runs" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery(`INSERT INTO "timeline_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	event := &workflow.Event{RunID: "r1", Type: workflow.EventStepReady, Message: "m"}
	require.NoError(t, repo.AppendEvent(context.Background(), event))
	assert.Equal(t, int64(7), event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGormRepository_EndToEnd 在 SQLite 上跑完整的审批工作流
func TestGormRepository_EndToEnd(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	logger := zap.NewNop()
	ctx := context.Background()

	registry := workflow.NewRegistry()
	gate := workflow.NewRiskGate(repo, nil, logger)
	executor := workflow.NewExecutor(repo, registry, workflow.DefaultMaxAttempts, logger)
	aggregator := workflow.NewAggregator(repo, logger)
	scheduler := workflow.NewScheduler(repo, gate, workflow.NewDirectDispatcher(executor), aggregator,
		workflow.SchedulerConfig{Interval: 10 * time.Millisecond, MaxRounds: 50}, logger)
	defer func() { _ = scheduler.Shutdown(ctx) }()

	run, err := workflow.NewOrchestrator(repo, nil, logger).Submit(ctx, "user-1", "apply to jobs")
	require.NoError(t, err)

	// 第一轮只执行 L0 的 job_search
	report, err := scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, report.Dispatched, 1)

	// cv_tailor (L1) 执行后 job_submit (L3) 被拦截
	_, err = scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	report, err = scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, report.Blocked, 1)
	assert.Equal(t, workflow.RunStateWaitingApproval, report.State)

	approvals, err := repo.ListApprovals(ctx, run.ID, workflow.ApprovalRequired)
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	// 并发审批只有一个成功
	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = gate.Approve(ctx, approvals[0].ID, "alice")
	}()
	go func() {
		defer wg.Done()
		_, results[1] = gate.Reject(ctx, approvals[0].ID, "bob", "no")
	}()
	wg.Wait()
	assert.True(t, (results[0] == nil) != (results[1] == nil), "exactly one decision wins")

	scheduler.Start(run.ID)
	require.NoError(t, scheduler.Wait(ctx, run.ID))

	final, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStateCompleted, final.State)

	events, err := repo.EventsAfter(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, workflow.EventWorkflowCompleted, events[len(events)-1].Type)
}
