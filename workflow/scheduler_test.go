package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/gateflow/types"
)

// scenarioA builds [S1 (L0), S2 (dep S1, L1), S3 (dep S2, L3)].
func scenarioA(t *testing.T, e *testEngine) (*Run, []*Step) {
	return e.realize(t,
		StepSpec{Name: "S1", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "S2", Tool: "t", RiskLevel: RiskL1, DependsOn: []int{0}},
		StepSpec{Name: "S3", Tool: "t", RiskLevel: RiskL3, DependsOn: []int{1}},
	)
}

func runScenarioA(t *testing.T, e *testEngine) (*Run, []*Step, *Approval) {
	t.Helper()
	run, steps := scenarioA(t, e)
	ctx := context.Background()

	r1, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{steps[0].ID}, r1.Candidates)
	assert.Equal(t, []string{steps[0].ID}, r1.Dispatched)
	assert.Equal(t, StepStateSucceeded, e.step(t, steps[0].ID).State)
	assert.Equal(t, StepStatePending, e.step(t, steps[1].ID).State)
	assert.Equal(t, RunStateExecuting, r1.State)

	r2, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{steps[1].ID}, r2.Dispatched)
	assert.Equal(t, StepStateSucceeded, e.step(t, steps[1].ID).State)

	r3, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{steps[2].ID}, r3.Blocked)
	assert.Empty(t, r3.Dispatched)
	assert.Equal(t, StepStateBlocked, e.step(t, steps[2].ID).State)
	assert.Equal(t, RunStateWaitingApproval, r3.State)
	assert.Equal(t, RunStateWaitingApproval, e.run(t, run.ID).State)

	approval, err := e.repo.OpenApproval(ctx, steps[2].ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRequired, approval.Status)
	return run, steps, approval
}

func TestScheduler_ScenarioA(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	run, steps, _ := runScenarioA(t, e)

	// further rounds while waiting do nothing new
	r, err := e.scheduler.Round(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Candidates)
	assert.Empty(t, r.Dispatched)
	assert.Equal(t, RunStateWaitingApproval, r.State)

	approvals, err := e.repo.ListApprovals(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Len(t, approvals, 1)
	assert.Equal(t, steps[2].ID, approvals[0].StepID)
}

func TestScheduler_ScenarioB_ApproveCompletes(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	run, steps, approval := runScenarioA(t, e)
	ctx := context.Background()

	_, err := e.gate.Approve(ctx, approval.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, StepStateReady, e.step(t, steps[2].ID).State)

	r, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{steps[2].ID}, r.Dispatched)
	assert.Equal(t, StepStateSucceeded, e.step(t, steps[2].ID).State)
	assert.Equal(t, RunStateCompleted, r.State)
	assert.Equal(t, RunStateCompleted, e.run(t, run.ID).State)

	events := e.events(t, run.ID)
	assert.Equal(t, EventWorkflowCompleted, events[len(events)-1].Type)
}

func TestScheduler_ScenarioC_RejectCompletes(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	run, steps, approval := runScenarioA(t, e)
	ctx := context.Background()

	_, err := e.gate.Reject(ctx, approval.ID, "operator", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StepStateSkipped, e.step(t, steps[2].ID).State)

	r, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Dispatched)
	assert.Equal(t, RunStateCompleted, r.State, "skip is not failure")

	calls, err := e.repo.ListToolCalls(ctx, steps[2].ID)
	require.NoError(t, err)
	assert.Empty(t, calls, "a rejected step never executes")
}

func TestScheduler_ScenarioD_ExhaustedRetriesFailRun(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	flaky := &flakyConnector{failures: 100}
	e.registry.Register("flaky", flaky)
	run, steps := e.realize(t,
		StepSpec{Name: "ok", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "flaky", Tool: "flaky", RiskLevel: RiskL0},
	)
	ctx := context.Background()

	var last *RoundReport
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.scheduler.Round(ctx, run.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, StepStateFailed, e.step(t, steps[1].ID).State)
	assert.Equal(t, StepStateSucceeded, e.step(t, steps[0].ID).State)
	assert.Equal(t, RunStateFailed, last.State)

	// the failed run is terminal: further rounds are idle
	r, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, r.Idle)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestScheduler_FailedStepWithPendingDependentStalls(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	e.registry.Register("flaky", &flakyConnector{failures: 100})
	run, steps := e.realize(t,
		StepSpec{Name: "flaky", Tool: "flaky", RiskLevel: RiskL0},
		StepSpec{Name: "after", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
	)
	ctx := context.Background()

	var last *RoundReport
	for i := 0; i < 4; i++ {
		var err error
		last, err = e.scheduler.Round(ctx, run.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, StepStateFailed, e.step(t, steps[0].ID).State)
	assert.Equal(t, StepStatePending, e.step(t, steps[1].ID).State)
	assert.Equal(t, RunStateExecuting, last.State)
}

func TestScheduler_CascadeSkip(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{CascadeSkip: true})
	e.registry.Register("flaky", &flakyConnector{failures: 100})
	run, steps := e.realize(t,
		StepSpec{Name: "flaky", Tool: "flaky", RiskLevel: RiskL0},
		StepSpec{Name: "child", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
		StepSpec{Name: "grandchild", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{1}},
	)
	ctx := context.Background()

	var last *RoundReport
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.scheduler.Round(ctx, run.ID)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, []string{steps[1].ID, steps[2].ID}, last.CascadeSkipped)
	assert.Equal(t, StepStateSkipped, e.step(t, steps[2].ID).State)
	assert.Equal(t, RunStateFailed, last.State)
}

func TestScheduler_RunLoopToCompletion(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{Interval: time.Millisecond, MaxRounds: 50})
	run, steps := e.realize(t,
		StepSpec{Name: "a", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "b", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
		StepSpec{Name: "c", Tool: "t", RiskLevel: RiskL1, DependsOn: []int{0}},
		StepSpec{Name: "d", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{1, 2}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.Run(ctx, run.ID))

	assert.Equal(t, RunStateCompleted, e.run(t, run.ID).State)
	for _, s := range steps {
		assert.Equal(t, StepStateSucceeded, e.step(t, s.ID).State)
	}
}

func TestScheduler_WatchdogExceeded(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{Interval: time.Millisecond, MaxRounds: 5})
	spy := newSpyRecorder()
	e.scheduler.WithRecorder(spy)
	run, _ := e.realize(t, StepSpec{Name: "risky", Tool: "t", RiskLevel: RiskL3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.scheduler.Run(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWatchdogExceeded))
	assert.Equal(t, RunStateWaitingApproval, e.run(t, run.ID).State, "run left in its last computed state")
	assert.Equal(t, 1, spy.watchdog)
	assert.Equal(t, 5, spy.rounds["ok"])
}

func TestScheduler_StartNotifyAfterApproval(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{Interval: time.Hour, MaxRounds: 100})
	run, steps := e.realize(t,
		StepSpec{Name: "prep", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "risky", Tool: "t", RiskLevel: RiskL2, DependsOn: []int{0}},
	)
	ctx := context.Background()

	e.scheduler.Start(run.ID)
	require.True(t, e.scheduler.Running(run.ID))

	// the hour-long interval only passes through Notify
	require.Eventually(t, func() bool {
		e.scheduler.Notify(run.ID)
		return e.run(t, run.ID).State == RunStateWaitingApproval
	}, 2*time.Second, 5*time.Millisecond)

	approval, err := e.repo.OpenApproval(ctx, steps[1].ID)
	require.NoError(t, err)
	_, err = e.gate.Approve(ctx, approval.ID, "op")
	require.NoError(t, err)
	e.scheduler.Start(run.ID)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.Wait(waitCtx, run.ID))
	assert.Equal(t, RunStateCompleted, e.run(t, run.ID).State)
	assert.False(t, e.scheduler.Running(run.ID))
}

func TestScheduler_CancelObservedAtRoundBoundary(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	e.registry.RegisterFunc("slow", func(ctx context.Context, _ *Step, _ map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	})
	run, steps := e.realize(t,
		StepSpec{Name: "slow", Tool: "slow", RiskLevel: RiskL0},
		StepSpec{Name: "next", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
	)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.scheduler.Round(ctx, run.ID)
		done <- err
	}()
	<-started

	_, err := e.orchestrator.Cancel(ctx, run.ID)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	// dispatched work is not rolled back
	assert.Equal(t, StepStateSucceeded, e.step(t, steps[0].ID).State)
	assert.Equal(t, StepStateSkipped, e.step(t, steps[1].ID).State)
	assert.Equal(t, RunStateCanceled, e.run(t, run.ID).State)

	r, err := e.scheduler.Round(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, r.Idle)
	assert.Equal(t, RunStateCanceled, r.State)
}

func TestScheduler_CancelDuringFailingAttempt(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	e.registry.RegisterFunc("slow", func(context.Context, *Step, map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, errors.New("boom")
	})
	run, steps := e.realize(t, StepSpec{Name: "slow", Tool: "slow", RiskLevel: RiskL0})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.scheduler.Round(ctx, run.ID)
		done <- err
	}()
	<-started

	_, err := e.orchestrator.Cancel(ctx, run.ID)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	// 取消后失败的尝试不再回到 pending
	step := e.step(t, steps[0].ID)
	assert.Equal(t, StepStateSkipped, step.State)
	assert.Equal(t, 1, step.Attempt)
	assert.Equal(t, RunStateCanceled, e.run(t, run.ID).State)
}

func TestScheduler_ResumesAfterReclaim(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{Interval: 5 * time.Millisecond, MaxRounds: 20})
	run, steps := e.realize(t,
		StepSpec{Name: "a", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "b", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
	)
	ctx := context.Background()

	// 进程在第一次尝试中途退出
	crashed := e.step(t, steps[0].ID)
	crashed.State, crashed.Attempt = StepStateRunning, 1
	require.NoError(t, e.repo.UpdateStep(ctx, crashed))

	ids, err := e.executor.Reclaim(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, []string{crashed.ID}, ids)

	require.NoError(t, e.scheduler.Run(ctx, run.ID))
	assert.Equal(t, RunStateCompleted, e.run(t, run.ID).State)
	assert.Equal(t, 2, e.step(t, crashed.ID).Attempt)
}

func TestScheduler_RoundsOfOneRunAreSerialized(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	var inFlight, maxInFlight atomic.Int32
	e.registry.RegisterFunc("t", func(context.Context, *Step, map[string]any) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	})
	run, steps := e.realize(t, StepSpec{Name: "only", Tool: "t", RiskLevel: RiskL0})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.scheduler.Round(context.Background(), run.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 1, e.step(t, steps[0].ID).Attempt, "the step executed exactly once")
}

func TestScheduler_IndependentRunsInParallel(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{Interval: time.Millisecond, MaxRounds: 50})
	runs := make([]*Run, 5)
	for i := range runs {
		runs[i], _ = e.realize(t,
			StepSpec{Name: fmt.Sprintf("a%d", i), Tool: "t", RiskLevel: RiskL0},
			StepSpec{Name: fmt.Sprintf("b%d", i), Tool: "t", RiskLevel: RiskL1, DependsOn: []int{0}},
		)
		e.scheduler.Start(runs[i].ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range runs {
		require.NoError(t, e.scheduler.Wait(ctx, r.ID))
		assert.Equal(t, RunStateCompleted, e.run(t, r.ID).State)
	}
}

func TestScheduler_DispatchErrorSurfaces(t *testing.T) {
	repo := NewMemoryRepository()
	gate := NewRiskGate(repo, nil, nil)
	boom := errors.New("queue down")
	dispatcher := DispatcherFunc(func(context.Context, *Step) (*ExecutionResult, error) { return nil, boom })
	s := NewScheduler(repo, gate, dispatcher, NewAggregator(repo, nil), SchedulerConfig{}, nil)

	run, err := NewOrchestrator(repo, nil, nil).Realize(context.Background(), "u", "i",
		&Plan{Steps: []StepSpec{{Name: "a", Tool: "t", RiskLevel: RiskL0}}})
	require.NoError(t, err)

	_, err = s.Round(context.Background(), run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, err = s.Round(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestKeyedMutex_DropsIdleEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
