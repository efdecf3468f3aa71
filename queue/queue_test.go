package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordQueueJob(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[outcome]++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[outcome]
}

type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	repo     *workflow.MemoryRepository
	registry *workflow.Registry
	executor *workflow.Executor
	recorder *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := workflow.NewMemoryRepository()
	registry := workflow.NewRegistry()
	return &fixture{
		mr:       mr,
		client:   client,
		repo:     repo,
		registry: registry,
		executor: workflow.NewExecutor(repo, registry, 0, zap.NewNop()),
		recorder: &countingRecorder{},
	}
}

func (f *fixture) dispatcher(timeout time.Duration) *RedisDispatcher {
	return NewRedisDispatcher(f.client, DispatcherConfig{KeyPrefix: "test", ResultTimeout: timeout}, zap.NewNop()).
		WithRecorder(f.recorder)
}

func (f *fixture) worker(concurrency int) *Worker {
	return NewWorker(f.client, f.executor, WorkerConfig{KeyPrefix: "test", Concurrency: concurrency}, zap.NewNop()).
		WithRecorder(f.recorder)
}

// startWorker runs w until the test ends.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (f *fixture) realize(t *testing.T, specs ...workflow.StepSpec) (*workflow.Run, []*workflow.Step) {
	t.Helper()
	ctx := context.Background()
	run, err := workflow.NewOrchestrator(f.repo, nil, zap.NewNop()).Realize(ctx, "user-1", "queue test", &workflow.Plan{Steps: specs})
	require.NoError(t, err)

	// 无依赖的低风险 step 先过闸门，和调度器派发前的状态一致
	gate := workflow.NewRiskGate(f.repo, nil, zap.NewNop())
	for i, spec := range specs {
		if len(spec.DependsOn) > 0 || spec.RiskLevel.Rank() >= workflow.DefaultApprovalThreshold.Rank() {
			continue
		}
		steps, err := f.repo.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		_, err = gate.Process(ctx, steps[i].ID)
		require.NoError(t, err)
	}

	steps, err := f.repo.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	return run, steps
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRedisDispatcher_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc("echo", func(_ context.Context, _ *workflow.Step, args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["msg"]}, nil
	})
	startWorker(t, f.worker(2))

	_, steps := f.realize(t, workflow.StepSpec{
		Name: "say", Tool: "echo", RiskLevel: workflow.RiskL0, Args: map[string]any{"msg": "hi"},
	})

	result, err := f.dispatcher(5*time.Second).Dispatch(context.Background(), steps[0])
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, workflow.StepStateSucceeded, result.State)
	assert.Equal(t, "hi", result.Result["echo"])

	step, err := f.repo.GetStep(context.Background(), steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStateSucceeded, step.State)

	assert.Equal(t, 1, f.recorder.count("enqueued"))
	assert.Equal(t, 1, f.recorder.count("completed"))
	assert.Equal(t, 1, f.recorder.count("executed"))
	assert.False(t, f.mr.Exists("test:result:"+steps[0].ID+":1"))
}

func TestRedisDispatcher_ToolFailureIsAResult(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc("flaky", func(context.Context, *workflow.Step, map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream 503")
	})
	startWorker(t, f.worker(1))

	_, steps := f.realize(t, workflow.StepSpec{Name: "call", Tool: "flaky", RiskLevel: workflow.RiskL0})

	result, err := f.dispatcher(5*time.Second).Dispatch(context.Background(), steps[0])
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.WillRetry)
	assert.Equal(t, workflow.StepStatePending, result.State)
	assert.Contains(t, result.Error, "upstream 503")
}

func TestRedisDispatcher_PropagatesExecutorErrors(t *testing.T) {
	f := newFixture(t)
	startWorker(t, f.worker(1))

	_, steps := f.realize(t, workflow.StepSpec{Name: "done", Tool: "noop", RiskLevel: workflow.RiskL0})
	// 先直接执行一次，step 进入终态
	require.Equal(t, workflow.StepStateReady, steps[0].State)
	_, err := f.executor.Execute(context.Background(), steps[0].ID, nil)
	require.NoError(t, err)

	stale := *steps[0]
	stale.Attempt = 5
	_, err = f.dispatcher(5*time.Second).Dispatch(context.Background(), &stale)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	assert.Equal(t, 1, f.recorder.count("failed"))
	assert.Equal(t, 1, f.recorder.count("rejected"))
}

func TestRedisDispatcher_TimeoutAndSingleEnqueue(t *testing.T) {
	f := newFixture(t)
	_, steps := f.realize(t, workflow.StepSpec{Name: "slow", Tool: "noop", RiskLevel: workflow.RiskL0})
	d := f.dispatcher(time.Second)

	_, err := d.Dispatch(context.Background(), steps[0])
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.True(t, types.IsRetryable(err))

	// 同一次尝试再次派发不会重复入队
	_, err = d.Dispatch(context.Background(), steps[0])
	require.Error(t, err)

	jobs, err := f.mr.List("test:jobs")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, 1, f.recorder.count("enqueued"))
	assert.Equal(t, 2, f.recorder.count("timeout"))

	// 迟到的 worker 执行后，结果留给下一次等待
	processed, err := f.worker(1).ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	result, err := d.Dispatch(context.Background(), steps[0])
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestWorker_DropsMalformedJob(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.LPush(context.Background(), "test:jobs", "{not json").Err())

	processed, err := f.worker(1).ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.False(t, f.mr.Exists("test:jobs"))
}

func TestWorker_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	processed, err := f.worker(1).ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRedisDispatcher_DrivesScheduler(t *testing.T) {
	f := newFixture(t)
	startWorker(t, f.worker(3))

	logger := zap.NewNop()
	gate := workflow.NewRiskGate(f.repo, nil, logger)
	aggregator := workflow.NewAggregator(f.repo, logger)
	scheduler := workflow.NewScheduler(f.repo, gate, f.dispatcher(5*time.Second), aggregator,
		workflow.SchedulerConfig{Interval: 10 * time.Millisecond, MaxRounds: 50, DispatchConcurrency: 3}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	run, _ := f.realize(t,
		workflow.StepSpec{Name: "a", Tool: "noop", RiskLevel: workflow.RiskL0},
		workflow.StepSpec{Name: "b", Tool: "noop", RiskLevel: workflow.RiskL1},
		workflow.StepSpec{Name: "c", Tool: "noop", RiskLevel: workflow.RiskL0, DependsOn: []int{0, 1}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Run(ctx, run.ID))

	got, err := f.repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStateCompleted, got.State)
	assert.Equal(t, 3, f.recorder.count("executed"))
}
