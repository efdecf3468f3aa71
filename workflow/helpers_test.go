package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type testEngine struct {
	repo         *MemoryRepository
	registry     *Registry
	gate         *RiskGate
	executor     *Executor
	aggregator   *Aggregator
	scheduler    *Scheduler
	orchestrator *Orchestrator
}

func newTestEngine(t *testing.T, cfg SchedulerConfig) *testEngine {
	t.Helper()
	logger := zap.NewNop()
	repo := NewMemoryRepository()
	registry := NewRegistry()
	gate := NewRiskGate(repo, nil, logger)
	executor := NewExecutor(repo, registry, DefaultMaxAttempts, logger)
	aggregator := NewAggregator(repo, logger)
	scheduler := NewScheduler(repo, gate, NewDirectDispatcher(executor), aggregator, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})
	return &testEngine{
		repo:         repo,
		registry:     registry,
		gate:         gate,
		executor:     executor,
		aggregator:   aggregator,
		scheduler:    scheduler,
		orchestrator: NewOrchestrator(repo, nil, logger),
	}
}

// realize creates a run from specs and returns it with its steps in Seq order.
func (e *testEngine) realize(t *testing.T, specs ...StepSpec) (*Run, []*Step) {
	t.Helper()
	ctx := context.Background()
	run, err := e.orchestrator.Realize(ctx, "user-1", "test intent", &Plan{Steps: specs})
	require.NoError(t, err)
	steps, err := e.repo.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(specs))
	return run, steps
}

// ready gates a pending step that needs no approval.
func (e *testEngine) ready(t *testing.T, stepID string) {
	t.Helper()
	decision, err := e.gate.Process(context.Background(), stepID)
	require.NoError(t, err)
	require.Equal(t, GateExecutable, decision)
}

func (e *testEngine) step(t *testing.T, id string) *Step {
	t.Helper()
	s, err := e.repo.GetStep(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (e *testEngine) run(t *testing.T, id string) *Run {
	t.Helper()
	r, err := e.repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (e *testEngine) events(t *testing.T, runID string) []*Event {
	t.Helper()
	events, err := e.repo.EventsAfter(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	return events
}

func eventTypes(events []*Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// flakyConnector fails the first `failures` calls.
type flakyConnector struct {
	failures int32
	calls    atomic.Int32
}

func (c *flakyConnector) Execute(_ context.Context, step *Step, _ map[string]any) (map[string]any, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return nil, errors.New("upstream unavailable")
	}
	return map[string]any{"step": step.Name, "call": int(n)}, nil
}

// recordingConnector remembers the args of every call.
type recordingConnector struct {
	mu   sync.Mutex
	args []map[string]any
}

func (c *recordingConnector) Execute(_ context.Context, _ *Step, args map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.args = append(c.args, args)
	return map[string]any{"ok": true}, nil
}

// spyRecorder counts recorder calls.
type spyRecorder struct {
	mu          sync.Mutex
	rounds      map[string]int
	transitions map[StepState]int
	toolCalls   map[ToolCallStatus]int
	decisions   map[ApprovalStatus]int
	watchdog    int
	finished    map[RunState]int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{
		rounds:      map[string]int{},
		transitions: map[StepState]int{},
		toolCalls:   map[ToolCallStatus]int{},
		decisions:   map[ApprovalStatus]int{},
		finished:    map[RunState]int{},
	}
}

func (r *spyRecorder) RecordRound(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[outcome]++
}

func (r *spyRecorder) RecordStepTransition(to StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[to]++
}

func (r *spyRecorder) RecordToolCall(_ string, status ToolCallStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls[status]++
}

func (r *spyRecorder) RecordApprovalDecision(status ApprovalStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[status]++
}

func (r *spyRecorder) RecordWatchdogTrip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchdog++
}

func (r *spyRecorder) RecordRunFinished(state RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[state]++
}
