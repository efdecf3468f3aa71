package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/gateflow/types"
)

// SchedulerConfig controls the per-run scheduling loop.
type SchedulerConfig struct {
	// Interval is the pause between two rounds of the same run.
	Interval time.Duration
	// MaxRounds is the watchdog bound; reaching it stops the loop with
	// WATCHDOG_EXCEEDED and leaves the run in its last computed state.
	MaxRounds int
	// DispatchConcurrency bounds parallel dispatches inside one round.
	DispatchConcurrency int
	// CascadeSkip marks pending steps whose dependency failed or was
	// skipped as skipped at the end of each round.
	CascadeSkip bool
}

// DefaultSchedulerConfig returns the defaults used when fields are zero.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:            time.Second,
		MaxRounds:           600,
		DispatchConcurrency: 4,
	}
}

// RoundReport summarizes one scheduling round.
type RoundReport struct {
	RunID          string             `json:"run_id"`
	Candidates     []string           `json:"candidates"`
	Blocked        []string           `json:"blocked"`
	Dispatched     []string           `json:"dispatched"`
	Results        []*ExecutionResult `json:"results"`
	CascadeSkipped []string           `json:"cascade_skipped,omitempty"`
	State          RunState           `json:"state"`
	// Idle is true when the round started on a run with no work to do
	// (terminal, canceled or not yet planned).
	Idle bool `json:"idle"`
}

// Scheduler drives Resolver → RiskGate → Dispatcher → Aggregator rounds.
// Rounds of the same run are serialized; different runs are independent.
type Scheduler struct {
	repo       Repository
	resolver   *Resolver
	gate       *RiskGate
	dispatcher Dispatcher
	aggregator *Aggregator
	cfg        SchedulerConfig
	recorder   Recorder
	logger     *zap.Logger

	locks *keyedMutex

	mu      sync.Mutex
	loops   map[string]*runLoop
	exits   map[string]error
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type runLoop struct {
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	err    error
}

// NewScheduler wires the core components. Zero config fields take defaults.
func NewScheduler(
	repo Repository,
	gate *RiskGate,
	dispatcher Dispatcher,
	aggregator *Aggregator,
	cfg SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = def.DispatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:       repo,
		resolver:   NewResolver(repo),
		gate:       gate,
		dispatcher: dispatcher,
		aggregator: aggregator,
		cfg:        cfg,
		recorder:   nopRecorder{},
		logger:     logger.With(zap.String("component", "scheduler")),
		locks:      newKeyedMutex(),
		loops:      make(map[string]*runLoop),
		exits:      make(map[string]error),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// WithRecorder sets the metrics recorder.
func (s *Scheduler) WithRecorder(r Recorder) *Scheduler {
	s.recorder = recorderOrNop(r)
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig { return s.cfg }

// Round performs one scheduling round for runID.
//
// 运行状态只在轮次开始时检查一次：被取消的 run 在下一个轮次边界生效，
// 本轮已派发的工作不会回滚。
func (s *Scheduler) Round(ctx context.Context, runID string) (*RoundReport, error) {
	unlock := s.locks.Lock(runID)
	defer unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.round")
	span.SetAttributes(attribute.String("run.id", runID))
	defer span.End()

	start := time.Now()
	report, err := s.round(ctx, runID)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case report.Idle:
		outcome = "idle"
	}
	s.recorder.RecordRound(outcome, time.Since(start))
	if report != nil {
		span.SetAttributes(
			attribute.String("run.state", string(report.State)),
			attribute.Int("round.dispatched", len(report.Dispatched)),
			attribute.Int("round.blocked", len(report.Blocked)),
		)
	}
	return report, err
}

func (s *Scheduler) round(ctx context.Context, runID string) (*RoundReport, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	report := &RoundReport{RunID: runID, State: run.State}
	if run.State.IsTerminal() || run.State == RunStateQueued {
		report.Idle = true
		return report, nil
	}

	candidates, err := s.resolver.ReadySteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, step := range candidates {
		report.Candidates = append(report.Candidates, step.ID)
		decision, err := s.gate.Process(ctx, step.ID)
		if err != nil {
			if types.IsCode(err, types.ErrInvalidTransition) {
				s.logger.Debug("candidate changed state before gating",
					zap.String("run_id", runID), zap.String("step_id", step.ID), zap.Error(err))
				continue
			}
			return nil, err
		}
		if decision == GateBlocked {
			report.Blocked = append(report.Blocked, step.ID)
		}
	}

	// ready 包含本轮放行的 step 和审批通过后等待派发的 step
	steps, err := s.repo.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	executable := make([]*Step, 0)
	for _, step := range steps {
		if step.State == StepStateReady {
			executable = append(executable, step)
		}
	}

	results, err := s.dispatchAll(ctx, executable)
	report.Results = results
	for _, step := range executable {
		report.Dispatched = append(report.Dispatched, step.ID)
	}
	if err != nil {
		return nil, err
	}

	if s.cfg.CascadeSkip {
		skipped, err := s.cascadeSkip(ctx, runID)
		if err != nil {
			return nil, err
		}
		report.CascadeSkipped = skipped
	}

	state, err := s.aggregator.Recompute(ctx, runID)
	if err != nil {
		return nil, err
	}
	report.State = state
	return report, nil
}

// dispatchAll dispatches steps with bounded parallelism. Every dispatch runs
// to completion even if another one fails; the first error is returned.
func (s *Scheduler) dispatchAll(ctx context.Context, steps []*Step) ([]*ExecutionResult, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	results := make([]*ExecutionResult, len(steps))

	var g errgroup.Group
	g.SetLimit(s.cfg.DispatchConcurrency)
	for i, step := range steps {
		g.Go(func() error {
			res, err := s.dispatcher.Dispatch(ctx, step)
			if err != nil {
				if types.IsCode(err, types.ErrInvalidTransition) {
					s.logger.Debug("dispatch skipped terminal step",
						zap.String("step_id", step.ID), zap.Error(err))
					return nil
				}
				return fmt.Errorf("dispatch step %s: %w", step.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	out := make([]*ExecutionResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, err
}

// cascadeSkip marks pending steps that can no longer become ready as skipped,
// repeating until no more steps are affected.
func (s *Scheduler) cascadeSkip(ctx context.Context, runID string) ([]string, error) {
	var skipped []string
	err := s.repo.Transact(ctx, func(tx Repository) error {
		skipped = skipped[:0]
		if err := tx.LockRun(ctx, runID); err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		for {
			stalled := stalledBy(steps)
			if len(stalled) == 0 {
				return nil
			}
			for _, step := range stalled {
				step.State = StepStateSkipped
				step.ErrorMessage = "dependency did not succeed"
				if err := tx.SwapStep(ctx, step, StepStatePending); err != nil {
					return err
				}
				if err := emit(ctx, tx, runID, step.ID, "", EventStepSkipped,
					fmt.Sprintf("Step skipped: %s (dependency did not succeed)", step.Name),
					map[string]any{"cascade": true}); err != nil {
					return err
				}
				skipped = append(skipped, step.ID)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	for range skipped {
		s.recorder.RecordStepTransition(StepStateSkipped)
	}
	return skipped, nil
}

// Run drives rounds for runID until the run is terminal, ctx is done, or the
// watchdog trips. The first round runs immediately; later rounds wait for the
// interval or a Notify.
func (s *Scheduler) Run(ctx context.Context, runID string) error {
	return s.run(ctx, runID, nil)
}

func (s *Scheduler) run(ctx context.Context, runID string, wake <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger := s.logger.With(zap.String("run_id", runID))
	logger.Debug("scheduling loop started")

	for rounds := 0; ; {
		if rounds >= s.cfg.MaxRounds {
			s.recorder.RecordWatchdogTrip()
			run, _ := s.repo.GetRun(ctx, runID)
			last := RunState("")
			if run != nil {
				last = run.State
			}
			logger.Warn("watchdog exceeded",
				zap.Int("rounds", rounds),
				zap.String("state", string(last)))
			return types.Errorf(types.ErrWatchdogExceeded,
				"run %s not terminal after %d rounds (state: %s)", runID, rounds, last)
		}
		rounds++

		report, err := s.Round(ctx, runID)
		switch {
		case err == nil:
			if report.State.IsTerminal() {
				logger.Debug("scheduling loop finished",
					zap.Int("rounds", rounds),
					zap.String("state", string(report.State)))
				return nil
			}
		case types.IsCode(err, types.ErrNotFound), ctx.Err() != nil:
			return err
		default:
			logger.Error("scheduling round failed", zap.Int("round", rounds), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Start ensures a background loop is running for runID. If one is already
// running it is woken instead. A fresh loop gets a fresh watchdog budget.
func (s *Scheduler) Start(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loop, ok := s.loops[runID]; ok {
		select {
		case loop.wake <- struct{}{}:
		default:
		}
		return
	}
	if s.baseCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	loop := &runLoop{
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.loops[runID] = loop
	delete(s.exits, runID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := s.run(ctx, runID, loop.wake)

		s.mu.Lock()
		loop.err = err
		if s.loops[runID] == loop {
			delete(s.loops, runID)
			s.exits[runID] = err
		}
		s.mu.Unlock()
		close(loop.done)
	}()
}

// Notify wakes the loop of runID so its next round starts now. It is a
// no-op when no loop is running.
func (s *Scheduler) Notify(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop, ok := s.loops[runID]; ok {
		select {
		case loop.wake <- struct{}{}:
		default:
		}
	}
}

// Stop cancels the loop of runID, if any. The current round is not interrupted
// mid-write; the loop exits at the next boundary.
func (s *Scheduler) Stop(runID string) {
	s.mu.Lock()
	loop, ok := s.loops[runID]
	s.mu.Unlock()
	if ok {
		loop.cancel()
	}
}

// Running reports whether a background loop exists for runID.
func (s *Scheduler) Running(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[runID]
	return ok
}

// Wait blocks until the loop of runID exits and returns its error. Without
// a running loop it returns the exit error of the last one, if any.
func (s *Scheduler) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	loop, ok := s.loops[runID]
	if !ok {
		err := s.exits[runID]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	select {
	case <-loop.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return loop.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every loop and waits for them to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// keyedMutex serializes work per key and drops idle entries.
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
