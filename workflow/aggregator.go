package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Aggregate derives the run state from the multiset of step states.
// Rules are evaluated top to bottom:
//
//	no steps                      → completed
//	any blocked                   → waiting_approval
//	any running                   → executing
//	any failed, none pending/ready → failed
//	any failed                    → executing
//	all succeeded or skipped      → completed
//	otherwise                     → executing
//
// Skipped is terminal without being a failure, so a run whose rejected steps
// were skipped still completes.
func Aggregate(states []StepState) RunState {
	if len(states) == 0 {
		return RunStateCompleted
	}

	counts := make(map[StepState]int, len(states))
	for _, s := range states {
		counts[s]++
	}

	switch {
	case counts[StepStateBlocked] > 0:
		return RunStateWaitingApproval
	case counts[StepStateRunning] > 0:
		return RunStateExecuting
	case counts[StepStateFailed] > 0:
		if counts[StepStatePending] == 0 && counts[StepStateReady] == 0 {
			return RunStateFailed
		}
		return RunStateExecuting
	case counts[StepStateSucceeded]+counts[StepStateSkipped] == len(states):
		return RunStateCompleted
	default:
		return RunStateExecuting
	}
}

// Aggregator persists the derived run state.
type Aggregator struct {
	repo     Repository
	recorder Recorder
	logger   *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(repo Repository, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		repo:     repo,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "aggregator")),
	}
}

// WithRecorder sets the metrics recorder.
func (a *Aggregator) WithRecorder(r Recorder) *Aggregator {
	a.recorder = recorderOrNop(r)
	return a
}

// Recompute reads all steps of the run and writes the aggregated state.
// A canceled run keeps its state. workflow_completed is emitted the first
// time the run reaches completed or failed.
func (a *Aggregator) Recompute(ctx context.Context, runID string) (RunState, error) {
	var (
		next     RunState
		finished bool
	)
	err := a.repo.Transact(ctx, func(tx Repository) error {
		finished = false
		if err := tx.LockRun(ctx, runID); err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State == RunStateCanceled {
			next = run.State
			return nil
		}

		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		states := make([]StepState, len(steps))
		for i, s := range steps {
			states[i] = s.State
		}
		next = Aggregate(states)
		if next == run.State {
			return nil
		}

		prev := run.State
		run.State = next
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		if !next.IsTerminal() || prev.IsTerminal() {
			return nil
		}
		finished = true
		return emit(ctx, tx, run.ID, "", "", EventWorkflowCompleted,
			fmt.Sprintf("Workflow %s: %s", next, run.Intent),
			map[string]any{"state": string(next), "steps": len(steps)})
	})
	if err != nil {
		return "", fmt.Errorf("recompute run %s: %w", runID, err)
	}

	if finished {
		a.recorder.RecordRunFinished(next)
		a.logger.Info("run finished", zap.String("run_id", runID), zap.String("state", string(next)))
	}
	return next, nil
}
