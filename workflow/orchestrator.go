package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

// CancelDecider is recorded as decided_by on approvals closed by Cancel.
const CancelDecider = "system:cancel"

// Orchestrator creates runs from intents or explicit plans and owns
// out-of-band run cancellation.
type Orchestrator struct {
	repo    Repository
	planner Planner
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator. A nil planner means KeywordPlanner.
func NewOrchestrator(repo Repository, planner Planner, logger *zap.Logger) *Orchestrator {
	if planner == nil {
		planner = NewKeywordPlanner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:    repo,
		planner: planner,
		logger:  logger.With(zap.String("component", "orchestrator")),
	}
}

// Submit persists a queued run, generates its plan and realizes it.
// If planning fails the run is kept in state failed and the error returned.
func (o *Orchestrator) Submit(ctx context.Context, userID, intent string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		UserID:    userID,
		Intent:    intent,
		State:     RunStateQueued,
		RiskLevel: RiskL0,
	}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	plan, err := o.planner.Generate(ctx, intent)
	if err == nil {
		err = plan.Validate()
	}
	if err != nil {
		o.failRun(ctx, run, err)
		return nil, err
	}
	return o.realize(ctx, run, plan)
}

// Realize creates a run directly from an explicit plan, skipping the planner.
// An invalid plan is rejected before anything is persisted.
func (o *Orchestrator) Realize(ctx context.Context, userID, intent string, plan *Plan) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	run := &Run{
		ID:        uuid.NewString(),
		UserID:    userID,
		Intent:    intent,
		State:     RunStateQueued,
		RiskLevel: RiskL0,
	}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return o.realize(ctx, run, plan)
}

// realize resolves plan indices to step ids and writes every step in one
// transaction together with the workflow_started event.
func (o *Orchestrator) realize(ctx context.Context, run *Run, plan *Plan) (*Run, error) {
	err := o.repo.Transact(ctx, func(tx Repository) error {
		if err := tx.LockRun(ctx, run.ID); err != nil {
			return err
		}
		ids := make([]string, len(plan.Steps))
		for i, spec := range plan.Steps {
			ids[i] = uuid.NewString()
			deps := make([]string, len(spec.DependsOn))
			for j, d := range spec.DependsOn {
				deps[j] = ids[d]
			}
			step := &Step{
				ID:        ids[i],
				RunID:     run.ID,
				Seq:       i,
				Name:      spec.Name,
				Tool:      spec.Tool,
				DependsOn: deps,
				State:     StepStatePending,
				RiskLevel: spec.RiskLevel,
				Args:      cloneMap(spec.Args),
			}
			if err := tx.CreateStep(ctx, step); err != nil {
				return err
			}
		}

		run.State = RunStatePlanning
		run.RiskLevel = plan.RiskLevel()
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		return emit(ctx, tx, run.ID, "", "", EventWorkflowStarted,
			fmt.Sprintf("Workflow started: %s", run.Intent),
			map[string]any{"steps": len(plan.Steps), "risk_level": string(run.RiskLevel)})
	})
	if err != nil {
		o.failRun(ctx, run, err)
		return nil, fmt.Errorf("realize plan for run %s: %w", run.ID, err)
	}

	o.logger.Info("run planned",
		zap.String("run_id", run.ID),
		zap.String("user_id", run.UserID),
		zap.Int("steps", len(plan.Steps)),
		zap.String("risk_level", string(run.RiskLevel)))
	return run, nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *Run, cause error) {
	run.State = RunStateFailed
	if err := o.repo.UpdateRun(ctx, run); err != nil {
		o.logger.Error("mark run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	o.logger.Warn("planning failed", zap.String("run_id", run.ID), zap.Error(cause))
}

// Cancel moves a non-terminal run to canceled. Pending, ready and blocked
// steps become skipped and their open approvals are rejected; running steps
// are left to finish. Canceling a terminal run fails with InvalidTransition.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*Run, error) {
	var run *Run
	skipped := 0

	err := o.repo.Transact(ctx, func(tx Repository) error {
		skipped = 0
		if err := tx.LockRun(ctx, runID); err != nil {
			return err
		}
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State.IsTerminal() {
			return types.InvalidTransition("run", run.ID, run.State, RunStateCanceled)
		}

		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, step := range steps {
			prev := step.State
			switch prev {
			case StepStateBlocked:
				if approval, err := tx.OpenApproval(ctx, step.ID); err == nil {
					approval.Status = ApprovalRejected
					approval.DecidedBy = CancelDecider
					approval.DecidedAt = &now
					approval.Reason = "run canceled"
					if err := tx.SwapApproval(ctx, approval, ApprovalRequired); err != nil {
						return err
					}
				}
			case StepStatePending, StepStateReady:
			default:
				continue
			}
			step.State = StepStateSkipped
			step.ErrorMessage = "run canceled"
			if err := tx.SwapStep(ctx, step, prev); err != nil {
				return err
			}
			if err := emit(ctx, tx, runID, step.ID, "", EventStepSkipped,
				fmt.Sprintf("Step skipped: %s (run canceled)", step.Name), nil); err != nil {
				return err
			}
			skipped++
		}

		run.State = RunStateCanceled
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		return emit(ctx, tx, runID, "", "", EventWorkflowCompleted,
			fmt.Sprintf("Workflow canceled: %s", run.Intent),
			map[string]any{"state": string(RunStateCanceled)})
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("run canceled", zap.String("run_id", runID), zap.Int("skipped_steps", skipped))
	return run, nil
}
