package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

// GateDecision is the outcome of RiskGate.Process.
type GateDecision string

const (
	GateExecutable GateDecision = "executable"
	GateBlocked    GateDecision = "blocked"
)

// RiskPolicy decides whether a step needs human approval before running.
type RiskPolicy interface {
	RequiresApproval(step *Step) bool
}

// ThresholdPolicy requires approval for every step at or above Threshold.
type ThresholdPolicy struct {
	Threshold RiskLevel
}

// DefaultApprovalThreshold: L2 and L3 require approval.
const DefaultApprovalThreshold = RiskL2

// RequiresApproval implements RiskPolicy.
func (p ThresholdPolicy) RequiresApproval(step *Step) bool {
	threshold := p.Threshold
	if !threshold.Valid() {
		threshold = DefaultApprovalThreshold
	}
	return step.RiskLevel.Rank() >= threshold.Rank()
}

// RiskGate classifies candidate steps and owns the Approval lifecycle.
type RiskGate struct {
	repo     Repository
	policy   RiskPolicy
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewRiskGate creates a gate. A nil policy falls back to ThresholdPolicy{L2}.
func NewRiskGate(repo Repository, policy RiskPolicy, logger *zap.Logger) *RiskGate {
	if policy == nil {
		policy = ThresholdPolicy{Threshold: DefaultApprovalThreshold}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskGate{
		repo:     repo,
		policy:   policy,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "risk_gate")),
		now:      time.Now,
	}
}

// WithRecorder sets the metrics recorder.
func (g *RiskGate) WithRecorder(r Recorder) *RiskGate {
	g.recorder = recorderOrNop(r)
	return g
}

// Process moves a pending step to ready, or to blocked with a new required
// Approval. Calling it again on a step that is already blocked with an open
// approval returns GateBlocked without creating a second approval.
func (g *RiskGate) Process(ctx context.Context, stepID string) (GateDecision, error) {
	var decision GateDecision
	var approvalID string

	err := g.repo.Transact(ctx, func(tx Repository) error {
		step, err := tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}

		if step.State == StepStateBlocked {
			if _, err := tx.OpenApproval(ctx, step.ID); err == nil {
				decision = GateBlocked
				return nil
			}
		}
		if step.State != StepStatePending {
			return types.InvalidTransition("step", step.ID, step.State, "gated")
		}

		siblings, err := tx.ListSteps(ctx, step.RunID)
		if err != nil {
			return err
		}
		states := make(map[string]StepState, len(siblings))
		for _, s := range siblings {
			states[s.ID] = s.State
		}
		if !dependenciesSucceeded(step, states) {
			return types.Errorf(types.ErrInvalidTransition, "step %s has unsatisfied dependencies", step.ID)
		}
		if err := tx.LockRun(ctx, step.RunID); err != nil {
			return err
		}

		if !g.policy.RequiresApproval(step) {
			step.State = StepStateReady
			if err := tx.SwapStep(ctx, step, StepStatePending); err != nil {
				return err
			}
			decision = GateExecutable
			return emit(ctx, tx, step.RunID, step.ID, "", EventStepReady,
				fmt.Sprintf("Step ready: %s", step.Name), nil)
		}

		approval := &Approval{
			RunID:     step.RunID,
			StepID:    step.ID,
			Status:    ApprovalRequired,
			Reason:    fmt.Sprintf("High-risk operation: %s (risk level: %s)", step.Name, step.RiskLevel),
			CreatedAt: g.now(),
		}
		if err := tx.CreateApproval(ctx, approval); err != nil {
			return err
		}
		step.State = StepStateBlocked
		if err := tx.SwapStep(ctx, step, StepStatePending); err != nil {
			return err
		}
		decision = GateBlocked
		approvalID = approval.ID

		if err := emit(ctx, tx, step.RunID, step.ID, approval.ID, EventStepBlocked,
			fmt.Sprintf("Step blocked pending approval: %s", step.Name), nil); err != nil {
			return err
		}
		return emit(ctx, tx, step.RunID, step.ID, approval.ID, EventApprovalRequired,
			fmt.Sprintf("Approval required: %s", step.Name),
			map[string]any{"risk_level": string(step.RiskLevel), "reason": approval.Reason})
	})
	if err != nil {
		return "", err
	}

	if approvalID != "" {
		g.recorder.RecordStepTransition(StepStateBlocked)
		g.logger.Info("step blocked pending approval",
			zap.String("step_id", stepID),
			zap.String("approval_id", approvalID))
	} else if decision == GateExecutable {
		g.recorder.RecordStepTransition(StepStateReady)
		g.logger.Debug("step ready", zap.String("step_id", stepID))
	}
	return decision, nil
}

// Approve transitions a required approval to approved and its blocked step
// to ready. Deciding an approval that is no longer required fails with
// InvalidTransition and changes nothing.
func (g *RiskGate) Approve(ctx context.Context, approvalID, decidedBy string) (*Approval, error) {
	return g.decide(ctx, approvalID, decidedBy, ApprovalApproved, "")
}

// Reject transitions a required approval to rejected and its blocked step to
// skipped. A non-empty reason replaces the approval's reason.
func (g *RiskGate) Reject(ctx context.Context, approvalID, decidedBy, reason string) (*Approval, error) {
	return g.decide(ctx, approvalID, decidedBy, ApprovalRejected, reason)
}

func (g *RiskGate) decide(ctx context.Context, approvalID, decidedBy string, to ApprovalStatus, reason string) (*Approval, error) {
	var decided *Approval

	err := g.repo.Transact(ctx, func(tx Repository) error {
		var err error
		decided, err = decideApproval(ctx, tx, approvalID, decidedBy, to, reason, g.now())
		return err
	})
	if err != nil {
		g.logger.Debug("approval decision refused",
			zap.String("approval_id", approvalID),
			zap.String("decision", string(to)),
			zap.Error(err))
		return nil, err
	}

	g.recorder.RecordApprovalDecision(to)
	if to == ApprovalApproved {
		g.recorder.RecordStepTransition(StepStateReady)
	} else {
		g.recorder.RecordStepTransition(StepStateSkipped)
	}
	g.logger.Info("approval decided",
		zap.String("approval_id", approvalID),
		zap.String("step_id", decided.StepID),
		zap.String("decision", string(to)),
		zap.String("decided_by", decidedBy))
	return decided, nil
}

// decideApproval applies one decision inside tx. The approval status is
// swapped with a compare-and-set so concurrent duplicate decisions take
// effect at most once.
func decideApproval(ctx context.Context, tx Repository, approvalID, decidedBy string, to ApprovalStatus, reason string, at time.Time) (*Approval, error) {
	approval, err := tx.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != ApprovalRequired {
		return nil, types.InvalidTransition("approval", approval.ID, approval.Status, to)
	}
	if err := tx.LockRun(ctx, approval.RunID); err != nil {
		return nil, err
	}
	step, err := tx.GetStep(ctx, approval.StepID)
	if err != nil {
		return nil, err
	}
	if step.State != StepStateBlocked {
		return nil, types.InvalidTransition("step", step.ID, step.State, approvalTarget(to))
	}

	approval.Status = to
	approval.DecidedBy = decidedBy
	approval.DecidedAt = &at
	if reason != "" {
		approval.Reason = reason
	}
	if err := tx.SwapApproval(ctx, approval, ApprovalRequired); err != nil {
		return nil, err
	}

	step.State = approvalTarget(to)
	if err := tx.SwapStep(ctx, step, StepStateBlocked); err != nil {
		return nil, err
	}

	if to == ApprovalApproved {
		if err := emit(ctx, tx, step.RunID, step.ID, approval.ID, EventApprovalApproved,
			fmt.Sprintf("Approval granted: %s", approval.Reason),
			map[string]any{"decided_by": decidedBy}); err != nil {
			return nil, err
		}
		if err := emit(ctx, tx, step.RunID, step.ID, "", EventStepReady,
			fmt.Sprintf("Step '%s' approved and ready to execute", step.Name), nil); err != nil {
			return nil, err
		}
		return approval, nil
	}

	msg := reason
	if msg == "" {
		msg = "No reason provided"
	}
	if err := emit(ctx, tx, step.RunID, step.ID, approval.ID, EventApprovalRejected,
		fmt.Sprintf("Approval rejected: %s", msg),
		map[string]any{"decided_by": decidedBy}); err != nil {
		return nil, err
	}
	if err := emit(ctx, tx, step.RunID, step.ID, "", EventStepSkipped,
		fmt.Sprintf("Step '%s' rejected and marked as skipped", step.Name), nil); err != nil {
		return nil, err
	}
	return approval, nil
}

func approvalTarget(to ApprovalStatus) StepState {
	if to == ApprovalApproved {
		return StepStateReady
	}
	return StepStateSkipped
}
