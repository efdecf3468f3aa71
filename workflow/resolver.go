package workflow

import (
	"context"
	"fmt"
)

// Resolver determines which pending steps have all dependencies satisfied.
type Resolver struct {
	repo Repository
}

// NewResolver creates a resolver over repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ReadySteps returns the run's pending steps whose every dependency is
// succeeded, in Seq order. All step states are read in a single transaction
// so one pass never mixes committed and uncommitted views.
//
// Steps depending on a failed or skipped step are left alone.
func (r *Resolver) ReadySteps(ctx context.Context, runID string) ([]*Step, error) {
	var steps []*Step
	err := r.repo.Transact(ctx, func(tx Repository) error {
		var err error
		steps, err = tx.ListSteps(ctx, runID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve ready steps: %w", err)
	}
	return readyAmong(steps), nil
}

// readyAmong applies the readiness rule to an already loaded snapshot.
func readyAmong(steps []*Step) []*Step {
	states := make(map[string]StepState, len(steps))
	for _, s := range steps {
		states[s.ID] = s.State
	}

	ready := make([]*Step, 0)
	for _, s := range steps {
		if s.State != StepStatePending {
			continue
		}
		if dependenciesSucceeded(s, states) {
			ready = append(ready, s)
		}
	}
	return ready
}

// dependenciesSucceeded reports whether every dependency is succeeded.
// An unknown dependency id is never satisfied.
func dependenciesSucceeded(step *Step, states map[string]StepState) bool {
	for _, dep := range step.DependsOn {
		if states[dep] != StepStateSucceeded {
			return false
		}
	}
	return true
}

// stalledBy returns the pending steps that can never become ready because a
// dependency ended failed or skipped.
func stalledBy(steps []*Step) []*Step {
	states := make(map[string]StepState, len(steps))
	for _, s := range steps {
		states[s.ID] = s.State
	}
	out := make([]*Step, 0)
	for _, s := range steps {
		if s.State != StepStatePending {
			continue
		}
		for _, dep := range s.DependsOn {
			if st := states[dep]; st == StepStateFailed || st == StepStateSkipped {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
