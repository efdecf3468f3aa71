package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func setState(t *testing.T, repo Repository, step *Step, state StepState) {
	t.Helper()
	step.State = state
	require.NoError(t, repo.UpdateStep(context.Background(), step))
}

func TestResolver_ReadySteps(t *testing.T) {
	e := newTestEngine(t, SchedulerConfig{})
	run, steps := e.realize(t,
		StepSpec{Name: "root-a", Tool: "t", RiskLevel: RiskL0},
		StepSpec{Name: "root-b", Tool: "t", RiskLevel: RiskL3},
		StepSpec{Name: "child", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0, 1}},
	)
	resolver := NewResolver(e.repo)
	ctx := context.Background()

	ready, err := resolver.ReadySteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, steps[0].ID, ready[0].ID)
	assert.Equal(t, steps[1].ID, ready[1].ID)

	setState(t, e.repo, steps[0], StepStateSucceeded)
	ready, err = resolver.ReadySteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1, "child still waits for root-b")
	assert.Equal(t, steps[1].ID, ready[0].ID)

	setState(t, e.repo, steps[1], StepStateSucceeded)
	ready, err = resolver.ReadySteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, steps[2].ID, ready[0].ID)
}

func TestResolver_FailedOrSkippedDependencyStaysPending(t *testing.T) {
	for _, depState := range []StepState{StepStateFailed, StepStateSkipped} {
		t.Run(string(depState), func(t *testing.T) {
			e := newTestEngine(t, SchedulerConfig{})
			run, steps := e.realize(t,
				StepSpec{Name: "a", Tool: "t", RiskLevel: RiskL0},
				StepSpec{Name: "b", Tool: "t", RiskLevel: RiskL0, DependsOn: []int{0}},
			)
			setState(t, e.repo, steps[0], depState)

			ready, err := NewResolver(e.repo).ReadySteps(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Empty(t, ready)
			assert.Equal(t, StepStatePending, e.step(t, steps[1].ID).State)

			stalled := stalledBy([]*Step{e.step(t, steps[0].ID), e.step(t, steps[1].ID)})
			require.Len(t, stalled, 1)
			assert.Equal(t, steps[1].ID, stalled[0].ID)
		})
	}
}

func TestResolver_UnknownRun(t *testing.T) {
	ready, err := NewResolver(NewMemoryRepository()).ReadySteps(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestProperty_ReadinessRule(t *testing.T) {
	all := []StepState{
		StepStatePending, StepStateReady, StepStateBlocked, StepStateRunning,
		StepStateSucceeded, StepStateFailed, StepStateSkipped,
	}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "n")
		steps := make([]*Step, n)
		for i := range steps {
			s := &Step{
				ID:    string(rune('a' + i)),
				Seq:   i,
				State: rapid.SampledFrom(all).Draw(t, "state"),
			}
			if i > 0 {
				for _, d := range rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, i, rapid.ID[int]).Draw(t, "deps") {
					s.DependsOn = append(s.DependsOn, steps[d].ID)
				}
			}
			steps[i] = s
		}

		ready := map[string]bool{}
		for _, s := range readyAmong(steps) {
			ready[s.ID] = true
		}
		for _, s := range steps {
			want := s.State == StepStatePending
			for _, d := range s.DependsOn {
				if steps[d[0]-'a'].State != StepStateSucceeded {
					want = false
				}
			}
			if ready[s.ID] != want {
				t.Fatalf("step %s (state %s, deps %v): ready=%v want %v", s.ID, s.State, s.DependsOn, ready[s.ID], want)
			}
		}
	})
}
