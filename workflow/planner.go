package workflow

import (
	"context"
	"strings"
)

// Planner turns a free-text intent into an ordered Plan.
// Implementations may be rule based or backed by a model; the Orchestrator
// validates whatever they return.
type Planner interface {
	Generate(ctx context.Context, intent string) (*Plan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, intent string) (*Plan, error)

// Generate implements Planner.
func (f PlannerFunc) Generate(ctx context.Context, intent string) (*Plan, error) {
	return f(ctx, intent)
}

// keywordRule appends steps when any keyword occurs in the intent.
// DependsOn inside steps is relative to the first step the rule appends.
type keywordRule struct {
	keywords []string
	steps    []StepSpec
}

// KeywordPlanner matches lowercase substrings of the intent against a fixed
// rule table. Intents matching nothing become a single generic step.
type KeywordPlanner struct {
	rules    []keywordRule
	fallback StepSpec
}

// NewKeywordPlanner returns the built-in rule set.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{
		rules: []keywordRule{
			{
				keywords: []string{"job", "apply"},
				steps: []StepSpec{
					{Name: "Search for backend jobs", Tool: "job_search", RiskLevel: RiskL0},
					{Name: "Tailor CV to job description", Tool: "cv_tailor", RiskLevel: RiskL1, DependsOn: []int{0}},
					// 对外写操作，需要人工审批
					{Name: "Submit job application", Tool: "job_submit", RiskLevel: RiskL3, DependsOn: []int{1}},
				},
			},
			{
				keywords: []string{"gym", "schedule", "exercise"},
				steps: []StepSpec{
					{Name: "Create gym events (3x weekly)", Tool: "calendar_create", RiskLevel: RiskL0},
				},
			},
			{
				keywords: []string{"grocer", "food", "shop"},
				steps: []StepSpec{
					{Name: "Generate grocery list", Tool: "grocery_plan", RiskLevel: RiskL0},
				},
			},
		},
		fallback: StepSpec{Name: "Execute user request", Tool: "generic", RiskLevel: RiskL1},
	}
}

// Generate implements Planner.
func (p *KeywordPlanner) Generate(ctx context.Context, intent string) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(intent)

	plan := &Plan{}
	for _, rule := range p.rules {
		if !containsAny(lower, rule.keywords) {
			continue
		}
		offset := len(plan.Steps)
		for _, spec := range rule.steps {
			deps := make([]int, len(spec.DependsOn))
			for i, d := range spec.DependsOn {
				deps[i] = d + offset
			}
			spec.DependsOn = deps
			plan.Steps = append(plan.Steps, spec)
		}
	}
	if len(plan.Steps) == 0 {
		plan.Steps = append(plan.Steps, p.fallback)
	}
	return plan, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
