package workflow

import (
	"fmt"

	"github.com/BaSui01/gateflow/types"
)

// StepSpec is one entry of a generated plan. DependsOn holds indices into the
// enclosing Plan and may only reference earlier entries.
type StepSpec struct {
	Name      string         `json:"name" yaml:"name"`
	Tool      string         `json:"tool" yaml:"tool"`
	RiskLevel RiskLevel      `json:"risk_level" yaml:"risk_level"`
	DependsOn []int          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Plan is the ordered step list produced by a Planner.
type Plan struct {
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// RiskLevel returns the highest risk among the plan's steps (L0 for an empty plan).
func (p *Plan) RiskLevel() RiskLevel {
	level := RiskL0
	for _, s := range p.Steps {
		level = MaxRisk(level, s.RiskLevel)
	}
	return level
}

// Validate 在计划落库之前检查其是否构成 DAG。
//
// 规则：
//   - 至少包含一个 step，name / tool 非空，风险等级为 L0-L3
//   - depends_on 索引必须指向更早的条目（禁止自引用与前向引用）
//   - 同一 step 的依赖不得重复
//
// 最后用 DFS 再做一次环检测，作为对索引规则的兜底。
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return types.NewError(types.ErrInvalidPlan, "plan has no steps")
	}

	for i, s := range p.Steps {
		if s.Name == "" {
			return types.Errorf(types.ErrInvalidPlan, "step %d: name is required", i)
		}
		if s.Tool == "" {
			return types.Errorf(types.ErrInvalidPlan, "step %d (%s): tool is required", i, s.Name)
		}
		if !s.RiskLevel.Valid() {
			return types.Errorf(types.ErrInvalidPlan, "step %d (%s): invalid risk level %q", i, s.Name, s.RiskLevel)
		}

		seen := make(map[int]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep < 0 || dep >= len(p.Steps):
				return types.Errorf(types.ErrInvalidPlan, "step %d (%s): dependency index %d out of range", i, s.Name, dep)
			case dep == i:
				return types.Errorf(types.ErrInvalidPlan, "step %d (%s): depends on itself", i, s.Name)
			case dep > i:
				return types.Errorf(types.ErrInvalidPlan, "step %d (%s): forward dependency on step %d", i, s.Name, dep)
			case seen[dep]:
				return types.Errorf(types.ErrInvalidPlan, "step %d (%s): duplicate dependency %d", i, s.Name, dep)
			}
			seen[dep] = true
		}
	}

	if node, ok := p.findCycle(); ok {
		return types.Errorf(types.ErrInvalidPlan, "cycle detected in plan involving step %d", node)
	}
	return nil
}

// findCycle detects cycles using DFS over the dependency edges.
func (p *Plan) findCycle() (int, bool) {
	visited := make([]bool, len(p.Steps))
	onStack := make([]bool, len(p.Steps))

	var visit func(i int) bool
	visit = func(i int) bool {
		visited[i] = true
		onStack[i] = true
		for _, dep := range p.Steps[i].DependsOn {
			if dep < 0 || dep >= len(p.Steps) {
				continue
			}
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[i] = false
		return false
	}

	for i := range p.Steps {
		if !visited[i] && visit(i) {
			return i, true
		}
	}
	return 0, false
}

// String renders a compact summary for logs.
func (s StepSpec) String() string {
	return fmt.Sprintf("%s(%s,%s,deps=%v)", s.Name, s.Tool, s.RiskLevel, s.DependsOn)
}
