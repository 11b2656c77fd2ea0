package workflow

import (
	"sort"

	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/types"
)

// Mode 工作流阶段执行模式
type Mode string

const (
	// ModeSequential 组内 Worker 按声明顺序依次执行
	ModeSequential Mode = "sequential"
	// ModeParallel 组内 Worker 并发执行，受引擎并发上限约束
	ModeParallel Mode = "parallel"
	// ModeIterative 单个 Worker 携带上轮反馈反复执行，直到收敛或达到上限
	ModeIterative Mode = "iterative"
)

// ConvergenceFunc decides whether an iterative stage has converged, given
// the previous and the current iteration's run. A nil predicate means the
// stage always runs to its iteration limit.
type ConvergenceFunc func(prev, current *types.WorkerRun) bool

// Stage 工作流声明中的一个阶段
type Stage struct {
	// WorkerIDs 本阶段涉及的 Worker，按声明顺序派发
	WorkerIDs []string `yaml:"worker_ids" json:"worker_ids"`

	// Mode 执行模式，空为 sequential
	Mode Mode `yaml:"mode" json:"mode"`

	// Blocking 为 true 时，本阶段任一 Worker 失败/被拒即中止工作流；
	// Worker 自身 Profile 的 Blocking 标志同样生效
	Blocking bool `yaml:"blocking" json:"blocking"`

	// Instructions 按 Worker 定制的任务描述；${worker_id} 占位符
	// 会被替换为前序 Worker 的输出
	Instructions map[string]string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// 迭代参数，仅 ModeIterative 使用
	MaxIterations int             `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Convergence   ConvergenceFunc `yaml:"-" json:"-"`
}

// Declaration 一次请求的完整工作流声明：有序的阶段列表。
type Declaration struct {
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Validate checks the declaration against the registry before execution.
func (d Declaration) Validate(reg *registry.Registry) error {
	if len(d.Stages) == 0 {
		return types.NewError(types.ErrInvalidWorkflow, "declaration has no stages")
	}
	for _, stage := range d.Stages {
		if len(stage.WorkerIDs) == 0 {
			return types.NewError(types.ErrInvalidWorkflow, "stage has no workers")
		}
		switch stage.Mode {
		case ModeSequential, ModeParallel, ModeIterative, "":
		default:
			return types.NewError(types.ErrInvalidWorkflow, "unknown stage mode: "+string(stage.Mode))
		}
		if stage.Mode == ModeIterative && len(stage.WorkerIDs) != 1 {
			return types.NewError(types.ErrInvalidWorkflow, "iterative stage must declare exactly one worker")
		}
		for _, id := range stage.WorkerIDs {
			if _, _, err := reg.Resolve(id); err != nil {
				return types.NewError(types.ErrWorkerNotRegistered, "stage worker not registered: "+id).
					WithWorker(id).WithCause(err)
			}
		}
	}
	return nil
}

// FromProfiles builds the default declaration for a set of registered
// workers: one parallel stage per parallel group, groups ordered ascending,
// workers inside a group ordered by priority.
func FromProfiles(profiles []registry.Profile) Declaration {
	byGroup := make(map[int][]registry.Profile)
	var groups []int
	for _, p := range profiles {
		if _, ok := byGroup[p.ParallelGroup]; !ok {
			groups = append(groups, p.ParallelGroup)
		}
		byGroup[p.ParallelGroup] = append(byGroup[p.ParallelGroup], p)
	}
	sort.Ints(groups)

	decl := Declaration{}
	for _, g := range groups {
		members := byGroup[g]
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Priority < members[j].Priority
		})
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.Name)
		}
		decl.Stages = append(decl.Stages, Stage{WorkerIDs: ids, Mode: ModeParallel})
	}
	return decl
}
