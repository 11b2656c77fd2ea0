// Package registry catalogs the analysis workers available to the
// orchestrator. Workers are pure plug-ins: adding a new analyzer is a
// registration call, never a core code edit.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/types"
)

// AnalysisWorker is the contract every analysis plug-in implements.
// Workers execute independently and must not call each other; prior
// outputs arrive read-only through the input's SessionContextView.
type AnalysisWorker interface {
	Run(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error)
}

// WorkerFunc adapts a plain function into an AnalysisWorker.
type WorkerFunc func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error)

// Run implements AnalysisWorker.
func (f WorkerFunc) Run(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
	return f(ctx, input)
}

// Profile 声明一个 Worker 的能力元数据。
type Profile struct {
	// Name 唯一标识
	Name string `json:"name" yaml:"name"`
	// Domain 领域标签（complexity/security/style/...）
	Domain string `json:"domain" yaml:"domain"`
	// ParallelGroup 并行组：同组 Worker 可并发执行，
	// 不同组按组号升序串行执行
	ParallelGroup int `json:"parallel_group" yaml:"parallel_group"`
	// Blocking 为 true 时，该 Worker 失败/被拒绝会中止整个工作流；
	// 否则记录失败后跳过继续
	Blocking bool `json:"blocking" yaml:"blocking"`
	// Timeout 单次调用超时，0 使用引擎默认值
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Priority 同组内的派发优先级（数字越小越先派发）
	Priority int `json:"priority" yaml:"priority"`
	// Languages 支持的输入语言，空表示不限
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty"`
}

// SupportsLanguage reports whether the profile accepts the language.
func (p Profile) SupportsLanguage(lang string) bool {
	if len(p.Languages) == 0 || lang == "" {
		return true
	}
	for _, l := range p.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Filter narrows List results.
type Filter struct {
	Domain        string
	ParallelGroup *int
	Language      string
}

type entry struct {
	profile Profile
	worker  AnalysisWorker
}

// Registry 管理 Worker 的注册与解析，支持运行时热注册。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *zap.Logger
}

// NewRegistry creates an empty worker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With(zap.String("component", "worker_registry")),
	}
}

// Register adds (or replaces) a worker under its profile name. It is safe
// to call while the orchestrator is serving sessions.
func (r *Registry) Register(profile Profile, worker AnalysisWorker) error {
	if profile.Name == "" {
		return types.NewError(types.ErrInvalidWorkflow, "worker profile name is required")
	}
	if worker == nil {
		return types.NewError(types.ErrInvalidWorkflow, "worker is nil").WithWorker(profile.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.entries[profile.Name]
	r.entries[profile.Name] = entry{profile: profile, worker: worker}

	r.logger.Info("worker registered",
		zap.String("name", profile.Name),
		zap.String("domain", profile.Domain),
		zap.Int("parallel_group", profile.ParallelGroup),
		zap.Bool("blocking", profile.Blocking),
		zap.Bool("replaced", replaced))

	return nil
}

// Unregister removes a worker. Returns false when the name is unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	r.logger.Info("worker unregistered", zap.String("name", name))
	return true
}

// List returns the profiles matching the filter, unordered.
func (r *Registry) List(filter Filter) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Profile, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.Domain != "" && e.profile.Domain != filter.Domain {
			continue
		}
		if filter.ParallelGroup != nil && e.profile.ParallelGroup != *filter.ParallelGroup {
			continue
		}
		if filter.Language != "" && !e.profile.SupportsLanguage(filter.Language) {
			continue
		}
		result = append(result, e.profile)
	}
	return result
}

// Resolve returns the callable worker handle and its profile.
func (r *Registry) Resolve(name string) (AnalysisWorker, Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, Profile{}, types.NewError(types.ErrWorkerNotRegistered, "worker not registered").WithWorker(name)
	}
	return e.worker, e.profile, nil
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
