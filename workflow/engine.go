// Package workflow executes a declared analysis workflow over registered
// workers: sequential, parallel and iterative stages with per-worker
// timeouts, bounded retries and partial-failure continuation.
//
// 引擎是系统中唯一允许并发启动 Worker 的组件：
// 并行扇出受信号量约束，派发速率受令牌桶限制，
// Worker 之间不直接通信，所有状态通过会话存储传递。
package workflow

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/session"
	"github.com/BaSui01/reviewflow/types"
)

// Phase 会话级状态机阶段
type Phase string

const (
	PhaseInit            Phase = "INIT"
	PhaseDispatching     Phase = "DISPATCHING"
	PhaseAwaitingWorkers Phase = "AWAITING_WORKERS"
	PhaseValidating      Phase = "VALIDATING"
	PhaseSynthesizing    Phase = "SYNTHESIZING"
	PhaseDone            Phase = "DONE"
	PhaseFailed          Phase = "FAILED"
)

// PhaseNotifier observes phase transitions. It must not block.
type PhaseNotifier func(sessionID string, phase Phase)

// Invoker executes one worker attempt end to end: knowledge retrieval,
// analysis, quality validation and storage. The engine owns timeouts,
// retries, concurrency and run bookkeeping around it.
//
// The returned run carries the payload fields (findings, confidence,
// quality decision, pattern ids) and a terminal status of either
// RunSucceeded or RunRejected; the engine stamps identity and timing.
type Invoker interface {
	Invoke(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error)

func (f InvokerFunc) Invoke(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
	return f(ctx, workerID, profile, view)
}

// Config 工作流引擎配置
type Config struct {
	// ConcurrencyLimit 并行执行的 Worker 并发上限
	ConcurrencyLimit int64 `yaml:"concurrency_limit" json:"concurrency_limit"`
	// DefaultWorkerTimeout 单个 Worker 的默认超时
	DefaultWorkerTimeout time.Duration `yaml:"default_worker_timeout" json:"default_worker_timeout"`
	// MaxRetries 超时/失败重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialBackoff / MaxBackoff / BackoffMultiplier / Jitter 重试退避参数
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter" json:"jitter"`
	// DispatchRPS 派发速率限制（每秒），0 表示不限制
	DispatchRPS   float64 `yaml:"dispatch_rps" json:"dispatch_rps"`
	DispatchBurst int     `yaml:"dispatch_burst" json:"dispatch_burst"`
	// MaxIterations 迭代阶段未声明上限时的默认值
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:     4,
		DefaultWorkerTimeout: 2 * time.Minute,
		MaxRetries:           2,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		DispatchBurst:        1,
		MaxIterations:        5,
	}
}

// Engine drives a session's workers through a declared workflow.
type Engine struct {
	config   Config
	registry *registry.Registry
	sessions session.Store
	invoker  Invoker
	notify   PhaseNotifier
	logger   *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewEngine creates a workflow engine.
func NewEngine(config Config, reg *registry.Registry, sessions session.Store, invoker Invoker, notify PhaseNotifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConcurrencyLimit <= 0 {
		config.ConcurrencyLimit = 4
	}
	if config.DefaultWorkerTimeout <= 0 {
		config.DefaultWorkerTimeout = 2 * time.Minute
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 5
	}
	if notify == nil {
		notify = func(string, Phase) {}
	}

	var limiter *rate.Limiter
	if config.DispatchRPS > 0 {
		burst := config.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.DispatchRPS), burst)
	}

	return &Engine{
		config:   config,
		registry: reg,
		sessions: sessions,
		invoker:  invoker,
		notify:   notify,
		logger:   logger.With(zap.String("component", "workflow_engine")),
		sem:      semaphore.NewWeighted(config.ConcurrencyLimit),
		limiter:  limiter,
	}
}

// Execute runs the declaration over the session's workers. It returns nil
// when every stage finished (individual non-blocking failures included) and
// an ORCHESTRATION_FATAL error when a blocking worker failed, the session
// store broke, or the session was cancelled. It never finalizes the
// session; that is the caller's job.
func (e *Engine) Execute(ctx context.Context, sessionID string, decl Declaration) error {
	if err := decl.Validate(e.registry); err != nil {
		return err
	}

	e.notify(sessionID, PhaseInit)
	running := types.SessionRunning
	if _, err := e.sessions.Apply(ctx, sessionID, session.Delta{Status: &running}); err != nil {
		return e.fatal(sessionID, "session store unavailable", err)
	}

	e.notify(sessionID, PhaseDispatching)
	for _, stage := range decl.Stages {
		if err := ctx.Err(); err != nil {
			return e.failSession(ctx, sessionID, err)
		}

		var err error
		switch stage.Mode {
		case ModeParallel:
			err = e.runParallel(ctx, sessionID, stage)
		case ModeIterative:
			err = e.runIterative(ctx, sessionID, stage)
		default:
			err = e.runSequential(ctx, sessionID, stage)
		}
		if err != nil {
			return e.failSession(ctx, sessionID, err)
		}
	}
	return nil
}

// runSequential 按声明顺序依次执行，后续 Worker 可见前序输出。
func (e *Engine) runSequential(ctx context.Context, sessionID string, stage Stage) error {
	for _, workerID := range stage.WorkerIDs {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrOrchestrationFatal, "session cancelled").
				WithSession(sessionID).WithCause(err)
		}
		if err := e.runWorker(ctx, sessionID, stage, workerID, 0); err != nil {
			return err
		}
	}
	return nil
}

// runParallel 并发派发整组 Worker，等待所有成员到达终态后返回。
// 组内并发受引擎级信号量约束。
func (e *Engine) runParallel(ctx context.Context, sessionID string, stage Stage) error {
	e.notify(sessionID, PhaseAwaitingWorkers)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, workerID := range stage.WorkerIDs {
		id := workerID
		group.Go(func() error {
			return e.runWorker(groupCtx, sessionID, stage, id, 0)
		})
	}
	return group.Wait()
}

// runIterative 反复调用单个 Worker，把上轮输出作为下轮反馈，
// 直到收敛谓词成立或达到迭代上限。每轮结果覆盖该 Worker 的运行记录。
func (e *Engine) runIterative(ctx context.Context, sessionID string, stage Stage) error {
	workerID := stage.WorkerIDs[0]
	maxIterations := stage.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.config.MaxIterations
	}

	var prev *types.WorkerRun
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrOrchestrationFatal, "session cancelled").
				WithSession(sessionID).WithCause(err)
		}

		if err := e.runWorker(ctx, sessionID, stage, workerID, iteration); err != nil {
			return err
		}

		current, err := e.currentRun(ctx, sessionID, workerID)
		if err != nil {
			return err
		}
		if current.Status != types.RunSucceeded {
			// 非阻塞失败/拒绝即停止迭代，交由失败策略处理过了
			return nil
		}
		if stage.Convergence != nil && stage.Convergence(prev, current) {
			e.logger.Info("iterative stage converged",
				zap.String("session", sessionID),
				zap.String("worker", workerID),
				zap.Int("iteration", iteration))
			return nil
		}
		prev = current
	}

	e.logger.Info("iterative stage hit iteration limit",
		zap.String("session", sessionID),
		zap.String("worker", workerID),
		zap.Int("max_iterations", maxIterations))
	return nil
}

// runWorker executes one worker through the full attempt protocol:
// rate-limit, seed pending, bound concurrency, mark running, invoke with
// timeout and retries, record the terminal run, apply the blocking policy.
func (e *Engine) runWorker(ctx context.Context, sessionID string, stage Stage, workerID string, iteration int) error {
	_, profile, err := e.registry.Resolve(workerID)
	if err != nil {
		return e.recordUnstartable(ctx, sessionID, stage, workerID, err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return types.NewError(types.ErrOrchestrationFatal, "dispatch cancelled").
				WithSession(sessionID).WithWorker(workerID).WithCause(err)
		}
	}

	// 先构造上下文视图：迭代模式的反馈取自上一轮的运行记录，
	// 必须在本轮 pending 记录覆盖它之前读取
	view, err := e.contextView(ctx, sessionID, workerID, stage, iteration)
	if err != nil {
		return err
	}

	run := types.WorkerRun{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		WorkerID:  workerID,
		Status:    types.RunPending,
		Iteration: iteration,
	}
	if err := e.putRun(ctx, sessionID, &run); err != nil {
		return err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		run.Status = types.RunFailed
		run.FailureReason = types.ReasonCancelled
		run.ErrorDetail = err.Error()
		run.EndedAt = time.Now()
		_ = e.putRunBestEffort(sessionID, &run)
		return types.NewError(types.ErrOrchestrationFatal, "session cancelled").
			WithSession(sessionID).WithWorker(workerID).WithCause(err)
	}
	defer e.sem.Release(1)

	run.Status = types.RunRunning
	run.StartedAt = time.Now()
	if err := e.putRun(ctx, sessionID, &run); err != nil {
		return err
	}

	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultWorkerTimeout
	}

	attempts := 0
	var result *types.WorkerRun
	policy := Policy{
		MaxRetries:   e.config.MaxRetries,
		InitialDelay: e.config.InitialBackoff,
		MaxDelay:     e.config.MaxBackoff,
		Multiplier:   e.config.BackoffMultiplier,
		Jitter:       e.config.Jitter,
	}
	invokeErr := newRetryer(policy, e.logger).Do(ctx, func(attempt int) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, ierr := e.invoker.Invoke(attemptCtx, workerID, profile, view)
		if ierr != nil {
			return classifyInvokeError(ctx, attemptCtx, ierr, sessionID, workerID)
		}
		result = out
		return nil
	})

	run.Attempts = attempts
	run.EndedAt = time.Now()

	if invokeErr != nil {
		run.Status = types.RunFailed
		run.FailureReason = failureReason(invokeErr)
		run.ErrorDetail = invokeErr.Error()
	} else {
		mergeResult(&run, result)
	}

	if err := e.putRun(ctx, sessionID, &run); err != nil {
		return err
	}

	if run.Status == types.RunSucceeded {
		return nil
	}

	e.logger.Warn("worker run did not succeed",
		zap.String("session", sessionID),
		zap.String("worker", workerID),
		zap.String("status", string(run.Status)),
		zap.String("reason", string(run.FailureReason)),
		zap.Int("attempts", run.Attempts))

	if run.FailureReason == types.ReasonCancelled {
		return types.NewError(types.ErrOrchestrationFatal, "session cancelled").
			WithSession(sessionID).WithWorker(workerID)
	}
	if stage.Blocking || profile.Blocking {
		return types.NewError(types.ErrOrchestrationFatal, "blocking worker "+string(run.Status)).
			WithSession(sessionID).WithWorker(workerID)
	}
	// 非阻塞失败：记录后继续
	return nil
}

// contextView assembles the read-only session slice the worker may see:
// prior succeeded outputs, its interpolated instruction and, for iterative
// stages, the previous iteration's narrative as feedback.
func (e *Engine) contextView(ctx context.Context, sessionID, workerID string, stage Stage, iteration int) (types.SessionContextView, error) {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return types.SessionContextView{}, e.fatal(sessionID, "session store unavailable", err)
	}

	prior := make(map[string]string)
	for _, r := range s.Runs {
		if r.Status == types.RunSucceeded && r.WorkerID != workerID {
			prior[r.WorkerID] = r.RawNarrative
		}
	}

	view := types.SessionContextView{
		SessionID:    sessionID,
		PriorOutputs: prior,
	}

	if instruction, ok := stage.Instructions[workerID]; ok {
		view.Instruction = interpolate(instruction, prior)
	}

	if iteration > 0 {
		view.Iteration = iteration
		if r := s.RunByWorker(workerID); r != nil && r.Status.Terminal() {
			view.Feedback = r.RawNarrative
		}
	}
	return view, nil
}

// interpolate 将 ${worker_id} 占位符替换为对应 Worker 的输出。
func interpolate(instruction string, prior map[string]string) string {
	return os.Expand(instruction, func(key string) string {
		return prior[key]
	})
}

func (e *Engine) currentRun(ctx context.Context, sessionID, workerID string) (*types.WorkerRun, error) {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, e.fatal(sessionID, "session store unavailable", err)
	}
	r := s.RunByWorker(workerID)
	if r == nil {
		return nil, types.NewError(types.ErrOrchestrationFatal, "worker run vanished").
			WithSession(sessionID).WithWorker(workerID)
	}
	return r, nil
}

// recordUnstartable handles a worker that could not be resolved at all.
func (e *Engine) recordUnstartable(ctx context.Context, sessionID string, stage Stage, workerID string, cause error) error {
	run := types.WorkerRun{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		WorkerID:      workerID,
		Status:        types.RunFailed,
		FailureReason: types.ReasonExecution,
		ErrorDetail:   cause.Error(),
		EndedAt:       time.Now(),
	}
	if err := e.putRun(ctx, sessionID, &run); err != nil {
		return err
	}
	if stage.Blocking {
		return types.NewError(types.ErrOrchestrationFatal, "blocking worker not registered").
			WithSession(sessionID).WithWorker(workerID).WithCause(cause)
	}
	return nil
}

func (e *Engine) putRun(ctx context.Context, sessionID string, run *types.WorkerRun) error {
	if _, err := e.sessions.Apply(ctx, sessionID, session.Delta{PutRun: run}); err != nil {
		return e.fatal(sessionID, "session store unavailable", err)
	}
	return nil
}

// putRunBestEffort records a run outside the failing control flow, with a
// fresh context so a cancelled session can still persist its final state.
func (e *Engine) putRunBestEffort(sessionID string, run *types.WorkerRun) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.sessions.Apply(ctx, sessionID, session.Delta{PutRun: run})
	return err
}

// failSession marks in-flight runs failed(cancelled) when the cause was a
// cancellation, moves the session to FAILED and returns the fatal error.
// Partial worker runs stay inspectable.
func (e *Engine) failSession(ctx context.Context, sessionID string, cause error) error {
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s, err := e.sessions.Get(bg, sessionID); err == nil {
		for i := range s.Runs {
			r := s.Runs[i]
			if r.Status.Terminal() {
				continue
			}
			r.Status = types.RunFailed
			r.FailureReason = types.ReasonCancelled
			r.EndedAt = time.Now()
			_, _ = e.sessions.Apply(bg, sessionID, session.Delta{PutRun: &r})
		}
	}

	failed := types.SessionFailed
	_, _ = e.sessions.Apply(bg, sessionID, session.Delta{Status: &failed})
	e.notify(sessionID, PhaseFailed)

	if types.GetErrorCode(cause) == types.ErrOrchestrationFatal {
		return cause
	}
	return types.NewError(types.ErrOrchestrationFatal, "workflow aborted").
		WithSession(sessionID).WithCause(cause)
}

func (e *Engine) fatal(sessionID, message string, cause error) error {
	return types.NewError(types.ErrOrchestrationFatal, message).
		WithSession(sessionID).WithCause(cause)
}

// classifyInvokeError maps an invoke failure onto the error taxonomy:
// cancellation is terminal, an attempt deadline is a retryable timeout and
// anything else is a retryable execution failure.
func classifyInvokeError(parent, attempt context.Context, err error, sessionID, workerID string) error {
	if parent.Err() != nil {
		return types.NewError(types.ErrOrchestrationFatal, "worker cancelled").
			WithSession(sessionID).WithWorker(workerID).WithCause(parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrWorkerTimeout, "worker timed out").
			WithSession(sessionID).WithWorker(workerID).WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrWorkerExecution, "worker execution failed").
		WithSession(sessionID).WithWorker(workerID).WithRetryable(true).WithCause(err)
}

// failureReason derives the WorkerRun failure reason from the final error.
func failureReason(err error) types.FailureReason {
	switch types.GetErrorCode(err) {
	case types.ErrWorkerTimeout:
		return types.ReasonTimeout
	case types.ErrOrchestrationFatal:
		return types.ReasonCancelled
	default:
		return types.ReasonExecution
	}
}

// mergeResult copies the invoker's payload fields onto the engine-owned run.
func mergeResult(run *types.WorkerRun, result *types.WorkerRun) {
	if result == nil {
		run.Status = types.RunSucceeded
		return
	}
	run.Status = result.Status
	if run.Status == "" {
		run.Status = types.RunSucceeded
	}
	run.Findings = result.Findings
	run.Confidence = result.Confidence
	run.RawNarrative = result.RawNarrative
	run.ArtifactPaths = result.ArtifactPaths
	run.RetrievedPatternIDs = result.RetrievedPatternIDs
	run.StoredPatternIDs = result.StoredPatternIDs
	run.ConfidenceBoost = result.ConfidenceBoost
	run.QualityDecision = result.QualityDecision
	run.CheckScores = result.CheckScores
}
