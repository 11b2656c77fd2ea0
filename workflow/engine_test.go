package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/session"
	"github.com/BaSui01/reviewflow/types"
)

func noopWorker() registry.AnalysisWorker {
	return registry.WorkerFunc(func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
		return &types.WorkerOutput{}, nil
	})
}

func newTestRegistry(t *testing.T, profiles ...registry.Profile) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(nil)
	for _, p := range profiles {
		require.NoError(t, reg.Register(p, noopWorker()))
	}
	return reg
}

func newTestSession(t *testing.T, store session.Store) string {
	t.Helper()
	id, err := store.Create(context.Background(), types.AnalysisInput{
		Artifacts: []types.CodeArtifact{{Path: "main.go", Content: "package main"}},
	})
	require.NoError(t, err)
	return id
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func succeedingInvoker(narrative func(workerID string, view types.SessionContextView) string) Invoker {
	return InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		out := &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9}
		if narrative != nil {
			out.RawNarrative = narrative(workerID, view)
		}
		return out, nil
	})
}

func TestEngine_SequentialPriorOutputs(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "A", Domain: "complexity"},
		registry.Profile{Name: "B", Domain: "style"},
	)

	var mu sync.Mutex
	views := make(map[string]types.SessionContextView)
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		mu.Lock()
		views[workerID] = view
		mu.Unlock()
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9, RawNarrative: "output of " + workerID}, nil
	})

	engine := NewEngine(fastConfig(), reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{
		WorkerIDs:    []string{"A", "B"},
		Mode:         ModeSequential,
		Instructions: map[string]string{"B": "review considering: ${A}"},
	}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))

	// B 的视图包含 A 的最终输出
	assert.Empty(t, views["A"].PriorOutputs)
	assert.Equal(t, "output of A", views["B"].PriorOutputs["A"])
	assert.Equal(t, "review considering: output of A", views["B"].Instruction)
}

func TestEngine_ParallelConcurrencyBound(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()

	workers := []string{"w1", "w2", "w3", "w4", "w5"}
	profiles := make([]registry.Profile, 0, len(workers))
	for _, w := range workers {
		profiles = append(profiles, registry.Profile{Name: w, Domain: "complexity"})
	}
	reg := newTestRegistry(t, profiles...)

	var inFlight, peak atomic.Int64
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9}, nil
	})

	cfg := fastConfig()
	cfg.ConcurrencyLimit = 2
	engine := NewEngine(cfg, reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{WorkerIDs: workers, Mode: ModeParallel}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))

	assert.LessOrEqual(t, peak.Load(), int64(2))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, s.Runs, 5)
	for _, r := range s.Runs {
		assert.Equal(t, types.RunSucceeded, r.Status)
	}
}

func TestEngine_PartialFailureContinuation(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()

	workers := []string{"ok1", "bad1", "ok2", "bad2", "ok3"}
	profiles := make([]registry.Profile, 0, len(workers))
	for _, w := range workers {
		profiles = append(profiles, registry.Profile{Name: w, Domain: "style"})
	}
	reg := newTestRegistry(t, profiles...)

	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		if workerID == "bad1" || workerID == "bad2" {
			return nil, errors.New("analyzer crashed")
		}
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9}, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 1
	engine := NewEngine(cfg, reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{WorkerIDs: workers, Mode: ModeParallel}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, s.Runs, 5)

	succeeded, failed := 0, 0
	for _, r := range s.Runs {
		switch r.Status {
		case types.RunSucceeded:
			succeeded++
		case types.RunFailed:
			failed++
			assert.Equal(t, types.ReasonExecution, r.FailureReason)
			assert.Equal(t, 2, r.Attempts) // 初次 + 1 次重试
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, failed)
}

func TestEngine_BlockingWorkerFailureAbortsSession(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "critical", Domain: "security", Blocking: true},
	)

	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		return nil, errors.New("analyzer crashed")
	})

	cfg := fastConfig()
	cfg.MaxRetries = 0
	engine := NewEngine(cfg, reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	err := engine.Execute(context.Background(), id, Declaration{Stages: []Stage{{WorkerIDs: []string{"critical"}}}})
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrOrchestrationFatal))

	s, gerr := store.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.SessionFailed, s.Status)
	// 部分运行记录仍可检视
	require.Len(t, s.Runs, 1)
	assert.Equal(t, types.RunFailed, s.Runs[0].Status)
}

func TestEngine_RejectedNonBlockingContinues(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "shaky", Domain: "style"},
		registry.Profile{Name: "solid", Domain: "complexity"},
	)

	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		if workerID == "shaky" {
			return &types.WorkerRun{Status: types.RunRejected, Confidence: 0.4, QualityDecision: "reject"}, nil
		}
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9}, nil
	})

	engine := NewEngine(fastConfig(), reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{WorkerIDs: []string{"shaky", "solid"}, Mode: ModeSequential}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunRejected, s.RunByWorker("shaky").Status)
	assert.Equal(t, types.RunSucceeded, s.RunByWorker("solid").Status)
}

func TestEngine_TimeoutRetrySucceeds(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "slow", Domain: "performance", Timeout: 30 * time.Millisecond},
	)

	var calls atomic.Int64
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done() // 首次调用超时
			return nil, ctx.Err()
		}
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.8}, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	engine := NewEngine(cfg, reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	require.NoError(t, engine.Execute(context.Background(), id, Declaration{Stages: []Stage{{WorkerIDs: []string{"slow"}}}}))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	run := s.RunByWorker("slow")
	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Attempts)
}

func TestEngine_TimeoutExhaustsRetries(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "stuck", Domain: "performance", Timeout: 10 * time.Millisecond},
	)

	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := fastConfig()
	cfg.MaxRetries = 1
	engine := NewEngine(cfg, reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	require.NoError(t, engine.Execute(context.Background(), id, Declaration{Stages: []Stage{{WorkerIDs: []string{"stuck"}}}}))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	run := s.RunByWorker("stuck")
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, types.ReasonTimeout, run.FailureReason)
	assert.Equal(t, 2, run.Attempts)
}

func TestEngine_CancellationMarksRunsAndFailsSession(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "longrunner", Domain: "complexity"},
	)

	started := make(chan struct{})
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	engine := NewEngine(fastConfig(), reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Execute(ctx, id, Declaration{Stages: []Stage{{WorkerIDs: []string{"longrunner"}}}})
	}()

	<-started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrOrchestrationFatal))

	s, gerr := store.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.SessionFailed, s.Status)
	run := s.RunByWorker("longrunner")
	require.NotNil(t, run)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, types.ReasonCancelled, run.FailureReason)
}

func TestEngine_IterativeConvergence(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t,
		registry.Profile{Name: "refiner", Domain: "complexity"},
	)

	var mu sync.Mutex
	var feedbacks []string
	var iterations []int
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		mu.Lock()
		feedbacks = append(feedbacks, view.Feedback)
		iterations = append(iterations, view.Iteration)
		n := len(iterations)
		mu.Unlock()

		narrative := "draft"
		if n >= 3 {
			narrative = "stable"
		}
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9, RawNarrative: narrative}, nil
	})

	engine := NewEngine(fastConfig(), reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{
		WorkerIDs:     []string{"refiner"},
		Mode:          ModeIterative,
		MaxIterations: 10,
		Convergence: func(prev, current *types.WorkerRun) bool {
			return current.RawNarrative == "stable"
		},
	}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))

	// 第三轮收敛
	assert.Equal(t, []int{1, 2, 3}, iterations)
	// 每轮反馈是上一轮的输出
	assert.Equal(t, []string{"", "draft", "draft"}, feedbacks)

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	final := s.RunByWorker("refiner")
	assert.Equal(t, "stable", final.RawNarrative)
	// 留存记录声明自己代表最后一轮
	assert.Equal(t, 3, final.Iteration)
}

func TestEngine_IterativeHitsLimit(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t, registry.Profile{Name: "loop", Domain: "style"})

	var calls atomic.Int64
	invoker := InvokerFunc(func(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
		calls.Add(1)
		return &types.WorkerRun{Status: types.RunSucceeded, Confidence: 0.9, RawNarrative: "still churning"}, nil
	})

	engine := NewEngine(fastConfig(), reg, store, invoker, nil, nil)
	id := newTestSession(t, store)

	decl := Declaration{Stages: []Stage{{
		WorkerIDs:     []string{"loop"},
		Mode:          ModeIterative,
		MaxIterations: 3,
		Convergence:   func(prev, current *types.WorkerRun) bool { return false },
	}}}
	require.NoError(t, engine.Execute(context.Background(), id, decl))
	assert.Equal(t, int64(3), calls.Load())
}

func TestEngine_PhaseNotifications(t *testing.T) {
	store := session.NewMemoryStore()
	defer store.Close()
	reg := newTestRegistry(t, registry.Profile{Name: "w", Domain: "style"})

	var mu sync.Mutex
	var phases []Phase
	notify := func(sessionID string, phase Phase) {
		mu.Lock()
		phases = append(phases, phase)
		mu.Unlock()
	}

	engine := NewEngine(fastConfig(), reg, store, succeedingInvoker(nil), notify, nil)
	id := newTestSession(t, store)

	require.NoError(t, engine.Execute(context.Background(), id, Declaration{Stages: []Stage{{WorkerIDs: []string{"w"}, Mode: ModeParallel}}}))

	assert.Equal(t, []Phase{PhaseInit, PhaseDispatching, PhaseAwaitingWorkers}, phases)
}

func TestDeclaration_Validate(t *testing.T) {
	reg := registry.NewRegistry(nil)
	require.NoError(t, reg.Register(registry.Profile{Name: "a", Domain: "style"}, noopWorker()))

	assert.True(t, types.HasCode(
		Declaration{}.Validate(reg), types.ErrInvalidWorkflow))

	assert.True(t, types.HasCode(
		Declaration{Stages: []Stage{{WorkerIDs: []string{"ghost"}}}}.Validate(reg),
		types.ErrWorkerNotRegistered))

	assert.True(t, types.HasCode(
		Declaration{Stages: []Stage{{WorkerIDs: []string{"a"}, Mode: "zigzag"}}}.Validate(reg),
		types.ErrInvalidWorkflow))

	assert.True(t, types.HasCode(
		Declaration{Stages: []Stage{{WorkerIDs: []string{"a", "a"}, Mode: ModeIterative}}}.Validate(reg),
		types.ErrInvalidWorkflow))

	assert.NoError(t, Declaration{Stages: []Stage{{WorkerIDs: []string{"a"}, Mode: ModeParallel}}}.Validate(reg))
}

func TestFromProfiles(t *testing.T) {
	decl := FromProfiles([]registry.Profile{
		{Name: "late", ParallelGroup: 2, Priority: 1},
		{Name: "first", ParallelGroup: 1, Priority: 2},
		{Name: "urgent", ParallelGroup: 1, Priority: 1},
	})

	require.Len(t, decl.Stages, 2)
	assert.Equal(t, []string{"urgent", "first"}, decl.Stages[0].WorkerIDs)
	assert.Equal(t, []string{"late"}, decl.Stages[1].WorkerIDs)
	assert.Equal(t, ModeParallel, decl.Stages[0].Mode)
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	r := newRetryer(Policy{MaxRetries: 3, InitialDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return types.NewError(types.ErrOrchestrationFatal, "fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryableExhausts(t *testing.T) {
	r := newRetryer(Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return types.NewError(types.ErrWorkerExecution, "boom").WithRetryable(true)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, types.HasCode(err, types.ErrWorkerExecution))
}
