package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reviewflow/knowledge"
	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/session"
	"github.com/BaSui01/reviewflow/types"
	"github.com/BaSui01/reviewflow/workflow"
)

type fixture struct {
	orch  *Orchestrator
	store session.Store
	graph knowledge.Graph
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	graph := knowledge.NewInMemoryGraph(nil)
	reg := registry.NewRegistry(nil)

	cfg := DefaultConfig()
	cfg.Workflow.InitialBackoff = time.Millisecond
	cfg.Workflow.MaxBackoff = 5 * time.Millisecond
	cfg.Workflow.Jitter = false
	cfg.Workflow.MaxRetries = 0

	orch := New(cfg, store, reg, graph, nil, nil)
	t.Cleanup(func() {
		orch.Close()
		_ = store.Close()
		_ = graph.Close()
	})
	return &fixture{orch: orch, store: store, graph: graph, reg: reg}
}

func (f *fixture) register(t *testing.T, profile registry.Profile, fn registry.WorkerFunc) {
	t.Helper()
	require.NoError(t, f.reg.Register(profile, fn))
}

func confidentWorker(confidence float64, findings ...types.Finding) registry.WorkerFunc {
	return func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
		return &types.WorkerOutput{
			Findings:     findings,
			Confidence:   confidence,
			RawNarrative: "analysis narrative",
		}, nil
	}
}

func testInput() types.AnalysisInput {
	return types.AnalysisInput{Artifacts: []types.CodeArtifact{
		{Path: "main.go", Language: "go", Content: "package main\nfunc main() {}\n"},
	}}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "complexity", Domain: "complexity"},
		confidentWorker(0.95, types.Finding{ID: "f1", Type: "deep_nesting", Severity: types.SeverityHigh, Confidence: 0.95, WorkerID: "complexity"}))
	f.register(t, registry.Profile{Name: "style", Domain: "style"},
		confidentWorker(0.9, types.Finding{ID: "f2", Type: "naming", Severity: types.SeverityLow, Confidence: 0.9, WorkerID: "style"}))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.SessionCompleted, s.Status)
	require.NotNil(t, s.Report)
	assert.Len(t, s.Report.Findings, 2)
	assert.Equal(t, 2, s.Report.Meta.AcceptedWorkers)
	assert.False(t, s.Report.Degraded)

	for _, r := range s.Runs {
		assert.Equal(t, types.RunSucceeded, r.Status)
		assert.Equal(t, "accept", r.QualityDecision)
		assert.Len(t, r.CheckScores, 4)
	}
}

// 报告遗漏某 Worker 的发现，当且仅当其终态为 failed 或 rejected。
func TestOrchestrator_ReportOmitsFailedAndRejectedOnly(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "good", Domain: "complexity"},
		confidentWorker(0.9, types.Finding{ID: "keep", Type: "deep_nesting", Severity: types.SeverityMedium, Confidence: 0.9, WorkerID: "good"}))
	// 0.65 < 0.7 → reject（规格场景）
	f.register(t, registry.Profile{Name: "doubtful", Domain: "style"},
		confidentWorker(0.65, types.Finding{ID: "drop1", Type: "naming", Severity: types.SeverityLow, Confidence: 0.65, WorkerID: "doubtful"}))
	f.register(t, registry.Profile{Name: "broken", Domain: "performance"},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			return nil, errors.New("analyzer crashed")
		})

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.SessionCompleted, s.Status)
	require.NotNil(t, s.Report)
	require.Len(t, s.Report.Findings, 1)
	assert.Equal(t, "keep", s.Report.Findings[0].ID)
	assert.Equal(t, 1, s.Report.Meta.AcceptedWorkers)
	assert.Equal(t, 1, s.Report.Meta.RejectedWorkers)
	assert.Equal(t, 1, s.Report.Meta.FailedWorkers)

	// 被拒输出留存审计
	rejected := s.RunByWorker("doubtful")
	require.NotNil(t, rejected)
	assert.Equal(t, types.RunRejected, rejected.Status)
	assert.Len(t, rejected.Findings, 1)
	assert.NotEmpty(t, rejected.ErrorDetail)

	failed := s.RunByWorker("broken")
	require.NotNil(t, failed)
	assert.Equal(t, types.RunFailed, failed.Status)
	assert.Equal(t, types.ReasonExecution, failed.FailureReason)
}

// 零历史模式：无加成、检索上下文为空。
func TestOrchestrator_NoHistoryMeansZeroBoost(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "w", Domain: "complexity"}, confidentWorker(0.9))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	run := s.RunByWorker("w")
	require.NotNil(t, run)
	assert.Zero(t, run.ConfidenceBoost)
	assert.Empty(t, run.RetrievedPatternIDs)
	assert.InDelta(t, 0.9, run.Confidence, 1e-9)
}

// 学习闭环：第一次会话写入模式，第二次同样输入检索命中并获得加成。
func TestOrchestrator_LearningAcrossSessions(t *testing.T) {
	f := newFixture(t)

	content := testInput().Artifacts[0].Content
	worker := func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
		return &types.WorkerOutput{
			Confidence:   0.85,
			RawNarrative: "recurring structure",
			NewPatterns: []types.Pattern{{
				Fingerprint: knowledge.Fingerprint(content),
				Language:    "go",
				Signature:   knowledge.Signature(content),
			}},
		}, nil
	}
	f.register(t, registry.Profile{Name: "learner", Domain: "complexity"}, registry.WorkerFunc(worker))

	first, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)
	firstRun := first.RunByWorker("learner")
	assert.Zero(t, firstRun.ConfidenceBoost)
	assert.Len(t, firstRun.StoredPatternIDs, 1)

	second, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)
	secondRun := second.RunByWorker("learner")
	assert.InDelta(t, 0.05, secondRun.ConfidenceBoost, 1e-9)
	assert.NotEmpty(t, secondRun.RetrievedPatternIDs)
	assert.InDelta(t, 0.9, secondRun.Confidence, 1e-9)

	// 同指纹幂等：画像记到两次运行
	profile, err := f.graph.Profile(context.Background(), "learner")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int64(2), profile.TotalRuns)
}

// 画像在每次运行终结后更新：失败的运行同样计入 TotalRuns。
func TestOrchestrator_FailedRunUpdatesProfile(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "flaky", Domain: "performance"},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			return nil, errors.New("analyzer crashed")
		})
	f.register(t, registry.Profile{Name: "steady", Domain: "complexity"}, confidentWorker(0.9))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)
	require.Equal(t, types.RunFailed, s.RunByWorker("flaky").Status)

	profile, err := f.graph.Profile(context.Background(), "flaky")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int64(1), profile.TotalRuns)
	assert.Equal(t, int64(0), profile.AcceptedRuns)
	assert.Zero(t, profile.Accuracy)

	// 成功运行仍只在 Invoke 内记一次
	steady, err := f.graph.Profile(context.Background(), "steady")
	require.NoError(t, err)
	require.NotNil(t, steady)
	assert.Equal(t, int64(1), steady.TotalRuns)
	assert.Equal(t, int64(1), steady.AcceptedRuns)
}

// 阻塞失败中止会话时，失败运行的画像依旧写回。
func TestOrchestrator_AbortedSessionStillRecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "gate", Domain: "security", Blocking: true},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			return nil, errors.New("analyzer crashed")
		})

	_, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.Error(t, err)

	profile, err := f.graph.Profile(context.Background(), "gate")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int64(1), profile.TotalRuns)
	assert.Equal(t, int64(0), profile.AcceptedRuns)
}

func TestOrchestrator_EscalatedIncludedAndFlagged(t *testing.T) {
	f := newFixture(t)
	// 0.75 ∈ [0.7, 0.8) → escalate，发现仍进入报告但计入升级数
	f.register(t, registry.Profile{Name: "borderline", Domain: "performance"},
		confidentWorker(0.75, types.Finding{ID: "f1", Type: "hot_loop", Severity: types.SeverityMedium, Confidence: 0.75, WorkerID: "borderline"}))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.SessionCompleted, s.Status)
	require.Len(t, s.Report.Findings, 1)
	assert.Equal(t, 1, s.Report.Meta.EscalatedWorkers)
	assert.Equal(t, "escalate", s.RunByWorker("borderline").QualityDecision)
}

func TestOrchestrator_DegradedReportWhenAllRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "weak", Domain: "style"}, confidentWorker(0.3))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.SessionCompleted, s.Status)
	require.NotNil(t, s.Report)
	assert.True(t, s.Report.Degraded)
	assert.Empty(t, s.Report.Findings)
	assert.Equal(t, 1, s.Report.Meta.RejectedWorkers)
}

func TestOrchestrator_BlockingFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "gatekeeper", Domain: "security", Blocking: true},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			return nil, errors.New("analyzer crashed")
		})

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrOrchestrationFatal))

	// 部分状态仍可检视，且无报告产出
	require.NotNil(t, s)
	assert.Equal(t, types.SessionFailed, s.Status)
	assert.Nil(t, s.Report)
}

func TestOrchestrator_CancelMidRun(t *testing.T) {
	f := newFixture(t)

	sessionIDs := make(chan string, 1)
	f.register(t, registry.Profile{Name: "slow", Domain: "complexity"},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			select {
			case sessionIDs <- input.Context.SessionID:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})

	done := make(chan struct{})
	var s *types.Session
	var err error
	go func() {
		s, err = f.orch.Analyze(context.Background(), testInput(), nil)
		close(done)
	}()

	id := <-sessionIDs
	require.Eventually(t, func() bool { return f.orch.Cancel(id) }, time.Second, 5*time.Millisecond)
	<-done

	require.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, types.SessionFailed, s.Status)
	run := s.RunByWorker("slow")
	require.NotNil(t, run)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, types.ReasonCancelled, run.FailureReason)

	// 会话结束后取消无效
	assert.False(t, f.orch.Cancel(id))
}

func TestOrchestrator_CustomDeclarationSequential(t *testing.T) {
	f := newFixture(t)

	var seen string
	f.register(t, registry.Profile{Name: "first", Domain: "complexity"},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			return &types.WorkerOutput{Confidence: 0.9, RawNarrative: "first narrative"}, nil
		})
	f.register(t, registry.Profile{Name: "second", Domain: "style"},
		func(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
			seen = input.Context.PriorOutputs["first"]
			return &types.WorkerOutput{Confidence: 0.9}, nil
		})

	decl := &workflow.Declaration{Stages: []workflow.Stage{{
		WorkerIDs: []string{"first", "second"},
		Mode:      workflow.ModeSequential,
	}}}
	_, err := f.orch.Analyze(context.Background(), testInput(), decl)
	require.NoError(t, err)
	assert.Equal(t, "first narrative", seen)
}

func TestOrchestrator_SessionLookup(t *testing.T) {
	f := newFixture(t)
	f.register(t, registry.Profile{Name: "w", Domain: "style"}, confidentWorker(0.9))

	s, err := f.orch.Analyze(context.Background(), testInput(), nil)
	require.NoError(t, err)

	got, err := f.orch.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = f.orch.Session(context.Background(), "ghost")
	assert.True(t, types.HasCode(err, types.ErrSessionNotFound))

	summaries, err := f.orch.Sessions(context.Background(), session.Filter{Status: types.SessionCompleted})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, s.ID, summaries[0].ID)
}
