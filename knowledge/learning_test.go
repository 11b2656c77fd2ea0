package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/reviewflow/types"
)

// failingGraph 模拟不可用的知识存储
type failingGraph struct{}

var errDown = errors.New("connection refused")

func (failingGraph) FindSimilar(context.Context, Query) ([]types.PatternMatch, error) {
	return nil, errDown
}
func (failingGraph) StorePattern(context.Context, *types.Pattern) (string, error) {
	return "", errDown
}
func (failingGraph) StoreFinding(context.Context, types.Finding, string) error { return errDown }
func (failingGraph) StoreSolution(context.Context, types.Solution) error       { return errDown }
func (failingGraph) Profile(context.Context, string) (*types.WorkerProfile, error) {
	return nil, errDown
}
func (failingGraph) UpdateWorkerProfile(context.Context, string, string, types.RunOutcome) error {
	return errDown
}
func (failingGraph) CollaborationEffectiveness(context.Context, string, string) (float64, error) {
	return 0, errDown
}
func (failingGraph) Prune(context.Context, PrunePolicy) (int, error) { return 0, errDown }
func (failingGraph) Close() error                                    { return nil }

func goArtifact(content string) []types.CodeArtifact {
	return []types.CodeArtifact{{Path: "main.go", Language: "go", Content: content}}
}

func TestLearner_RetrieveNoHistory(t *testing.T) {
	learner := NewLearner(NewInMemoryGraph(nil), DefaultLearnerConfig(), nil)

	r := learner.Retrieve(context.Background(), "complexity", goArtifact("package main"))

	// 零历史模式 → 无提示、零加成
	assert.Empty(t, r.Hints)
	assert.Zero(t, r.Boost)
	assert.Nil(t, r.Profile)
	assert.False(t, r.Degraded)
}

func TestLearner_RetrieveWithMatch(t *testing.T) {
	g := NewInMemoryGraph(nil)
	learner := NewLearner(g, DefaultLearnerConfig(), nil)
	ctx := context.Background()

	content := "package main\nfunc main() {}\n"
	_, err := g.StorePattern(ctx, &types.Pattern{
		Fingerprint: Fingerprint(content),
		Language:    "go",
		Signature:   Signature(content),
	})
	require.NoError(t, err)

	r := learner.Retrieve(ctx, "complexity", goArtifact(content))
	require.Len(t, r.Hints, 1)
	assert.InDelta(t, 0.05, r.Boost, 1e-9)
	assert.False(t, r.Degraded)
}

func TestLearner_RetrieveDegradesOnFailure(t *testing.T) {
	learner := NewLearner(failingGraph{}, DefaultLearnerConfig(), nil)

	r := learner.Retrieve(context.Background(), "security", goArtifact("x"))

	assert.True(t, r.Degraded)
	assert.Empty(t, r.Hints)
	assert.Zero(t, r.Boost)
	assert.Equal(t, int64(1), learner.DegradedEvents())
}

func TestLearner_StoreWritesBack(t *testing.T) {
	g := NewInMemoryGraph(nil)
	learner := NewLearner(g, DefaultLearnerConfig(), nil)
	ctx := context.Background()

	run := &types.WorkerRun{WorkerID: "security", SessionID: "s1", Confidence: 0.9}
	output := &types.WorkerOutput{
		NewPatterns: []types.Pattern{{Fingerprint: "fp-new", Language: "go"}},
		Findings:    []types.Finding{{ID: "f1", Type: "xss", Severity: types.SeverityHigh, Confidence: 0.9, PatternID: "fp-new"}},
		Solutions:   []types.Solution{{ID: "s1", Description: "escape output", FindingIDs: []string{"f1"}}},
	}

	result := learner.Store(ctx, run, output, "security", true)
	require.Len(t, result.PatternIDs, 1)
	assert.False(t, result.Degraded)

	profile, err := g.Profile(ctx, "security")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int64(1), profile.TotalRuns)

	matches, err := g.FindSimilar(ctx, Query{Fingerprint: "fp-new", Threshold: 0.9})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Findings, 1)
}

func TestLearner_StoreSwallowsFailures(t *testing.T) {
	learner := NewLearner(failingGraph{}, DefaultLearnerConfig(), nil)

	run := &types.WorkerRun{WorkerID: "w", SessionID: "s"}
	output := &types.WorkerOutput{NewPatterns: []types.Pattern{{Fingerprint: "fp"}}}

	// 存储失败不返回错误，只记为降级事件
	result := learner.Store(context.Background(), run, output, "d", true)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.PatternIDs)
	assert.Positive(t, learner.DegradedEvents())
}

func TestLearner_BoostBounds(t *testing.T) {
	learner := NewLearner(NewInMemoryGraph(nil), LearnerConfig{
		SimilarityThreshold: 0.8,
		BoostK:              0.05,
		MaxBoost:            0.3,
	}, nil)

	assert.Zero(t, learner.boost(0))
	assert.InDelta(t, 0.05, learner.boost(1), 1e-9)
	assert.InDelta(t, 0.3, learner.boost(6), 1e-9)
	assert.InDelta(t, 0.3, learner.boost(1000), 1e-9)
}

// 置信度加成后必须始终落在 [0,1] 区间，与匹配数量无关。
func TestBoostedConfidence_AlwaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		confidence := rapid.Float64Range(0, 1).Draw(t, "confidence")
		matched := rapid.IntRange(0, 10000).Draw(t, "matched")

		learner := NewLearner(NewInMemoryGraph(nil), LearnerConfig{
			SimilarityThreshold: 0.8,
			BoostK:              rapid.Float64Range(0, 1).Draw(t, "k"),
			MaxBoost:            rapid.Float64Range(0, 1).Draw(t, "max_boost"),
		}, nil)

		boosted := BoostedConfidence(confidence, learner.boost(matched))
		if boosted < 0 || boosted > 1 {
			t.Fatalf("boosted confidence %f out of range", boosted)
		}
	})
}

func TestFingerprint_NormalizesWhitespace(t *testing.T) {
	a := Fingerprint("func main() {\n\treturn\n}\n")
	b := Fingerprint("  func main() {\n\n\n    return\n  }")
	assert.Equal(t, a, b)

	c := Fingerprint("func other() {}")
	assert.NotEqual(t, a, c)
}

func TestSignature_Shape(t *testing.T) {
	sig := Signature("if x {\n\ty++\n}\n")
	require.Len(t, sig, 5)
	assert.Equal(t, 3.0, sig[0]) // 非空行数

	empty := Signature("")
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, empty)
}
