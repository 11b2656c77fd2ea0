package knowledge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/types"
)

// LearnerConfig 学习回路配置
type LearnerConfig struct {
	// SimilarityThreshold 相似度检索阈值
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	// BoostK 置信度加成系数: boost = min(k * matched, max_boost)
	BoostK float64 `yaml:"boost_k" json:"boost_k"`
	// MaxBoost 置信度加成上限
	MaxBoost float64 `yaml:"max_boost" json:"max_boost"`
	// MaxMatches 单次检索返回的最大模式数
	MaxMatches int `yaml:"max_matches" json:"max_matches"`
	// RetrievalTimeout 检索阶段超时
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout" json:"retrieval_timeout"`
	// StorageTimeout 写回阶段超时
	StorageTimeout time.Duration `yaml:"storage_timeout" json:"storage_timeout"`
}

// DefaultLearnerConfig 返回默认学习回路配置
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		SimilarityThreshold: 0.8,
		BoostK:              0.05,
		MaxBoost:            0.3,
		MaxMatches:          20,
		RetrievalTimeout:    5 * time.Second,
		StorageTimeout:      10 * time.Second,
	}
}

// Retrieval is the pre-analysis phase result handed to a worker.
type Retrieval struct {
	Hints   []types.PatternMatch
	Profile *types.WorkerProfile
	Boost   float64
	// Degraded is set when the knowledge store was unavailable and the
	// worker proceeds without historical context (boost = 0).
	Degraded bool
}

// StorageResult is the post-analysis phase result.
type StorageResult struct {
	PatternIDs []string
	Degraded   bool
}

// Learner drives the two-phase learning protocol around every worker
// invocation: retrieval before analysis, storage after it.
//
// Storage is fire-and-forget relative to the session's critical path: a
// storage failure never fails the worker run, it is logged and counted
// as a degraded-learning event.
type Learner struct {
	graph  Graph
	config LearnerConfig
	logger *zap.Logger

	degradedEvents atomic.Int64
}

// NewLearner creates a learner over the given graph.
func NewLearner(graph Graph, config LearnerConfig, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = 0.8
	}
	if config.RetrievalTimeout <= 0 {
		config.RetrievalTimeout = 5 * time.Second
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = 10 * time.Second
	}
	return &Learner{
		graph:  graph,
		config: config,
		logger: logger.With(zap.String("component", "learner")),
	}
}

// Retrieve queries the graph for patterns similar to the worker's input
// and the worker's own historical profile. A store failure degrades
// gracefully: empty hints, nil profile, zero boost.
func (l *Learner) Retrieve(ctx context.Context, workerID string, artifacts []types.CodeArtifact) Retrieval {
	ctx, cancel := context.WithTimeout(ctx, l.config.RetrievalTimeout)
	defer cancel()

	q := buildQuery(artifacts)
	q.Threshold = l.config.SimilarityThreshold
	q.Limit = l.config.MaxMatches

	hints, err := l.graph.FindSimilar(ctx, q)
	if err != nil {
		l.recordDegraded("retrieval", workerID, err)
		return Retrieval{Degraded: true}
	}

	profile, err := l.graph.Profile(ctx, workerID)
	if err != nil {
		l.recordDegraded("profile_retrieval", workerID, err)
		profile = nil
	}

	return Retrieval{
		Hints:   hints,
		Profile: profile,
		Boost:   l.boost(len(hints)),
	}
}

// boost 计算有界置信度加成: min(k * matched, max_boost)。
func (l *Learner) boost(matched int) float64 {
	if matched <= 0 {
		return 0
	}
	b := l.config.BoostK * float64(matched)
	if b > l.config.MaxBoost {
		b = l.config.MaxBoost
	}
	return b
}

// BoostedConfidence applies a boost and clamps the result into [0, 1].
func BoostedConfidence(confidence, boost float64) float64 {
	c := confidence + boost
	if c > 1.0 {
		c = 1.0
	}
	if c < 0 {
		c = 0
	}
	return c
}

// Store writes the run's new patterns, findings and solutions back to the
// graph and amends the worker's profile. Errors are swallowed after
// logging; the returned StorageResult reports what was persisted.
func (l *Learner) Store(ctx context.Context, run *types.WorkerRun, output *types.WorkerOutput, domain string, accepted bool) StorageResult {
	ctx, cancel := context.WithTimeout(ctx, l.config.StorageTimeout)
	defer cancel()

	result := StorageResult{}

	// 模式与发现按产出顺序写入；首个模式作为发现的关联模式
	patternByFingerprint := make(map[string]string)
	for i := range output.NewPatterns {
		p := output.NewPatterns[i]
		id, err := l.graph.StorePattern(ctx, &p)
		if err != nil {
			l.recordDegraded("pattern_storage", run.WorkerID, err)
			result.Degraded = true
			continue
		}
		patternByFingerprint[p.Fingerprint] = id
		result.PatternIDs = append(result.PatternIDs, id)
	}

	for _, f := range output.Findings {
		patternID := patternByFingerprint[f.PatternID]
		if patternID == "" {
			patternID = f.PatternID
		}
		if err := l.graph.StoreFinding(ctx, f, patternID); err != nil {
			l.recordDegraded("finding_storage", run.WorkerID, err)
			result.Degraded = true
		}
	}

	for _, s := range output.Solutions {
		if err := l.graph.StoreSolution(ctx, s); err != nil {
			l.recordDegraded("solution_storage", run.WorkerID, err)
			result.Degraded = true
		}
	}

	outcome := types.RunOutcome{
		Accepted:   accepted,
		Confidence: run.Confidence,
		Domain:     domain,
	}
	if err := l.graph.UpdateWorkerProfile(ctx, run.WorkerID, run.SessionID, outcome); err != nil {
		l.recordDegraded("profile_update", run.WorkerID, err)
		result.Degraded = true
	}

	return result
}

// DegradedEvents returns the number of degraded-learning events observed
// since startup, for observability.
func (l *Learner) DegradedEvents() int64 {
	return l.degradedEvents.Load()
}

func (l *Learner) recordDegraded(phase, workerID string, err error) {
	l.degradedEvents.Add(1)
	l.logger.Warn("learning degraded",
		zap.String("phase", phase),
		zap.String("worker", workerID),
		zap.Error(err))
}

// buildQuery derives the similarity query from the input artifacts.
func buildQuery(artifacts []types.CodeArtifact) Query {
	var combined string
	var language string
	for _, a := range artifacts {
		combined += a.Content
		combined += "\n"
		if language == "" {
			language = a.Language
		}
	}
	return Query{
		Fingerprint: Fingerprint(combined),
		Signature:   Signature(combined),
		Language:    language,
	}
}
