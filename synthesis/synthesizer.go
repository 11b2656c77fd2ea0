package synthesis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/types"
)

// =============================================================================
// 🧩 结果合成：去重、冲突检测、排序、聚合风险
// =============================================================================

// Config 结果合成配置
type Config struct {
	// DomainRiskWeights 聚合风险分数的各领域权重，缺省 1.0
	DomainRiskWeights map[string]float64 `yaml:"domain_risk_weights" json:"domain_risk_weights"`
	// MaxFindings 报告包含的最大发现数，0 表示不限制
	MaxFindings int `yaml:"max_findings" json:"max_findings"`
}

// DefaultConfig 返回默认合成配置
func DefaultConfig() Config {
	return Config{
		DomainRiskWeights: map[string]float64{
			"security":    1.5,
			"complexity":  1.0,
			"style":       0.5,
			"performance": 1.0,
		},
	}
}

// Input is the set of accepted worker runs for one session plus the context
// needed to weight and explain the result.
type Input struct {
	SessionID string

	// Accepted holds only runs whose quality decision was accept.
	Accepted []types.WorkerRun

	// Domains maps worker id to its declared domain tag.
	Domains map[string]string

	// Meta counts all worker outcomes, accepted or not.
	Meta types.ReportMeta

	// Deterministic feeds the degraded summary when nothing was accepted.
	Deterministic types.DeterministicContext
}

// Synthesizer merges accepted worker outputs into one cross-domain report.
type Synthesizer struct {
	config Config
	logger *zap.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(config Config, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		config: config,
		logger: logger.With(zap.String("component", "synthesizer")),
	}
}

// Synthesize builds the session report: deduplicate findings across workers,
// surface contradictory recommendations instead of picking a side, rank by
// severity × confidence and compute the weighted aggregate risk.
//
// Zero accepted runs yields a degraded report built purely from the
// deterministic context; the session still completes.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) *types.Report {
	report := &types.Report{
		ID:        uuid.New().String(),
		SessionID: in.SessionID,
		Meta:      in.Meta,
		CreatedAt: time.Now(),
	}

	if len(in.Accepted) == 0 {
		report.Degraded = true
		report.Summary = degradedSummary(in)
		s.logger.Warn("degraded report: no accepted worker runs",
			zap.String("session", in.SessionID))
		return report
	}

	findings := s.deduplicate(in.Accepted)
	report.Conflicts = detectConflicts(findings)

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Score > findings[j].Score
	})
	if s.config.MaxFindings > 0 && len(findings) > s.config.MaxFindings {
		findings = findings[:s.config.MaxFindings]
	}
	report.Findings = findings

	report.AggregateConfidence = aggregateConfidence(in.Accepted)
	report.RiskScore = s.riskScore(findings, in.Domains)
	report.Summary = summary(in, findings, report.Conflicts)

	s.logger.Info("report synthesized",
		zap.String("session", in.SessionID),
		zap.Int("findings", len(findings)),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Float64("risk", report.RiskScore))
	return report
}

// deduplicate 按模式指纹（或类型+制品路径）合并跨 Worker 的重复发现，
// 保留置信度最高的一条，贡献者全部记入 WorkerIDs。
func (s *Synthesizer) deduplicate(runs []types.WorkerRun) []types.RankedFinding {
	byKey := make(map[string]*types.RankedFinding)
	var order []string

	for _, run := range runs {
		for _, f := range run.Findings {
			key := f.PatternID
			if key == "" {
				key = f.Type + "|" + f.ArtifactPath
			}

			existing, ok := byKey[key]
			if !ok {
				rf := types.RankedFinding{
					Finding:   f,
					Score:     types.SeverityWeight(f.Severity) * f.Confidence,
					WorkerIDs: []string{run.WorkerID},
				}
				byKey[key] = &rf
				order = append(order, key)
				continue
			}

			existing.WorkerIDs = appendUnique(existing.WorkerIDs, run.WorkerID)
			if f.Confidence > existing.Confidence {
				action := existing.RecommendedAction
				existing.Finding = f
				if f.RecommendedAction == "" {
					existing.RecommendedAction = action
				}
				existing.Score = types.SeverityWeight(f.Severity) * f.Confidence
			}
		}
	}

	result := make([]types.RankedFinding, 0, len(order))
	for _, key := range order {
		result = append(result, *byKey[key])
	}
	return result
}

// detectConflicts 找出对同一制品给出矛盾建议的 Worker 对。
// 去重后的发现各自带有其最高置信来源，冲突在去重粒度之上检测：
// 同一 ArtifactPath 上不同 Worker 的不同非空 RecommendedAction。
func detectConflicts(findings []types.RankedFinding) []types.Conflict {
	byPath := make(map[string][]types.RankedFinding)
	for _, f := range findings {
		if f.ArtifactPath == "" || f.RecommendedAction == "" {
			continue
		}
		byPath[f.ArtifactPath] = append(byPath[f.ArtifactPath], f)
	}

	var conflicts []types.Conflict
	for path, group := range byPath {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.WorkerID == b.WorkerID || a.RecommendedAction == b.RecommendedAction {
					continue
				}
				conflicts = append(conflicts, types.Conflict{
					ArtifactPath: path,
					WorkerA:      a.WorkerID,
					ActionA:      a.RecommendedAction,
					WorkerB:      b.WorkerID,
					ActionB:      b.RecommendedAction,
					FindingIDs:   []string{a.ID, b.ID},
				})
			}
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].ArtifactPath < conflicts[j].ArtifactPath
	})
	return conflicts
}

// riskScore 按领域权重聚合发现的风险贡献，归一化到 [0,1]。
func (s *Synthesizer) riskScore(findings []types.RankedFinding, domains map[string]string) float64 {
	if len(findings) == 0 {
		return 0
	}

	var weighted, totalWeight float64
	for _, f := range findings {
		weight := 1.0
		if domain, ok := domains[f.WorkerID]; ok {
			if w, ok := s.config.DomainRiskWeights[domain]; ok {
				weight = w
			}
		}
		weighted += weight * f.Score
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}

	risk := weighted / totalWeight
	if risk > 1 {
		risk = 1
	}
	return risk
}

func aggregateConfidence(runs []types.WorkerRun) float64 {
	if len(runs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range runs {
		sum += r.Confidence
	}
	return sum / float64(len(runs))
}

func summary(in Input, findings []types.RankedFinding, conflicts []types.Conflict) string {
	bySeverity := make(map[string]int)
	for _, f := range findings {
		bySeverity[f.Severity]++
	}
	out := fmt.Sprintf("%d findings from %d accepted workers (%d critical, %d high)",
		len(findings), len(in.Accepted), bySeverity[types.SeverityCritical], bySeverity[types.SeverityHigh])
	if len(conflicts) > 0 {
		out += fmt.Sprintf("; %d unresolved conflicts need review", len(conflicts))
	}
	return out
}

func degradedSummary(in Input) string {
	m := in.Deterministic.Metrics
	return fmt.Sprintf(
		"no worker output passed validation (%d rejected, %d failed); deterministic summary: %.0f artifacts, %.0f lines",
		in.Meta.RejectedWorkers, in.Meta.FailedWorkers, m["artifacts"], m["lines"])
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
