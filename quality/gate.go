package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/reviewflow/knowledge"
	"github.com/BaSui01/reviewflow/types"
)

// =============================================================================
// 🛡️ 质量门禁：accept / reject / escalate
// =============================================================================

// Decision 质量门禁判定结果
type Decision string

const (
	// DecisionAccept 通过，纳入合成
	DecisionAccept Decision = "accept"
	// DecisionReject 拒绝，仅留存审计
	DecisionReject Decision = "reject"
	// DecisionEscalate 升级人工复核
	DecisionEscalate Decision = "escalate"
)

// 子检查名称，同时用作 WorkerRun.CheckScores 的键。
const (
	CheckFactualConsistency = "factual_consistency"
	CheckDomainAdequacy     = "domain_adequacy"
	CheckBiasIndicators     = "bias_indicators"
	CheckAdjustedConfidence = "adjusted_confidence"
)

// GateConfig 质量门禁配置
type GateConfig struct {
	// MinimumConfidence 最低总置信度，低于则 reject
	MinimumConfidence float64 `yaml:"minimum_confidence" json:"minimum_confidence"`
	// MinimumDomainExpertise 最低领域匹配度
	MinimumDomainExpertise float64 `yaml:"minimum_domain_expertise" json:"minimum_domain_expertise"`
	// MaxBiasIndicators 偏见指示词数量上限
	MaxBiasIndicators int `yaml:"max_bias_indicators" json:"max_bias_indicators"`
	// EscalationLow / EscalationHigh 升级区间 [lo, hi)
	EscalationLow  float64 `yaml:"escalation_low" json:"escalation_low"`
	EscalationHigh float64 `yaml:"escalation_high" json:"escalation_high"`
	// FactTolerance 事实一致性相对误差容差
	FactTolerance float64 `yaml:"fact_tolerance" json:"fact_tolerance"`
	// HighStakesDomains 高风险领域：无历史模式匹配时强制 escalate
	HighStakesDomains []string `yaml:"high_stakes_domains" json:"high_stakes_domains"`
}

// DefaultGateConfig 返回默认质量门禁配置
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinimumConfidence:      0.7,
		MinimumDomainExpertise: 0.5,
		MaxBiasIndicators:      3,
		EscalationLow:          0.7,
		EscalationHigh:         0.8,
		FactTolerance:          0.1,
		HighStakesDomains:      []string{"security"},
	}
}

// Input is everything the gate needs to judge one worker output.
type Input struct {
	Output        *types.WorkerOutput
	Deterministic types.DeterministicContext

	// Domain is the worker's declared domain tag from its registry profile.
	Domain string

	// Profile is the worker's historical profile, nil on first run.
	Profile *types.WorkerProfile

	// Boost is the bounded knowledge-graph confidence boost for this run.
	Boost float64

	// Novel is set when retrieval found no matching historical pattern.
	Novel bool
}

// Verdict is the gate's decision plus the per-check sub-scores kept for audit.
type Verdict struct {
	Decision Decision
	// Confidence is the knowledge-graph-adjusted confidence, clamped to [0,1].
	Confidence float64
	// Scores holds one sub-score in [0,1] per check.
	Scores map[string]float64
	// Reasons explains reject/escalate verdicts.
	Reasons []string
}

// biasPhrases 绝对化措辞，出现即计一个偏见指示
var biasPhrases = []string{
	"always", "never", "obviously", "clearly", "definitely",
	"undoubtedly", "certainly", "everyone knows", "without question",
	"guaranteed", "impossible",
}

// Gate validates worker output before it may enter synthesis.
type Gate struct {
	config GateConfig
	logger *zap.Logger
}

// NewGate creates a quality gate.
func NewGate(config GateConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.EscalationHigh < config.EscalationLow {
		config.EscalationHigh = config.EscalationLow
	}
	return &Gate{
		config: config,
		logger: logger.With(zap.String("component", "quality_gate")),
	}
}

// Validate runs the four checks concurrently and applies the decision rule:
// reject on low adjusted confidence or any critical factual inconsistency,
// escalate inside the configured confidence band or on a novel pattern in a
// high-stakes domain, accept otherwise.
func (g *Gate) Validate(ctx context.Context, in Input) (Verdict, error) {
	if in.Output == nil {
		return Verdict{}, fmt.Errorf("quality gate: nil worker output")
	}

	var (
		mu        sync.Mutex
		scores    = make(map[string]float64, 4)
		reasons   []string
		critical  bool
		biasCount int
	)
	record := func(check string, score float64, reason string, isCritical bool) {
		mu.Lock()
		defer mu.Unlock()
		scores[check] = score
		if reason != "" {
			reasons = append(reasons, reason)
		}
		critical = critical || isCritical
	}

	group, _ := errgroup.WithContext(ctx)

	group.Go(func() error {
		score, violations := g.factualConsistency(in.Output.Metrics, in.Deterministic)
		reason := ""
		if len(violations) > 0 {
			reason = "factual inconsistency: " + strings.Join(violations, ", ")
		}
		record(CheckFactualConsistency, score, reason, len(violations) > 0)
		return nil
	})

	group.Go(func() error {
		score := g.domainAdequacy(in.Domain, in.Profile)
		reason := ""
		if score < g.config.MinimumDomainExpertise {
			reason = fmt.Sprintf("domain expertise %.2f below minimum %.2f", score, g.config.MinimumDomainExpertise)
		}
		record(CheckDomainAdequacy, score, reason, false)
		return nil
	})

	group.Go(func() error {
		count := countBiasIndicators(in.Output.RawNarrative)
		reason := ""
		if count > g.config.MaxBiasIndicators {
			reason = fmt.Sprintf("%d bias indicators exceed maximum %d", count, g.config.MaxBiasIndicators)
		}
		mu.Lock()
		biasCount = count
		mu.Unlock()
		record(CheckBiasIndicators, biasScore(count, g.config.MaxBiasIndicators), reason, false)
		return nil
	})

	group.Go(func() error {
		adjusted := knowledge.BoostedConfidence(in.Output.Confidence, in.Boost)
		record(CheckAdjustedConfidence, adjusted, "", false)
		return nil
	})

	if err := group.Wait(); err != nil {
		return Verdict{}, err
	}

	adjusted := scores[CheckAdjustedConfidence]
	verdict := Verdict{Confidence: adjusted, Scores: scores, Reasons: reasons}

	switch {
	case critical:
		verdict.Decision = DecisionReject
	case adjusted < g.config.MinimumConfidence:
		verdict.Decision = DecisionReject
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("adjusted confidence %.2f below minimum %.2f", adjusted, g.config.MinimumConfidence))
	case scores[CheckDomainAdequacy] < g.config.MinimumDomainExpertise:
		verdict.Decision = DecisionReject
	case biasCount > g.config.MaxBiasIndicators:
		verdict.Decision = DecisionReject
	case adjusted >= g.config.EscalationLow && adjusted < g.config.EscalationHigh:
		// [lo, hi) 区间内置信度可用但不充分
		verdict.Decision = DecisionEscalate
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("adjusted confidence %.2f inside escalation band [%.2f, %.2f)", adjusted, g.config.EscalationLow, g.config.EscalationHigh))
	case in.Novel && g.highStakes(in.Domain):
		verdict.Decision = DecisionEscalate
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("novel pattern in high-stakes domain %q", in.Domain))
	default:
		verdict.Decision = DecisionAccept
	}

	if verdict.Decision != DecisionAccept {
		g.logger.Info("quality gate verdict",
			zap.String("domain", in.Domain),
			zap.String("decision", string(verdict.Decision)),
			zap.Float64("confidence", adjusted),
			zap.Strings("reasons", verdict.Reasons))
	}
	return verdict, nil
}

// factualConsistency compares the worker's quantitative claims against the
// deterministic ground truth. A claim about a metric the deterministic
// context does not know is ignored; a known metric outside tolerance is a
// critical violation. Score is the consistent fraction of checkable claims.
func (g *Gate) factualConsistency(claims map[string]float64, det types.DeterministicContext) (float64, []string) {
	checked, consistent := 0, 0
	var violations []string
	for name, claimed := range claims {
		actual, ok := det.Metrics[name]
		if !ok {
			continue
		}
		checked++
		if withinTolerance(claimed, actual, g.config.FactTolerance) {
			consistent++
			continue
		}
		violations = append(violations, fmt.Sprintf("%s claimed %.2f actual %.2f", name, claimed, actual))
	}
	if checked == 0 {
		return 1.0, nil
	}
	return float64(consistent) / float64(checked), violations
}

// domainAdequacy 以历史画像中的领域专长分为准；无历史时视为达标。
func (g *Gate) domainAdequacy(domain string, profile *types.WorkerProfile) float64 {
	if profile == nil || profile.TotalRuns == 0 {
		return 1.0
	}
	score, ok := profile.Specialization[domain]
	if !ok {
		return 1.0
	}
	return score
}

func (g *Gate) highStakes(domain string) bool {
	for _, d := range g.config.HighStakesDomains {
		if d == domain {
			return true
		}
	}
	return false
}

func withinTolerance(claimed, actual, tolerance float64) bool {
	if actual == 0 {
		return claimed == 0
	}
	return math.Abs(claimed-actual)/math.Abs(actual) <= tolerance
}

func countBiasIndicators(narrative string) int {
	if narrative == "" {
		return 0
	}
	lower := strings.ToLower(narrative)
	count := 0
	for _, phrase := range biasPhrases {
		count += strings.Count(lower, phrase)
	}
	return count
}

// biasScore maps an indicator count onto [0,1]: zero indicators score 1,
// anything past the maximum scores 0.
func biasScore(count, max int) float64 {
	if max <= 0 {
		max = 1
	}
	if count >= max+1 {
		return 0
	}
	return 1.0 - float64(count)/float64(max+1)
}
