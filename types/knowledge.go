package types

import "time"

// Severity levels used by findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// SeverityWeight maps a severity label to its ranking weight.
// Unknown labels rank below info.
func SeverityWeight(severity string) float64 {
	switch severity {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.4
	case SeverityInfo:
		return 0.2
	default:
		return 0.1
	}
}

// Pattern 知识图谱中的模式节点。
// Fingerprint 是规范化代码片段的哈希，作为幂等写入的键；
// Signature 是不透明的结构特征向量，用于相似度检索。
// 除 UsageCount 自增与按时间裁剪外，Pattern 一经创建不再变更。
type Pattern struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Language    string    `json:"language,omitempty"`
	Signature   []float64 `json:"signature,omitempty"`
	UsageCount  int64     `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Finding 某个 Worker 产出的一条发现，多条 Finding 归属一个 WorkerRun。
type Finding struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	WorkerID    string  `json:"worker_id"`

	// ArtifactPath locates the finding; RecommendedAction is what the
	// worker suggests doing about it. Two workers recommending different
	// actions on the same artifact constitute a synthesis conflict.
	ArtifactPath      string `json:"artifact_path,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`

	// PatternID links the finding to a knowledge-graph pattern when one
	// was matched or stored for it.
	PatternID string `json:"pattern_id,omitempty"`
}

// Solution 针对一条或多条 Finding 的修复方案（resolves 关系）。
type Solution struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	Effectiveness float64  `json:"effectiveness"`
	Confidence    float64  `json:"confidence"`
	FindingIDs    []string `json:"finding_ids,omitempty"`
}

// WorkerProfile Worker 的历史画像，存于知识图谱，只增不删。
// Profile 与运行结果之间是二部图关系：不存在 Worker 之间的直接边，
// 协作效果一律通过会话历史的共现分析推导。
type WorkerProfile struct {
	WorkerID       string             `json:"worker_id"`
	Accuracy       float64            `json:"accuracy"`
	TotalRuns      int64              `json:"total_runs"`
	AcceptedRuns   int64              `json:"accepted_runs"`
	Specialization map[string]float64 `json:"specialization,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// RunOutcome 单次运行写回画像时的结果摘要。
type RunOutcome struct {
	Accepted   bool    `json:"accepted"`
	Confidence float64 `json:"confidence"`
	Domain     string  `json:"domain,omitempty"`
}

// PatternMatch couples a retrieved pattern with its similarity score and
// the historical findings/solutions linked to it.
type PatternMatch struct {
	Pattern    Pattern    `json:"pattern"`
	Similarity float64    `json:"similarity"`
	Findings   []Finding  `json:"findings,omitempty"`
	Solutions  []Solution `json:"solutions,omitempty"`
}
