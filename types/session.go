package types

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionRunning      SessionStatus = "running"
	SessionSynthesizing SessionStatus = "synthesizing"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// RunStatus 单个 Worker 运行状态
// 状态单调推进：pending → running → succeeded|failed|rejected，
// 进入终态后 WorkerRun 不可再变更。
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunRejected  RunStatus = "rejected"
)

// Terminal reports whether the status is one of the three terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunRejected
}

// FailureReason classifies why a WorkerRun ended up failed.
type FailureReason string

const (
	ReasonTimeout   FailureReason = "timeout"
	ReasonCancelled FailureReason = "cancelled"
	ReasonExecution FailureReason = "execution"
	ReasonNone      FailureReason = ""
)

// CodeArtifact 待分析的代码制品
type CodeArtifact struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// AnalysisInput 一次分析请求的输入描述
type AnalysisInput struct {
	Artifacts []CodeArtifact    `json:"artifacts"`
	Options   map[string]string `json:"options,omitempty"`
}

// WorkerRun records one worker's execution within a session.
// Each worker exclusively owns its own WorkerRun sub-record; no worker
// ever mutates another worker's record.
type WorkerRun struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	WorkerID  string    `json:"worker_id"`
	Status    RunStatus `json:"status"`

	// ArtifactPaths is the input slice this worker analysed.
	ArtifactPaths []string `json:"artifact_paths,omitempty"`

	Findings     []Finding `json:"findings,omitempty"`
	Confidence   float64   `json:"confidence"`
	RawNarrative string    `json:"raw_narrative,omitempty"`

	ErrorDetail   string        `json:"error_detail,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Attempts      int           `json:"attempts"`

	// Iteration 迭代阶段的轮次（从 1 起），非迭代运行为 0。
	// 每一轮都是一条新的运行记录并覆盖上一轮，最终只有最后
	// 一轮留存，留存记录通过该字段声明自己代表第几轮。
	Iteration int `json:"iteration,omitempty"`

	// RetrievedPatternIDs lists the historical patterns consulted before
	// analysis; StoredPatternIDs lists the patterns produced by it.
	RetrievedPatternIDs []string `json:"retrieved_pattern_ids,omitempty"`
	StoredPatternIDs    []string `json:"stored_pattern_ids,omitempty"`
	ConfidenceBoost     float64  `json:"confidence_boost"`

	// Quality gate audit trail. Rejected output stays here; it is only
	// excluded from the final report.
	QualityDecision string             `json:"quality_decision,omitempty"`
	CheckScores     map[string]float64 `json:"check_scores,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Session 一次端到端分析请求及其累积状态
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Input     AnalysisInput `json:"input"`
	Runs      []WorkerRun   `json:"runs,omitempty"`
	Report    *Report       `json:"report,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   uint64        `json:"version"`
}

// RunByWorker returns the run owned by the given worker, or nil.
func (s *Session) RunByWorker(workerID string) *WorkerRun {
	for i := range s.Runs {
		if s.Runs[i].WorkerID == workerID {
			return &s.Runs[i]
		}
	}
	return nil
}

// SessionSummary is the compact projection returned by list queries.
type SessionSummary struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Workers   int           `json:"workers"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
