package types

import "time"

// RankedFinding is a deduplicated cross-domain finding with its synthesis
// rank score (severity weight × confidence) and the workers that reported it.
type RankedFinding struct {
	Finding
	Score     float64  `json:"score"`
	WorkerIDs []string `json:"worker_ids"`
}

// Conflict surfaces two workers recommending contradictory actions on the
// same artifact. The synthesizer never silently picks a side.
type Conflict struct {
	ArtifactPath string   `json:"artifact_path"`
	WorkerA      string   `json:"worker_a"`
	ActionA      string   `json:"action_a"`
	WorkerB      string   `json:"worker_b"`
	ActionB      string   `json:"action_b"`
	FindingIDs   []string `json:"finding_ids,omitempty"`
}

// ReportMeta counts worker outcomes so a caller can always explain why a
// given domain's findings are missing.
type ReportMeta struct {
	AcceptedWorkers  int `json:"accepted_workers"`
	RejectedWorkers  int `json:"rejected_workers"`
	FailedWorkers    int `json:"failed_workers"`
	EscalatedWorkers int `json:"escalated_workers"`
}

// Report is the single cross-domain result of a session, created once at
// synthesis time and immutable afterwards.
type Report struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`

	Findings  []RankedFinding `json:"findings,omitempty"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`

	AggregateConfidence float64 `json:"aggregate_confidence"`
	RiskScore           float64 `json:"risk_score"`

	// Degraded marks a report built purely from deterministic summaries
	// because zero worker runs were accepted.
	Degraded bool `json:"degraded,omitempty"`

	Meta      ReportMeta `json:"meta"`
	CreatedAt time.Time  `json:"created_at"`
}
