package types

// SessionContextView is the read-only slice of session state a worker may
// see: its own instruction plus the finalized outputs of workers from
// earlier stages. Workers never see (or mutate) each other's live records.
type SessionContextView struct {
	SessionID string `json:"session_id"`

	// Instruction is the worker's task description, with references to
	// prior workers' output keys already interpolated by the engine.
	Instruction string `json:"instruction,omitempty"`

	// PriorOutputs maps worker id to that worker's raw narrative, for
	// workers that reached succeeded status in earlier stages.
	PriorOutputs map[string]string `json:"prior_outputs,omitempty"`

	// Iteration is the 1-based iteration number for iterative stages,
	// zero otherwise. Feedback carries the previous iteration's output.
	Iteration int    `json:"iteration,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
}

// WorkerInput is the full input handed to an analysis worker.
type WorkerInput struct {
	Artifacts []CodeArtifact     `json:"artifacts"`
	Context   SessionContextView `json:"context"`

	// HistoricalHints are the patterns retrieved from the knowledge graph
	// whose similarity exceeded the configured threshold. Empty when the
	// input is novel or the knowledge store was unavailable.
	HistoricalHints []PatternMatch `json:"historical_hints,omitempty"`

	// Profile is the worker's own historical profile, nil on first run.
	Profile *WorkerProfile `json:"profile,omitempty"`
}

// WorkerOutput is what an analysis worker returns on success.
type WorkerOutput struct {
	Findings     []Finding `json:"findings,omitempty"`
	Confidence   float64   `json:"confidence"`
	RawNarrative string    `json:"raw_narrative,omitempty"`
	NewPatterns  []Pattern `json:"new_patterns,omitempty"`
	Solutions    []Solution `json:"solutions,omitempty"`

	// Metrics are the worker's self-reported quantitative claims
	// (e.g. "lines": 120). The quality gate checks them against the
	// deterministic context within tolerance.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// DeterministicContext carries ground-truth quantities computed without any
// learned component (artifact counts, line counts, byte sizes). It is the
// reference the factual-consistency check validates worker claims against.
type DeterministicContext struct {
	Metrics map[string]float64 `json:"metrics"`
}

// BuildDeterministicContext derives ground-truth metrics from the input.
func BuildDeterministicContext(input AnalysisInput) DeterministicContext {
	totalLines := 0
	totalBytes := 0
	for _, a := range input.Artifacts {
		totalBytes += len(a.Content)
		lines := 0
		for _, c := range a.Content {
			if c == '\n' {
				lines++
			}
		}
		if len(a.Content) > 0 {
			lines++
		}
		totalLines += lines
	}
	return DeterministicContext{Metrics: map[string]float64{
		"artifacts": float64(len(input.Artifacts)),
		"lines":     float64(totalLines),
		"bytes":     float64(totalBytes),
	}}
}
