// =============================================================================
// 🎭 Mock Worker
// =============================================================================
// ScriptedWorker 是可编排的分析 Worker 模拟实现，支持 Builder 模式:
//
//	w := testutil.NewScriptedWorker().
//	    WithConfidence(0.9).
//	    WithFindings(testutil.SampleFinding("w", "f1")).
//	    WithDelay(10 * time.Millisecond)
// =============================================================================
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/reviewflow/types"
)

// ScriptedWorker implements registry.AnalysisWorker with a scripted
// response. Safe for concurrent use; every configured error fires once
// per call until the error budget is exhausted.
type ScriptedWorker struct {
	mu         sync.Mutex
	output     types.WorkerOutput
	err        error
	errBudget  int
	delay      time.Duration
	blockOnCtx bool
	calls      atomic.Int32
	inputs     []*types.WorkerInput
}

// NewScriptedWorker creates a worker that succeeds with confidence 0.9
// and an empty finding set.
func NewScriptedWorker() *ScriptedWorker {
	return &ScriptedWorker{
		output: types.WorkerOutput{Confidence: 0.9, RawNarrative: "scripted analysis"},
	}
}

// WithConfidence sets the reported confidence.
func (w *ScriptedWorker) WithConfidence(c float64) *ScriptedWorker {
	w.output.Confidence = c
	return w
}

// WithFindings sets the reported findings.
func (w *ScriptedWorker) WithFindings(findings ...types.Finding) *ScriptedWorker {
	w.output.Findings = findings
	return w
}

// WithNarrative sets the raw narrative.
func (w *ScriptedWorker) WithNarrative(narrative string) *ScriptedWorker {
	w.output.RawNarrative = narrative
	return w
}

// WithMetrics sets the self-reported metric claims.
func (w *ScriptedWorker) WithMetrics(metrics map[string]float64) *ScriptedWorker {
	w.output.Metrics = metrics
	return w
}

// WithPatterns sets the produced knowledge patterns.
func (w *ScriptedWorker) WithPatterns(patterns ...types.Pattern) *ScriptedWorker {
	w.output.NewPatterns = patterns
	return w
}

// WithError makes every call fail with err.
func (w *ScriptedWorker) WithError(err error) *ScriptedWorker {
	w.err = err
	w.errBudget = -1
	return w
}

// WithErrorsThenSucceed makes the first n calls fail with err, after
// which calls return the scripted output.
func (w *ScriptedWorker) WithErrorsThenSucceed(err error, n int) *ScriptedWorker {
	w.err = err
	w.errBudget = n
	return w
}

// WithDelay makes every call sleep before answering (still honouring
// context cancellation).
func (w *ScriptedWorker) WithDelay(d time.Duration) *ScriptedWorker {
	w.delay = d
	return w
}

// BlockUntilCancelled makes every call block until its context ends.
func (w *ScriptedWorker) BlockUntilCancelled() *ScriptedWorker {
	w.blockOnCtx = true
	return w
}

// Calls returns how many times Run was invoked.
func (w *ScriptedWorker) Calls() int {
	return int(w.calls.Load())
}

// LastInput returns the most recent input handed to Run, or nil.
func (w *ScriptedWorker) LastInput() *types.WorkerInput {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.inputs) == 0 {
		return nil
	}
	return w.inputs[len(w.inputs)-1]
}

// Run implements registry.AnalysisWorker.
func (w *ScriptedWorker) Run(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
	w.calls.Add(1)
	w.mu.Lock()
	w.inputs = append(w.inputs, input)
	fail := w.err != nil && w.errBudget != 0
	if w.errBudget > 0 {
		w.errBudget--
	}
	w.mu.Unlock()

	if w.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, w.err
	}

	out := w.output
	return &out, nil
}
