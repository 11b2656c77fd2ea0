// Package orchestrator owns the session lifecycle: it creates the session,
// drives the workflow engine, routes every worker's output through the
// learning loop and the quality gate, and hands accepted runs to the
// synthesizer before finalizing the session.
//
// 协调器不持有任何进程级可变单例：所有会话状态都通过会话存储以
// 标识符传递，取消与进度通知按会话隔离。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/internal/metrics"
	"github.com/BaSui01/reviewflow/knowledge"
	"github.com/BaSui01/reviewflow/quality"
	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/session"
	"github.com/BaSui01/reviewflow/synthesis"
	"github.com/BaSui01/reviewflow/types"
	"github.com/BaSui01/reviewflow/workflow"
)

// Config 协调器配置：聚合各组件的配置段
type Config struct {
	Workflow  workflow.Config         `yaml:"workflow" json:"workflow"`
	Gate      quality.GateConfig      `yaml:"quality" json:"quality"`
	Synthesis synthesis.Config        `yaml:"synthesis" json:"synthesis"`
	Learner   knowledge.LearnerConfig `yaml:"knowledge" json:"knowledge"`

	// EventBuffer 每个事件订阅者的缓冲大小
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// DefaultConfig 返回默认协调器配置
func DefaultConfig() Config {
	return Config{
		Workflow:    workflow.DefaultConfig(),
		Gate:        quality.DefaultGateConfig(),
		Synthesis:   synthesis.DefaultConfig(),
		Learner:     knowledge.DefaultLearnerConfig(),
		EventBuffer: 64,
	}
}

// Orchestrator is the root component of the platform.
type Orchestrator struct {
	sessions  session.Store
	registry  *registry.Registry
	learner   *knowledge.Learner
	gate      *quality.Gate
	synth     *synthesis.Synthesizer
	engine    *workflow.Engine
	bus       *Bus
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New wires the orchestrator and its workflow engine. The knowledge graph
// may be backed by any Graph implementation; collector may be nil.
func New(cfg Config, sessions session.Store, reg *registry.Registry, graph knowledge.Graph, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		sessions:  sessions,
		registry:  reg,
		learner:   knowledge.NewLearner(graph, cfg.Learner, logger),
		gate:      quality.NewGate(cfg.Gate, logger),
		synth:     synthesis.NewSynthesizer(cfg.Synthesis, logger),
		bus:       NewBus(cfg.EventBuffer),
		collector: collector,
		tracer:    otel.Tracer("reviewflow/orchestrator"),
		logger:    logger.With(zap.String("component", "orchestrator")),
		cancels:   make(map[string]context.CancelFunc),
	}
	o.engine = workflow.NewEngine(cfg.Workflow, reg, sessions, o, o.publishPhase, logger)
	return o
}

// Subscribe returns the progress event stream for one session.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan Event, func()) {
	return o.bus.Subscribe(sessionID)
}

// Cancel requests cooperative cancellation of an in-flight session.
// It reports whether a matching session was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Session returns a session by id for inspection.
func (o *Orchestrator) Session(ctx context.Context, id string) (*types.Session, error) {
	s, err := o.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, types.NewError(types.ErrSessionNotFound, "unknown session").WithSession(id)
	}
	return s, err
}

// Sessions lists session summaries for operational querying.
func (o *Orchestrator) Sessions(ctx context.Context, filter session.Filter) ([]types.SessionSummary, error) {
	return o.sessions.List(ctx, filter)
}

// Analyze runs one end-to-end analysis: create the session, execute the
// workflow (a nil declaration derives the default parallel-group workflow
// from the registry), synthesize the accepted runs and finalize.
//
// On a fatal workflow error the partial session is returned alongside the
// error so the caller can inspect what did run.
func (o *Orchestrator) Analyze(ctx context.Context, input types.AnalysisInput, decl *workflow.Declaration) (*types.Session, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "session.analyze")
	defer span.End()

	id, err := o.sessions.Create(ctx, input)
	if err != nil {
		return nil, types.NewError(types.ErrOrchestrationFatal, "session store unavailable").WithCause(err)
	}
	span.SetAttributes(attribute.String("session.id", id))
	o.logger.Info("session created", zap.String("session", id), zap.Int("artifacts", len(input.Artifacts)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackCancel(id, cancel)
	defer o.untrackCancel(id)

	declaration := workflow.FromProfiles(o.registry.List(registry.Filter{}))
	if decl != nil {
		declaration = *decl
	}

	if err := o.engine.Execute(ctx, id, declaration); err != nil {
		o.collector.RecordSession(string(types.SessionFailed), time.Since(started))
		s, gerr := o.freshSession(id)
		if gerr != nil {
			return nil, err
		}
		o.recordFailedOutcomes(s.Runs)
		return s, err
	}

	o.publishPhase(id, workflow.PhaseValidating)
	s, err := o.freshSession(id)
	if err != nil {
		return nil, types.NewError(types.ErrOrchestrationFatal, "session store unavailable").WithSession(id).WithCause(err)
	}
	o.recordRuns(s.Runs)
	o.recordFailedOutcomes(s.Runs)

	synthesizing := types.SessionSynthesizing
	if _, err := o.sessions.Apply(ctx, id, session.Delta{Status: &synthesizing}); err != nil {
		return s, types.NewError(types.ErrOrchestrationFatal, "session store unavailable").WithSession(id).WithCause(err)
	}
	o.publishPhase(id, workflow.PhaseSynthesizing)

	meta, accepted := partitionRuns(s.Runs)
	report := o.synth.Synthesize(ctx, synthesis.Input{
		SessionID:     id,
		Accepted:      accepted,
		Domains:       o.workerDomains(),
		Meta:          meta,
		Deterministic: types.BuildDeterministicContext(s.Input),
	})

	final, err := o.sessions.Finalize(ctx, id, report)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			return s, types.NewError(types.ErrSessionConflict, "session already finalized").WithSession(id).WithCause(err)
		}
		return s, types.NewError(types.ErrOrchestrationFatal, "finalize failed").WithSession(id).WithCause(err)
	}

	o.collector.RecordSession(string(types.SessionCompleted), time.Since(started))
	o.collector.RecordReport(len(report.Findings), len(report.Conflicts))
	o.publishPhase(id, workflow.PhaseDone)
	o.bus.Publish(Event{Type: EventReportReady, SessionID: id, Message: report.Summary})

	o.logger.Info("session completed",
		zap.String("session", id),
		zap.Int("findings", len(report.Findings)),
		zap.Float64("risk", report.RiskScore),
		zap.Bool("degraded", report.Degraded))
	return final, nil
}

// Invoke implements workflow.Invoker: the full per-worker pipeline of
// retrieval, analysis, validation and storage for a single attempt.
func (o *Orchestrator) Invoke(ctx context.Context, workerID string, profile registry.Profile, view types.SessionContextView) (*types.WorkerRun, error) {
	ctx, span := o.tracer.Start(ctx, "worker.invoke",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("session.id", view.SessionID),
		))
	defer span.End()

	worker, _, err := o.registry.Resolve(workerID)
	if err != nil {
		return nil, err
	}
	s, err := o.sessions.Get(ctx, view.SessionID)
	if err != nil {
		return nil, err
	}

	// 检索阶段：历史模式 + 自身画像，失败则无提示零加成继续
	retrieval := o.learner.Retrieve(ctx, workerID, s.Input.Artifacts)
	o.collector.RecordRetrieval(len(retrieval.Hints))
	if retrieval.Degraded {
		o.collector.RecordDegradedLearning()
		o.bus.Publish(Event{
			Type: EventLearningDegraded, SessionID: view.SessionID,
			WorkerID: workerID, Message: "retrieval degraded, proceeding without hints",
		})
	}

	out, err := worker.Run(ctx, &types.WorkerInput{
		Artifacts:       s.Input.Artifacts,
		Context:         view,
		HistoricalHints: retrieval.Hints,
		Profile:         retrieval.Profile,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("worker %s returned no output", workerID)
	}

	verdict, err := o.gate.Validate(ctx, quality.Input{
		Output:        out,
		Deterministic: types.BuildDeterministicContext(s.Input),
		Domain:        profile.Domain,
		Profile:       retrieval.Profile,
		Boost:         retrieval.Boost,
		Novel:         len(retrieval.Hints) == 0,
	})
	if err != nil {
		return nil, err
	}
	o.collector.RecordQualityDecision(string(verdict.Decision))

	run := &types.WorkerRun{
		SessionID:           view.SessionID,
		WorkerID:            workerID,
		Findings:            out.Findings,
		Confidence:          verdict.Confidence,
		RawNarrative:        out.RawNarrative,
		ArtifactPaths:       artifactPaths(s.Input.Artifacts),
		RetrievedPatternIDs: patternIDs(retrieval.Hints),
		ConfidenceBoost:     retrieval.Boost,
		QualityDecision:     string(verdict.Decision),
		CheckScores:         verdict.Scores,
	}

	if verdict.Decision == quality.DecisionReject {
		run.Status = types.RunRejected
		run.ErrorDetail = strings.Join(verdict.Reasons, "; ")
		// 被拒运行不写回发现，但画像仍按每次运行更新
		o.learner.Store(ctx, run, &types.WorkerOutput{}, profile.Domain, false)
	} else {
		run.Status = types.RunSucceeded
		stored := o.learner.Store(ctx, run, out, profile.Domain, true)
		run.StoredPatternIDs = stored.PatternIDs
		o.collector.RecordPatternsStored(len(stored.PatternIDs))
		if stored.Degraded {
			o.collector.RecordDegradedLearning()
			o.bus.Publish(Event{
				Type: EventLearningDegraded, SessionID: view.SessionID,
				WorkerID: workerID, Message: "storage degraded, findings not persisted to graph",
			})
		}
	}

	o.bus.Publish(Event{
		Type: EventWorkerCompleted, SessionID: view.SessionID,
		WorkerID: workerID, Decision: string(verdict.Decision),
	})
	return run, nil
}

// Close releases the orchestrator's own resources. Stores are owned by the
// caller and closed separately.
func (o *Orchestrator) Close() {
	o.bus.Close()
}

func (o *Orchestrator) publishPhase(sessionID string, phase workflow.Phase) {
	o.bus.Publish(Event{Type: EventPhase, SessionID: sessionID, Phase: phase})
}

func (o *Orchestrator) trackCancel(sessionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[sessionID] = cancel
}

func (o *Orchestrator) untrackCancel(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, sessionID)
}

// freshSession reads the session outside the possibly-cancelled request
// context so partial state stays inspectable after cancellation.
func (o *Orchestrator) freshSession(id string) (*types.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.sessions.Get(ctx, id)
}

func (o *Orchestrator) recordRuns(runs []types.WorkerRun) {
	for _, r := range runs {
		duration := r.EndedAt.Sub(r.StartedAt)
		if duration < 0 {
			duration = 0
		}
		retries := r.Attempts - 1
		if retries < 0 {
			retries = 0
		}
		o.collector.RecordRun(r.WorkerID, string(r.Status), duration, retries)
	}
}

// recordFailedOutcomes amends worker profiles for runs that terminated as
// failed. Succeeded and rejected runs are recorded inside Invoke; failed
// runs (timeout, execution error, cancellation) never reach it, yet the
// profile counts every completed run. Runs outside the request context so
// a cancelled session still leaves the history complete.
func (o *Orchestrator) recordFailedOutcomes(runs []types.WorkerRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	domains := o.workerDomains()
	for i := range runs {
		r := runs[i]
		if r.Status != types.RunFailed {
			continue
		}
		o.learner.Store(ctx, &r, &types.WorkerOutput{}, domains[r.WorkerID], false)
	}
}

func (o *Orchestrator) workerDomains() map[string]string {
	domains := make(map[string]string)
	for _, p := range o.registry.List(registry.Filter{}) {
		domains[p.Name] = p.Domain
	}
	return domains
}

// partitionRuns splits the terminal runs into report metadata counts and
// the accepted set handed to synthesis. A run contributes findings if and
// only if it succeeded; escalated output is included but stays flagged
// through its quality decision and the escalation count.
func partitionRuns(runs []types.WorkerRun) (types.ReportMeta, []types.WorkerRun) {
	var meta types.ReportMeta
	var accepted []types.WorkerRun
	for _, r := range runs {
		switch r.Status {
		case types.RunSucceeded:
			meta.AcceptedWorkers++
			if r.QualityDecision == string(quality.DecisionEscalate) {
				meta.EscalatedWorkers++
			}
			accepted = append(accepted, r)
		case types.RunRejected:
			meta.RejectedWorkers++
		case types.RunFailed:
			meta.FailedWorkers++
		}
	}
	return meta, accepted
}

func artifactPaths(artifacts []types.CodeArtifact) []string {
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		paths = append(paths, a.Path)
	}
	return paths
}

func patternIDs(matches []types.PatternMatch) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Pattern.ID)
	}
	return ids
}
