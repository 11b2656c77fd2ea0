// Package reviewflow provides the top-level entry point for running the
// multi-worker code review analysis platform with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/reviewflow"
//
//	p, err := reviewflow.New(nil) // 全内存，零外部依赖
//	p.Register(registry.Profile{Name: "complexity", Domain: "complexity"}, myWorker)
//	session, err := p.Analyze(ctx, input)
//
// With a full config the same call wires Redis-backed sessions and a
// database-backed knowledge graph:
//
//	cfg, _ := config.NewLoader().WithConfigPath("config.yaml").Load()
//	p, err := reviewflow.New(cfg)
package reviewflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/config"
	"github.com/BaSui01/reviewflow/internal/metrics"
	"github.com/BaSui01/reviewflow/knowledge"
	"github.com/BaSui01/reviewflow/orchestrator"
	"github.com/BaSui01/reviewflow/quality"
	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/session"
	"github.com/BaSui01/reviewflow/synthesis"
	"github.com/BaSui01/reviewflow/types"
	"github.com/BaSui01/reviewflow/workflow"
)

// Option configures the platform created by [New].
type Option func(*options)

type options struct {
	logger    *zap.Logger
	sessions  session.Store
	graph     knowledge.Graph
	collector *metrics.Collector
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSessionStore overrides the config-derived session store.
func WithSessionStore(store session.Store) Option {
	return func(o *options) { o.sessions = store }
}

// WithGraph overrides the config-derived knowledge graph backend.
func WithGraph(graph knowledge.Graph) Option {
	return func(o *options) { o.graph = graph }
}

// WithCollector sets the Prometheus metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// Platform bundles the orchestrator with the stores it runs on.
type Platform struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	sessions session.Store
	graph    knowledge.Graph
	prune    knowledge.PrunePolicy
	logger   *zap.Logger

	// ownsStores 标记存储由本层创建，Close 时一并关闭
	ownsSessions bool
	ownsGraph    bool
}

// New assembles a platform from configuration. A nil config uses
// [config.DefaultConfig]: in-memory stores, no external services.
func New(cfg *config.Config, opts ...Option) (*Platform, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Platform{
		registry: registry.NewRegistry(logger),
		prune: knowledge.PrunePolicy{
			RetentionWindow:   cfg.Knowledge.Prune.RetentionWindow,
			MinUsage:          cfg.Knowledge.Prune.MinUsage,
			MinEdgeConfidence: cfg.Knowledge.Prune.MinEdgeConfidence,
		},
		logger: logger,
	}

	p.sessions = o.sessions
	if p.sessions == nil {
		store, err := buildSessionStore(cfg.Session)
		if err != nil {
			return nil, err
		}
		p.sessions = store
		p.ownsSessions = true
	}

	p.graph = o.graph
	if p.graph == nil {
		graph, err := buildGraph(cfg.Knowledge, logger)
		if err != nil {
			if p.ownsSessions {
				_ = p.sessions.Close()
			}
			return nil, err
		}
		p.graph = graph
		p.ownsGraph = true
	}

	p.orch = orchestrator.New(orchestratorConfig(cfg), p.sessions, p.registry, p.graph, o.collector, logger)
	return p, nil
}

// Register adds an analysis worker to the platform's registry. Safe to
// call while sessions are in flight.
func (p *Platform) Register(profile registry.Profile, worker registry.AnalysisWorker) error {
	return p.registry.Register(profile, worker)
}

// Registry exposes the worker registry for listing and unregistration.
func (p *Platform) Registry() *registry.Registry {
	return p.registry
}

// Analyze runs one end-to-end analysis session over all registered
// workers, grouped by their parallel groups.
func (p *Platform) Analyze(ctx context.Context, input types.AnalysisInput) (*types.Session, error) {
	return p.orch.Analyze(ctx, input, nil)
}

// AnalyzeWith runs one session with an explicit workflow declaration.
func (p *Platform) AnalyzeWith(ctx context.Context, input types.AnalysisInput, decl workflow.Declaration) (*types.Session, error) {
	return p.orch.Analyze(ctx, input, &decl)
}

// Subscribe returns the progress event stream for one session.
func (p *Platform) Subscribe(sessionID string) (<-chan orchestrator.Event, func()) {
	return p.orch.Subscribe(sessionID)
}

// Cancel requests cooperative cancellation of an in-flight session.
func (p *Platform) Cancel(sessionID string) bool {
	return p.orch.Cancel(sessionID)
}

// Session returns a session by id.
func (p *Platform) Session(ctx context.Context, id string) (*types.Session, error) {
	return p.orch.Session(ctx, id)
}

// Sessions lists session summaries.
func (p *Platform) Sessions(ctx context.Context, filter session.Filter) ([]types.SessionSummary, error) {
	return p.orch.Sessions(ctx, filter)
}

// PruneKnowledge applies the configured retention policy to the knowledge
// graph and returns the number of removed patterns. Intended to be called
// periodically by the operator.
func (p *Platform) PruneKnowledge(ctx context.Context) (int, error) {
	removed, err := p.graph.Prune(ctx, p.prune)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		p.logger.Info("knowledge graph pruned", zap.Int("removed", removed))
	}
	return removed, nil
}

// Close shuts the orchestrator down and closes any store this platform
// created itself. Stores injected via options stay open.
func (p *Platform) Close() error {
	p.orch.Close()
	var firstErr error
	if p.ownsGraph {
		if err := p.graph.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.ownsSessions {
		if err := p.sessions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildSessionStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Store)
	}
}

func buildGraph(cfg config.KnowledgeConfig, logger *zap.Logger) (knowledge.Graph, error) {
	switch cfg.Store {
	case "", "memory":
		return knowledge.NewInMemoryGraph(logger), nil
	case "database":
		return knowledge.OpenGormGraph(knowledge.DatabaseConfig{
			Driver:          cfg.Database.Driver,
			DSN:             databaseDSN(cfg.Database),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported knowledge store %q", cfg.Store)
	}
}

// databaseDSN prefers an explicit DSN and otherwise assembles one from the
// discrete host fields.
func databaseDSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch cfg.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	default:
		return cfg.DSN
	}
}

// orchestratorConfig maps the flat service config onto the component
// config sections the orchestrator aggregates.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Workflow: workflow.Config{
			ConcurrencyLimit:     cfg.Workflow.ConcurrencyLimit,
			DefaultWorkerTimeout: cfg.Workflow.DefaultWorkerTimeout,
			MaxRetries:           cfg.Workflow.MaxRetries,
			InitialBackoff:       cfg.Workflow.InitialBackoff,
			MaxBackoff:           cfg.Workflow.MaxBackoff,
			BackoffMultiplier:    cfg.Workflow.BackoffMultiplier,
			Jitter:               cfg.Workflow.Jitter,
			DispatchRPS:          cfg.Workflow.DispatchRPS,
			DispatchBurst:        cfg.Workflow.DispatchBurst,
			MaxIterations:        cfg.Workflow.MaxIterations,
		},
		Gate: quality.GateConfig{
			MinimumConfidence:      cfg.Quality.MinimumConfidence,
			MinimumDomainExpertise: cfg.Quality.MinimumDomainExpertise,
			MaxBiasIndicators:      cfg.Quality.MaxBiasIndicators,
			EscalationLow:          cfg.Quality.EscalationLow,
			EscalationHigh:         cfg.Quality.EscalationHigh,
			FactTolerance:          cfg.Quality.FactTolerance,
			HighStakesDomains:      cfg.Quality.HighStakesDomains,
		},
		Synthesis: synthesis.Config{
			DomainRiskWeights: cfg.Synthesis.DomainRiskWeights,
			MaxFindings:       cfg.Synthesis.MaxFindings,
		},
		Learner: knowledge.LearnerConfig{
			SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
			BoostK:              cfg.Knowledge.BoostK,
			MaxBoost:            cfg.Knowledge.MaxBoost,
			MaxMatches:          cfg.Knowledge.MaxMatches,
		},
		EventBuffer: cfg.Events.BufferSize,
	}
}
