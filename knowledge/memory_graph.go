package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/reviewflow/types"
)

// edge 关系边（带置信度，供裁剪使用）
type edge struct {
	id         string
	relType    string
	fromID     string
	toID       string
	confidence float64
	createdAt  time.Time
}

// outcome 一次运行写回的结果记录（Profile ↔ outcome 二部图的 outcome 侧）
type outcome struct {
	workerID  string
	sessionID string
	accepted  bool
	createdAt time.Time
}

// InMemoryGraph 基于内存的知识图谱实现。
// 适用于本地开发、测试和小规模部署场景。
type InMemoryGraph struct {
	mu sync.RWMutex
	// patterns 以指纹为键，保证幂等写入
	patterns map[string]*types.Pattern
	// patternByID 以 ID 为键的二级索引
	patternByID map[string]*types.Pattern
	findings    map[string]*types.Finding
	solutions   map[string]*types.Solution
	profiles    map[string]*types.WorkerProfile
	edges       map[string]*edge
	// outEdges 记录从某个实体出发的边 ID 列表
	outEdges map[string][]string
	// inEdges 记录指向某个实体的边 ID 列表
	inEdges  map[string][]string
	outcomes []outcome
	logger   *zap.Logger
}

// NewInMemoryGraph 创建内存知识图谱。
func NewInMemoryGraph(logger *zap.Logger) *InMemoryGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryGraph{
		patterns:    make(map[string]*types.Pattern),
		patternByID: make(map[string]*types.Pattern),
		findings:    make(map[string]*types.Finding),
		solutions:   make(map[string]*types.Solution),
		profiles:    make(map[string]*types.WorkerProfile),
		edges:       make(map[string]*edge),
		outEdges:    make(map[string][]string),
		inEdges:     make(map[string][]string),
		logger:      logger.With(zap.String("component", "knowledge_graph_inmemory")),
	}
}

// Close implements Graph.
func (g *InMemoryGraph) Close() error {
	return nil
}

// StorePattern 幂等写入模式节点：相同指纹只自增使用计数。
func (g *InMemoryGraph) StorePattern(ctx context.Context, pattern *types.Pattern) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if pattern == nil || pattern.Fingerprint == "" {
		return "", fmt.Errorf("%w: pattern fingerprint is required", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.patterns[pattern.Fingerprint]; ok {
		existing.UsageCount++
		g.logger.Debug("pattern usage incremented",
			zap.String("id", existing.ID),
			zap.Int64("usage", existing.UsageCount))
		return existing.ID, nil
	}

	// 存储副本
	copied := *pattern
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	if copied.UsageCount == 0 {
		copied.UsageCount = 1
	}
	g.patterns[copied.Fingerprint] = &copied
	g.patternByID[copied.ID] = &copied

	g.logger.Debug("pattern stored",
		zap.String("id", copied.ID),
		zap.String("language", copied.Language))

	return copied.ID, nil
}

// StoreFinding 写入发现，并建立 finding → pattern 的 observed_in 边。
func (g *InMemoryGraph) StoreFinding(ctx context.Context, finding types.Finding, patternID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if finding.ID == "" {
		finding.ID = uuid.New().String()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	copied := finding
	g.findings[copied.ID] = &copied

	if patternID != "" {
		if _, ok := g.patternByID[patternID]; !ok {
			return fmt.Errorf("%w: pattern %q not found", ErrInvalidData, patternID)
		}
		g.addEdgeLocked(RelationObservedIn, copied.ID, patternID, copied.Confidence)
	}

	return nil
}

// StoreSolution 写入修复方案，并为每个关联 Finding 建立 resolves 边。
func (g *InMemoryGraph) StoreSolution(ctx context.Context, solution types.Solution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if solution.ID == "" {
		solution.ID = uuid.New().String()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	copied := solution
	g.solutions[copied.ID] = &copied

	for _, findingID := range copied.FindingIDs {
		if _, ok := g.findings[findingID]; !ok {
			continue
		}
		g.addEdgeLocked(RelationResolves, copied.ID, findingID, copied.Confidence)
	}

	return nil
}

// addEdgeLocked 建边（需持有写锁）。
func (g *InMemoryGraph) addEdgeLocked(relType, fromID, toID string, confidence float64) {
	e := &edge{
		id:         uuid.New().String(),
		relType:    relType,
		fromID:     fromID,
		toID:       toID,
		confidence: confidence,
		createdAt:  time.Now(),
	}
	g.edges[e.id] = e
	g.outEdges[fromID] = append(g.outEdges[fromID], e.id)
	g.inEdges[toID] = append(g.inEdges[toID], e.id)
}

// FindSimilar 按相似度检索模式及其关联的历史发现与方案。
func (g *InMemoryGraph) FindSimilar(ctx context.Context, q Query) ([]types.PatternMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	matches := make([]types.PatternMatch, 0)
	for _, p := range g.patterns {
		if q.Language != "" && p.Language != "" && p.Language != q.Language {
			continue
		}
		score := similarity(q, p)
		if score < q.Threshold {
			continue
		}
		matches = append(matches, types.PatternMatch{
			Pattern:    *p,
			Similarity: score,
			Findings:   g.linkedFindingsLocked(p.ID),
			Solutions:  g.linkedSolutionsLocked(p.ID),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	return matches, nil
}

// linkedFindingsLocked 收集指向模式的 observed_in 入边对应的 Finding。
func (g *InMemoryGraph) linkedFindingsLocked(patternID string) []types.Finding {
	var result []types.Finding
	for _, edgeID := range g.inEdges[patternID] {
		e, ok := g.edges[edgeID]
		if !ok || e.relType != RelationObservedIn {
			continue
		}
		if f, ok := g.findings[e.fromID]; ok {
			result = append(result, *f)
		}
	}
	return result
}

// linkedSolutionsLocked 通过 finding 的 resolves 入边收集二跳的 Solution。
func (g *InMemoryGraph) linkedSolutionsLocked(patternID string) []types.Solution {
	seen := make(map[string]bool)
	var result []types.Solution
	for _, f := range g.linkedFindingsLocked(patternID) {
		for _, edgeID := range g.inEdges[f.ID] {
			e, ok := g.edges[edgeID]
			if !ok || e.relType != RelationResolves {
				continue
			}
			if s, ok := g.solutions[e.fromID]; ok && !seen[s.ID] {
				seen[s.ID] = true
				result = append(result, *s)
			}
		}
	}
	return result
}

// Profile 返回 Worker 历史画像，从未运行过时返回 nil。
func (g *InMemoryGraph) Profile(ctx context.Context, workerID string) (*types.WorkerProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.profiles[workerID]
	if !ok {
		return nil, nil
	}
	copied := *p
	copied.Specialization = make(map[string]float64, len(p.Specialization))
	for k, v := range p.Specialization {
		copied.Specialization[k] = v
	}
	return &copied, nil
}

// UpdateWorkerProfile 以运行平均方式更新画像，并追加 outcome 记录。
func (g *InMemoryGraph) UpdateWorkerProfile(ctx context.Context, workerID, sessionID string, oc types.RunOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if workerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.profiles[workerID]
	if !ok {
		p = &types.WorkerProfile{
			WorkerID:       workerID,
			Specialization: make(map[string]float64),
		}
		g.profiles[workerID] = p
	}

	applyOutcome(p, oc)

	g.outcomes = append(g.outcomes, outcome{
		workerID:  workerID,
		sessionID: sessionID,
		accepted:  oc.Accepted,
		createdAt: time.Now(),
	})

	return nil
}

// applyOutcome 将一次运行结果并入画像（各后端共用）。
func applyOutcome(p *types.WorkerProfile, oc types.RunOutcome) {
	p.TotalRuns++
	if oc.Accepted {
		p.AcceptedRuns++
	}
	p.Accuracy = float64(p.AcceptedRuns) / float64(p.TotalRuns)
	if oc.Domain != "" {
		// 领域专长分：该领域被接受运行的指数滑动平均
		prev := p.Specialization[oc.Domain]
		val := 0.0
		if oc.Accepted {
			val = oc.Confidence
		}
		p.Specialization[oc.Domain] = prev*0.8 + val*0.2
	}
	p.UpdatedAt = time.Now()
}

// CollaborationEffectiveness 基于会话历史的共现分析推导协作分。
func (g *InMemoryGraph) CollaborationEffectiveness(ctx context.Context, workerA, workerB string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type pair struct{ aAccepted, bAccepted, aSeen, bSeen bool }
	bySession := make(map[string]*pair)
	for _, oc := range g.outcomes {
		if oc.workerID != workerA && oc.workerID != workerB {
			continue
		}
		p := bySession[oc.sessionID]
		if p == nil {
			p = &pair{}
			bySession[oc.sessionID] = p
		}
		if oc.workerID == workerA {
			p.aSeen = true
			p.aAccepted = p.aAccepted || oc.accepted
		} else {
			p.bSeen = true
			p.bAccepted = p.bAccepted || oc.accepted
		}
	}

	var shared, bothAccepted float64
	for _, p := range bySession {
		if p.aSeen && p.bSeen {
			shared++
			if p.aAccepted && p.bAccepted {
				bothAccepted++
			}
		}
	}
	if shared == 0 {
		return 0, nil
	}
	return bothAccepted / shared, nil
}

// Prune 裁剪超出保留窗口且低使用的模式，以及低置信度的边。
func (g *InMemoryGraph) Prune(ctx context.Context, policy PrunePolicy) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-policy.RetentionWindow)

	for fp, p := range g.patterns {
		if policy.RetentionWindow > 0 && p.CreatedAt.Before(cutoff) && p.UsageCount < policy.MinUsage {
			delete(g.patterns, fp)
			delete(g.patternByID, p.ID)
			g.removeEdgesOfLocked(p.ID)
			removed++
		}
	}

	for id, e := range g.edges {
		if e.confidence < policy.MinEdgeConfidence {
			g.removeEdgeLocked(id)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Info("knowledge graph pruned", zap.Int("removed", removed))
	}
	return removed, nil
}

// removeEdgesOfLocked 删除某实体关联的全部边（需持有写锁）。
func (g *InMemoryGraph) removeEdgesOfLocked(entityID string) {
	for _, edgeID := range append(g.outEdges[entityID], g.inEdges[entityID]...) {
		g.removeEdgeLocked(edgeID)
	}
	delete(g.outEdges, entityID)
	delete(g.inEdges, entityID)
}

// removeEdgeLocked 删除单条边（需持有写锁）。
func (g *InMemoryGraph) removeEdgeLocked(edgeID string) {
	e, ok := g.edges[edgeID]
	if !ok {
		return
	}
	delete(g.edges, edgeID)
	g.outEdges[e.fromID] = removeID(g.outEdges[e.fromID], edgeID)
	g.inEdges[e.toID] = removeID(g.inEdges[e.toID], edgeID)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
