package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/reviewflow/types"
)

// =============================================================================
// 🗄️ 数据库持久化知识图谱
// =============================================================================

// DatabaseConfig 知识图谱数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" json:"driver"`
	// DSN（sqlite 为文件路径；其余驱动为连接串）
	DSN string `yaml:"dsn" json:"dsn"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// patternRow 模式表
type patternRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Fingerprint string `gorm:"uniqueIndex;size:128"`
	Language    string `gorm:"index;size:32"`
	Signature   string // JSON 编码的特征向量
	UsageCount  int64
	CreatedAt   time.Time
}

func (patternRow) TableName() string { return "kg_patterns" }

// findingRow 发现表
type findingRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	Type              string `gorm:"size:64"`
	Severity          string `gorm:"size:16"`
	Confidence        float64
	Description       string
	WorkerID          string `gorm:"index;size:64"`
	ArtifactPath      string `gorm:"size:255"`
	RecommendedAction string `gorm:"size:64"`
	PatternID         string `gorm:"index;size:64"`
}

func (findingRow) TableName() string { return "kg_findings" }

// solutionRow 方案表
type solutionRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	Description   string
	Effectiveness float64
	Confidence    float64
	FindingIDs    string // JSON 编码的 Finding ID 列表
}

func (solutionRow) TableName() string { return "kg_solutions" }

// profileRow Worker 画像表
type profileRow struct {
	WorkerID       string `gorm:"primaryKey;size:64"`
	Accuracy       float64
	TotalRuns      int64
	AcceptedRuns   int64
	Specialization string // JSON 编码的领域专长分
	UpdatedAt      time.Time
}

func (profileRow) TableName() string { return "kg_profiles" }

// edgeRow 关系边表
type edgeRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	RelType    string `gorm:"index;size:32"`
	FromID     string `gorm:"index;size:64"`
	ToID       string `gorm:"index;size:64"`
	Confidence float64
	CreatedAt  time.Time
}

func (edgeRow) TableName() string { return "kg_edges" }

// outcomeRow 运行结果记录表（Profile ↔ outcome 二部图的 outcome 侧）
type outcomeRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	WorkerID  string `gorm:"index;size:64"`
	SessionID string `gorm:"index;size:64"`
	Accepted  bool
	CreatedAt time.Time
}

func (outcomeRow) TableName() string { return "kg_outcomes" }

// GormGraph 基于 GORM 的知识图谱实现，支持 sqlite/postgres/mysql。
type GormGraph struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenGormGraph 按驱动打开数据库并自动迁移表结构。
func OpenGormGraph(cfg DatabaseConfig, logger *zap.Logger) (*GormGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "reviewflow.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&patternRow{}, &findingRow{}, &solutionRow{},
		&profileRow{}, &edgeRow{}, &outcomeRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate knowledge schema: %w", err)
	}

	logger.Info("knowledge graph database opened", zap.String("driver", cfg.Driver))

	return &GormGraph{
		db:     db,
		logger: logger.With(zap.String("component", "knowledge_graph_db")),
	}, nil
}

// Close implements Graph.
func (g *GormGraph) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StorePattern 幂等写入：同指纹只自增使用计数（事务内完成）。
func (g *GormGraph) StorePattern(ctx context.Context, pattern *types.Pattern) (string, error) {
	if pattern == nil || pattern.Fingerprint == "" {
		return "", fmt.Errorf("%w: pattern fingerprint is required", ErrInvalidData)
	}

	var id string
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing patternRow
		err := tx.Where("fingerprint = ?", pattern.Fingerprint).First(&existing).Error
		if err == nil {
			id = existing.ID
			return tx.Model(&patternRow{}).
				Where("id = ?", existing.ID).
				UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row := patternRow{
			ID:          pattern.ID,
			Fingerprint: pattern.Fingerprint,
			Language:    pattern.Language,
			Signature:   marshalJSON(pattern.Signature),
			UsageCount:  1,
			CreatedAt:   pattern.CreatedAt,
		}
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now()
		}
		id = row.ID
		return tx.Create(&row).Error
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

// StoreFinding 写入发现；patternID 非空时建立 observed_in 边。
func (g *GormGraph) StoreFinding(ctx context.Context, finding types.Finding, patternID string) error {
	if finding.ID == "" {
		finding.ID = uuid.New().String()
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := findingRow{
			ID:                finding.ID,
			Type:              finding.Type,
			Severity:          finding.Severity,
			Confidence:        finding.Confidence,
			Description:       finding.Description,
			WorkerID:          finding.WorkerID,
			ArtifactPath:      finding.ArtifactPath,
			RecommendedAction: finding.RecommendedAction,
			PatternID:         patternID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if patternID == "" {
			return nil
		}
		return tx.Create(&edgeRow{
			ID:         uuid.New().String(),
			RelType:    RelationObservedIn,
			FromID:     finding.ID,
			ToID:       patternID,
			Confidence: finding.Confidence,
			CreatedAt:  time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// StoreSolution 写入方案并建立 resolves 边。
func (g *GormGraph) StoreSolution(ctx context.Context, solution types.Solution) error {
	if solution.ID == "" {
		solution.ID = uuid.New().String()
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := solutionRow{
			ID:            solution.ID,
			Description:   solution.Description,
			Effectiveness: solution.Effectiveness,
			Confidence:    solution.Confidence,
			FindingIDs:    marshalJSON(solution.FindingIDs),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, findingID := range solution.FindingIDs {
			e := edgeRow{
				ID:         uuid.New().String(),
				RelType:    RelationResolves,
				FromID:     solution.ID,
				ToID:       findingID,
				Confidence: solution.Confidence,
				CreatedAt:  time.Now(),
			}
			if err := tx.Create(&e).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FindSimilar 检索相似模式。
// 候选按语言预过滤后在进程内计算余弦相似度；模式规模受 Prune 约束。
func (g *GormGraph) FindSimilar(ctx context.Context, q Query) ([]types.PatternMatch, error) {
	query := g.db.WithContext(ctx).Model(&patternRow{})
	if q.Language != "" {
		query = query.Where("language = ? OR language = ''", q.Language)
	}

	var rows []patternRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	matches := make([]types.PatternMatch, 0)
	for _, row := range rows {
		p := rowToPattern(row)
		score := similarity(q, &p)
		if score < q.Threshold {
			continue
		}

		findings, err := g.linkedFindings(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		solutions, err := g.linkedSolutions(ctx, findings)
		if err != nil {
			return nil, err
		}

		matches = append(matches, types.PatternMatch{
			Pattern:    p,
			Similarity: score,
			Findings:   findings,
			Solutions:  solutions,
		})
	}

	// 按相似度降序
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (g *GormGraph) linkedFindings(ctx context.Context, patternID string) ([]types.Finding, error) {
	var rows []findingRow
	err := g.db.WithContext(ctx).Where("pattern_id = ?", patternID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := make([]types.Finding, 0, len(rows))
	for _, row := range rows {
		result = append(result, types.Finding{
			ID:                row.ID,
			Type:              row.Type,
			Severity:          row.Severity,
			Confidence:        row.Confidence,
			Description:       row.Description,
			WorkerID:          row.WorkerID,
			ArtifactPath:      row.ArtifactPath,
			RecommendedAction: row.RecommendedAction,
			PatternID:         row.PatternID,
		})
	}
	return result, nil
}

func (g *GormGraph) linkedSolutions(ctx context.Context, findings []types.Finding) ([]types.Solution, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.ID)
	}

	var edges []edgeRow
	err := g.db.WithContext(ctx).
		Where("rel_type = ? AND to_id IN ?", RelationResolves, ids).
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(edges) == 0 {
		return nil, nil
	}

	solutionIDs := make([]string, 0, len(edges))
	seen := make(map[string]bool)
	for _, e := range edges {
		if !seen[e.FromID] {
			seen[e.FromID] = true
			solutionIDs = append(solutionIDs, e.FromID)
		}
	}

	var rows []solutionRow
	if err := g.db.WithContext(ctx).Where("id IN ?", solutionIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := make([]types.Solution, 0, len(rows))
	for _, row := range rows {
		var findingIDs []string
		_ = json.Unmarshal([]byte(row.FindingIDs), &findingIDs)
		result = append(result, types.Solution{
			ID:            row.ID,
			Description:   row.Description,
			Effectiveness: row.Effectiveness,
			Confidence:    row.Confidence,
			FindingIDs:    findingIDs,
		})
	}
	return result, nil
}

// Profile 返回 Worker 画像，不存在时返回 nil。
func (g *GormGraph) Profile(ctx context.Context, workerID string) (*types.WorkerProfile, error) {
	var row profileRow
	err := g.db.WithContext(ctx).Where("worker_id = ?", workerID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	specialization := make(map[string]float64)
	_ = json.Unmarshal([]byte(row.Specialization), &specialization)

	return &types.WorkerProfile{
		WorkerID:       row.WorkerID,
		Accuracy:       row.Accuracy,
		TotalRuns:      row.TotalRuns,
		AcceptedRuns:   row.AcceptedRuns,
		Specialization: specialization,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// UpdateWorkerProfile 在事务内更新画像并追加 outcome 记录。
func (g *GormGraph) UpdateWorkerProfile(ctx context.Context, workerID, sessionID string, oc types.RunOutcome) error {
	if workerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidData)
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row profileRow
		err := tx.Where("worker_id = ?", workerID).First(&row).Error
		profile := &types.WorkerProfile{WorkerID: workerID, Specialization: make(map[string]float64)}
		if err == nil {
			profile.Accuracy = row.Accuracy
			profile.TotalRuns = row.TotalRuns
			profile.AcceptedRuns = row.AcceptedRuns
			_ = json.Unmarshal([]byte(row.Specialization), &profile.Specialization)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		applyOutcome(profile, oc)

		updated := profileRow{
			WorkerID:       workerID,
			Accuracy:       profile.Accuracy,
			TotalRuns:      profile.TotalRuns,
			AcceptedRuns:   profile.AcceptedRuns,
			Specialization: marshalJSON(profile.Specialization),
			UpdatedAt:      profile.UpdatedAt,
		}
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}

		return tx.Create(&outcomeRow{
			WorkerID:  workerID,
			SessionID: sessionID,
			Accepted:  oc.Accepted,
			CreatedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CollaborationEffectiveness 基于 outcome 表的共现分析。
func (g *GormGraph) CollaborationEffectiveness(ctx context.Context, workerA, workerB string) (float64, error) {
	var rows []outcomeRow
	err := g.db.WithContext(ctx).
		Where("worker_id IN ?", []string{workerA, workerB}).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	type pair struct{ aAccepted, bAccepted, aSeen, bSeen bool }
	bySession := make(map[string]*pair)
	for _, row := range rows {
		p := bySession[row.SessionID]
		if p == nil {
			p = &pair{}
			bySession[row.SessionID] = p
		}
		if row.WorkerID == workerA {
			p.aSeen = true
			p.aAccepted = p.aAccepted || row.Accepted
		} else {
			p.bSeen = true
			p.bAccepted = p.bAccepted || row.Accepted
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

// Prune 删除过期低使用模式与低置信度边。
func (g *GormGraph) Prune(ctx context.Context, policy PrunePolicy) (int, error) {
	removed := 0
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if policy.RetentionWindow > 0 {
			cutoff := time.Now().Add(-policy.RetentionWindow)

			var stale []patternRow
			err := tx.Where("created_at < ? AND usage_count < ?", cutoff, policy.MinUsage).
				Find(&stale).Error
			if err != nil {
				return err
			}
			for _, p := range stale {
				if err := tx.Where("from_id = ? OR to_id = ?", p.ID, p.ID).Delete(&edgeRow{}).Error; err != nil {
					return err
				}
				if err := tx.Delete(&patternRow{}, "id = ?", p.ID).Error; err != nil {
					return err
				}
				removed++
			}
		}

		result := tx.Where("confidence < ?", policy.MinEdgeConfidence).Delete(&edgeRow{})
		if result.Error != nil {
			return result.Error
		}
		removed += int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if removed > 0 {
		g.logger.Info("knowledge graph pruned", zap.Int("removed", removed))
	}
	return removed, nil
}

func rowToPattern(row patternRow) types.Pattern {
	var signature []float64
	_ = json.Unmarshal([]byte(row.Signature), &signature)
	return types.Pattern{
		ID:          row.ID,
		Fingerprint: row.Fingerprint,
		Language:    row.Language,
		Signature:   signature,
		UsageCount:  row.UsageCount,
		CreatedAt:   row.CreatedAt,
	}
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
