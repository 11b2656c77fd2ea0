// =============================================================================
// 📦 ReviewFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Session:   DefaultSessionConfig(),
		Knowledge: DefaultKnowledgeConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Quality:   DefaultQualityConfig(),
		Synthesis: DefaultSynthesisConfig(),
		Events:    DefaultEventsConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultSessionConfig 返回默认会话存储配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Store: "memory",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "reviewflow:",
		},
	}
}

// DefaultKnowledgeConfig 返回默认知识图谱配置
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		Store:               "memory",
		SimilarityThreshold: 0.8,
		BoostK:              0.05,
		MaxBoost:            0.3,
		MaxMatches:          20,
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "reviewflow.db",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Prune: PruneConfig{
			RetentionWindow:   90 * 24 * time.Hour,
			MinUsage:          2,
			MinEdgeConfidence: 0.2,
		},
	}
}

// DefaultWorkflowConfig 返回默认工作流配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		ConcurrencyLimit:     4,
		DefaultWorkerTimeout: 2 * time.Minute,
		MaxRetries:           2,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		DispatchRPS:          0,
		DispatchBurst:        1,
		MaxIterations:        5,
	}
}

// DefaultQualityConfig 返回默认质量门禁配置
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		MinimumConfidence:      0.7,
		MinimumDomainExpertise: 0.5,
		MaxBiasIndicators:      3,
		EscalationLow:          0.7,
		EscalationHigh:         0.8,
		FactTolerance:          0.1,
		HighStakesDomains:      []string{"security"},
	}
}

// DefaultSynthesisConfig 返回默认结果合成配置
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		DomainRiskWeights: map[string]float64{
			"security":    1.5,
			"complexity":  1.0,
			"style":       0.5,
			"performance": 1.0,
		},
		MaxFindings: 0,
	}
}

// DefaultEventsConfig 返回默认事件流配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		BufferSize: 64,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		EnableCaller: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "reviewflow",
		SampleRate:   1.0,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "reviewflow",
	}
}
