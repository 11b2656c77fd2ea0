// =============================================================================
// 📦 ReviewFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("REVIEWFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ReviewFlow 的完整配置结构
type Config struct {
	// Session 会话存储配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Knowledge 知识图谱配置
	Knowledge KnowledgeConfig `yaml:"knowledge" env:"KNOWLEDGE"`

	// Workflow 工作流引擎配置
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Quality 质量门禁配置
	Quality QualityConfig `yaml:"quality" env:"QUALITY"`

	// Synthesis 结果合成配置
	Synthesis SynthesisConfig `yaml:"synthesis" env:"SYNTHESIS"`

	// Events 会话事件流配置
	Events EventsConfig `yaml:"events" env:"EVENTS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	// 存储类型: memory, redis
	Store string `yaml:"store" env:"STORE"`
	// Redis 配置（Store == "redis" 时生效）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// KnowledgeConfig 知识图谱配置
type KnowledgeConfig struct {
	// 存储类型: memory, database
	Store string `yaml:"store" env:"STORE"`
	// 数据库配置（Store == "database" 时生效）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// 相似度检索阈值
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// 置信度加成系数: boost = min(k * matched, max_boost)
	BoostK float64 `yaml:"boost_k" env:"BOOST_K"`
	// 置信度加成上限
	MaxBoost float64 `yaml:"max_boost" env:"MAX_BOOST"`
	// 检索单次返回的最大模式数
	MaxMatches int `yaml:"max_matches" env:"MAX_MATCHES"`
	// 裁剪策略
	Prune PruneConfig `yaml:"prune" env:"PRUNE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN（sqlite 为文件路径；postgres/mysql 为连接串，优先于下列字段）
	DSN string `yaml:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// PruneConfig 知识图谱裁剪配置
type PruneConfig struct {
	// 模式保留窗口
	RetentionWindow time.Duration `yaml:"retention_window" env:"RETENTION_WINDOW"`
	// 保留窗口之外允许留存的最小使用次数
	MinUsage int64 `yaml:"min_usage" env:"MIN_USAGE"`
	// 低于该置信度的关系边被裁剪
	MinEdgeConfidence float64 `yaml:"min_edge_confidence" env:"MIN_EDGE_CONFIDENCE"`
}

// WorkflowConfig 工作流引擎配置
type WorkflowConfig struct {
	// 并行执行的 Worker 并发上限
	ConcurrencyLimit int64 `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
	// 单个 Worker 的默认超时
	DefaultWorkerTimeout time.Duration `yaml:"default_worker_timeout" env:"DEFAULT_WORKER_TIMEOUT"`
	// 超时/失败重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始延迟
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 重试最大延迟
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 延迟倍增因子
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	// 是否添加随机抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
	// 派发速率限制（每秒），0 表示不限制
	DispatchRPS float64 `yaml:"dispatch_rps" env:"DISPATCH_RPS"`
	// 派发速率突发量
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
	// 迭代工作流的最大迭代次数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
}

// QualityConfig 质量门禁配置
type QualityConfig struct {
	// 最低总置信度，低于则 reject
	MinimumConfidence float64 `yaml:"minimum_confidence" env:"MINIMUM_CONFIDENCE"`
	// 最低领域匹配度
	MinimumDomainExpertise float64 `yaml:"minimum_domain_expertise" env:"MINIMUM_DOMAIN_EXPERTISE"`
	// 偏见指示词数量上限
	MaxBiasIndicators int `yaml:"max_bias_indicators" env:"MAX_BIAS_INDICATORS"`
	// 升级区间 [lo, hi)：置信度落在区间内则 escalate
	EscalationLow  float64 `yaml:"escalation_low" env:"ESCALATION_LOW"`
	EscalationHigh float64 `yaml:"escalation_high" env:"ESCALATION_HIGH"`
	// 事实一致性容差（相对误差）
	FactTolerance float64 `yaml:"fact_tolerance" env:"FACT_TOLERANCE"`
	// 高风险领域：无历史模式匹配时强制 escalate
	HighStakesDomains []string `yaml:"high_stakes_domains" env:"HIGH_STAKES_DOMAINS"`
}

// SynthesisConfig 结果合成配置
type SynthesisConfig struct {
	// 聚合风险分数的各领域权重，缺省权重 1.0
	DomainRiskWeights map[string]float64 `yaml:"domain_risk_weights" env:"-"`
	// 报告包含的最大发现数，0 表示不限制
	MaxFindings int `yaml:"max_findings" env:"MAX_FINDINGS"`
}

// EventsConfig 会话事件流配置
type EventsConfig struct {
	// 每个订阅者的缓冲大小（信息型事件，满则丢弃最旧）
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "REVIEWFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 按字段类型解析并设置环境变量值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	// time.Duration 优先于一般 int64
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}
