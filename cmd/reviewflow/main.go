// =============================================================================
// ReviewFlow 主入口
// =============================================================================
// 命令行入口：一次性代码评审分析、知识图谱裁剪、健康检查
//
// 使用方法:
//
//	reviewflow run file1.go file2.go        # 分析给定文件并输出报告
//	reviewflow run --config config.yaml .   # 指定配置文件
//	reviewflow prune --config config.yaml   # 按保留策略裁剪知识图谱
//	reviewflow health --config config.yaml  # 检查存储连通性
//	reviewflow version                      # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/reviewflow"
	"github.com/BaSui01/reviewflow/config"
	"github.com/BaSui01/reviewflow/internal/metrics"
	"github.com/BaSui01/reviewflow/internal/telemetry"
	"github.com/BaSui01/reviewflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runAnalysis(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🔍 run 命令
// =============================================================================

func runAnalysis(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "run: at least one file argument is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting ReviewFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	}

	platform, err := reviewflow.New(cfg, reviewflow.WithLogger(logger), reviewflow.WithCollector(collector))
	if err != nil {
		logger.Fatal("Failed to assemble platform", zap.Error(err))
	}
	defer platform.Close()

	registerBuiltinWorkers(platform)

	input, err := loadArtifacts(fs.Args())
	if err != nil {
		logger.Fatal("Failed to read artifacts", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := platform.Analyze(ctx, input)
	if err != nil {
		logger.Error("analysis failed", zap.Error(err))
		if session != nil {
			printSession(session)
		}
		os.Exit(1)
	}
	printSession(session)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

// loadArtifacts reads the argument files into code artifacts. Directories
// are ignored; language is inferred from the file extension.
func loadArtifacts(paths []string) (types.AnalysisInput, error) {
	var input types.AnalysisInput
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return input, err
		}
		if info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return input, err
		}
		input.Artifacts = append(input.Artifacts, types.CodeArtifact{
			Path:     path,
			Language: languageOf(path),
			Content:  string(data),
		})
	}
	if len(input.Artifacts) == 0 {
		return input, fmt.Errorf("no readable files among %d arguments", len(paths))
	}
	return input, nil
}

func languageOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	default:
		return ""
	}
}

func printSession(s *types.Session) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode session: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

// =============================================================================
// 🧹 prune 命令
// =============================================================================

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	platform, err := reviewflow.New(cfg, reviewflow.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to assemble platform", zap.Error(err))
	}
	defer platform.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := platform.PruneKnowledge(ctx)
	if err != nil {
		logger.Fatal("prune failed", zap.Error(err))
	}
	fmt.Printf("pruned %d entities\n", removed)
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	// 组装即校验：存储后端不可达时 New 直接报错
	platform, err := reviewflow.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	platform.Close()
	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ReviewFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ReviewFlow - Multi-Worker Code Review Analysis

Usage:
  reviewflow <command> [options]

Commands:
  run       Analyze the given files and print the session report
  prune     Apply the retention policy to the knowledge graph
  health    Check that the configured stores are reachable
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  reviewflow run main.go handler.go
  reviewflow run --config /etc/reviewflow/config.yaml main.go
  reviewflow prune --config /etc/reviewflow/config.yaml
  reviewflow health
  reviewflow version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
