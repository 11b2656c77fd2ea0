package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/reviewflow"
	"github.com/BaSui01/reviewflow/registry"
	"github.com/BaSui01/reviewflow/types"
)

// 内置启发式分析器：不依赖外部模型，开箱即可产出确定性的评审结论。
// 通过 Register 注册的外部 Worker 与它们并行运行。

const (
	maxNestingDepth = 6
	maxLineLength   = 120
	maxFileLines    = 800
)

func registerBuiltinWorkers(p *reviewflow.Platform) {
	builtins := []struct {
		profile registry.Profile
		worker  registry.WorkerFunc
	}{
		{
			profile: registry.Profile{
				Name:    "builtin-complexity",
				Domain:  "complexity",
				Timeout: 30 * time.Second,
			},
			worker: analyzeComplexity,
		},
		{
			profile: registry.Profile{
				Name:    "builtin-style",
				Domain:  "style",
				Timeout: 30 * time.Second,
			},
			worker: analyzeStyle,
		},
		{
			profile: registry.Profile{
				Name:    "builtin-volume",
				Domain:  "complexity",
				Timeout: 30 * time.Second,
			},
			worker: analyzeVolume,
		},
	}
	for _, b := range builtins {
		// 注册仅在名字为空或 worker 为 nil 时失败，这里两者皆有值
		_ = p.Register(b.profile, b.worker)
	}
}

// analyzeComplexity flags artifacts whose brace nesting exceeds the limit.
func analyzeComplexity(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
	out := &types.WorkerOutput{
		Confidence: 0.9,
		Metrics:    groundMetrics(input.Artifacts),
	}
	for i, artifact := range input.Artifacts {
		depth := maxBraceDepth(artifact.Content)
		if depth <= maxNestingDepth {
			continue
		}
		severity := types.SeverityMedium
		if depth > maxNestingDepth*2 {
			severity = types.SeverityHigh
		}
		out.Findings = append(out.Findings, types.Finding{
			ID:                fmt.Sprintf("complexity-%d", i),
			Type:              "deep_nesting",
			Severity:          severity,
			Confidence:        0.9,
			Description:       fmt.Sprintf("nesting depth %d exceeds limit %d", depth, maxNestingDepth),
			WorkerID:          "builtin-complexity",
			ArtifactPath:      artifact.Path,
			RecommendedAction: "extract_function",
		})
	}
	out.RawNarrative = fmt.Sprintf("checked nesting depth of %d artifacts, %d over limit",
		len(input.Artifacts), len(out.Findings))
	return out, nil
}

// analyzeStyle flags overlong lines.
func analyzeStyle(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
	out := &types.WorkerOutput{
		Confidence: 0.9,
		Metrics:    groundMetrics(input.Artifacts),
	}
	for i, artifact := range input.Artifacts {
		long := 0
		for _, line := range strings.Split(artifact.Content, "\n") {
			if len(line) > maxLineLength {
				long++
			}
		}
		if long == 0 {
			continue
		}
		out.Findings = append(out.Findings, types.Finding{
			ID:                fmt.Sprintf("style-%d", i),
			Type:              "long_line",
			Severity:          types.SeverityLow,
			Confidence:        0.9,
			Description:       fmt.Sprintf("%d lines longer than %d characters", long, maxLineLength),
			WorkerID:          "builtin-style",
			ArtifactPath:      artifact.Path,
			RecommendedAction: "wrap_lines",
		})
	}
	out.RawNarrative = fmt.Sprintf("checked line length of %d artifacts, %d with overlong lines",
		len(input.Artifacts), len(out.Findings))
	return out, nil
}

// analyzeVolume flags oversized artifacts.
func analyzeVolume(ctx context.Context, input *types.WorkerInput) (*types.WorkerOutput, error) {
	out := &types.WorkerOutput{
		Confidence: 0.9,
		Metrics:    groundMetrics(input.Artifacts),
	}
	for i, artifact := range input.Artifacts {
		lines := countLines(artifact.Content)
		if lines <= maxFileLines {
			continue
		}
		out.Findings = append(out.Findings, types.Finding{
			ID:                fmt.Sprintf("volume-%d", i),
			Type:              "large_file",
			Severity:          types.SeverityMedium,
			Confidence:        0.9,
			Description:       fmt.Sprintf("%d lines exceeds limit %d", lines, maxFileLines),
			WorkerID:          "builtin-volume",
			ArtifactPath:      artifact.Path,
			RecommendedAction: "split_file",
		})
	}
	out.RawNarrative = fmt.Sprintf("checked size of %d artifacts, %d oversized",
		len(input.Artifacts), len(out.Findings))
	return out, nil
}

// groundMetrics reports the same quantities the gate derives from the
// input, so built-in output always passes the factual-consistency check.
func groundMetrics(artifacts []types.CodeArtifact) map[string]float64 {
	lines, bytes := 0, 0
	for _, a := range artifacts {
		bytes += len(a.Content)
		lines += countLines(a.Content)
	}
	return map[string]float64{
		"artifacts": float64(len(artifacts)),
		"lines":     float64(lines),
		"bytes":     float64(bytes),
	}
}

// maxBraceDepth returns the deepest brace nesting level in content.
func maxBraceDepth(content string) int {
	depth, max := 0, 0
	for _, r := range content {
		switch r {
		case '{':
			depth++
			if depth > max {
				max = depth
			}
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}
