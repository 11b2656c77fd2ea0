// =============================================================================
// 🏭 测试数据工厂
// =============================================================================
package testutil

import (
	"fmt"

	"github.com/BaSui01/reviewflow/types"
)

// SampleInput returns a small analysis input with the given number of
// synthetic Go artifacts.
func SampleInput(artifacts int) types.AnalysisInput {
	input := types.AnalysisInput{}
	for i := 0; i < artifacts; i++ {
		input.Artifacts = append(input.Artifacts, types.CodeArtifact{
			Path:     fmt.Sprintf("pkg/file_%d.go", i),
			Language: "go",
			Content:  fmt.Sprintf("package pkg\n\nfunc Fn%d() int { return %d }\n", i, i),
		})
	}
	return input
}

// SampleFinding returns a medium-severity finding owned by workerID.
func SampleFinding(workerID, id string) types.Finding {
	return types.Finding{
		ID:                id,
		Type:              "deep_nesting",
		Severity:          types.SeverityMedium,
		Confidence:        0.9,
		Description:       "nesting depth over limit",
		WorkerID:          workerID,
		ArtifactPath:      "pkg/file_0.go",
		RecommendedAction: "extract_function",
	}
}

// SampleOutput returns a worker output carrying one finding.
func SampleOutput(workerID string) *types.WorkerOutput {
	return &types.WorkerOutput{
		Findings:     []types.Finding{SampleFinding(workerID, workerID+"-f1")},
		Confidence:   0.9,
		RawNarrative: "one structural issue located",
	}
}
