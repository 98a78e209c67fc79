package skills

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// DataAnalysis targets tabular data analysis and report/chart generation.
type DataAnalysis struct{}

var dataAnalysisKeywords = []string{
	"数据", "分析", "统计", "报表", "趋势", "csv", "excel", "dataset", "analyze",
}

var dataAnalysisExtensions = map[string]bool{
	".csv": true, ".xlsx": true, ".xls": true, ".parquet": true, ".json": true,
}

func (DataAnalysis) Descriptor() Descriptor {
	return Descriptor{
		Code:          "data-analysis",
		Name:          "Data Analysis",
		Aliases:       []string{"analysis", "csv-analysis"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Analyze tabular data and output report with charts.",
		TaskType:      "data_analysis",
	}
}

func (DataAnalysis) Score(requirement string, files []string) float64 {
	keywordHits := keywordCount(requirement, dataAnalysisKeywords)
	fileHits := extCount(files, dataAnalysisExtensions)
	return clamp01(0.15 + float64(keywordHits)*0.12 + float64(fileHits)*0.2)
}

func (s DataAnalysis) BuildExecutionPlan(ctx Context) map[string]any {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{
			"required_files":   []string{"report.md"},
			"suggested_files":  []string{"charts/overview.png"},
		}
	}
	plan := defaultPlan(s.Descriptor().SchemaVersion, s.Descriptor().Code, contract)
	plan["analysis_rules"] = map[string]any{
		"language":                     "zh-CN",
		"chart_engine":                 "matplotlib",
		"write_assumptions_to_readme": true,
	}
	return plan
}

func (s DataAnalysis) BuildPrompt(ctx Context, plan map[string]any) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	var b strings.Builder
	b.WriteString("Execute the data-analysis skill to complete this data analysis task.\n")
	b.WriteString("Hard requirements:\n")
	b.WriteString("- read the raw data from inputs/, never modify the original files\n")
	b.WriteString("- write structured analysis conclusions to outputs/report.md\n")
	b.WriteString("- generate reproducible charts under outputs/charts/ (prefer png)\n")
	b.WriteString("- if field semantics are incomplete, make the smallest reasonable assumption and record it in outputs/README.md\n")
	b.WriteString("- strictly satisfy the output_contract acceptance criteria in execution-plan.json\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON)
	return b.String()
}

func (DataAnalysis) ValidateOutputs(ctx Context) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	if !fileExists(filepath.Join(outputsDir, "report.md")) {
		return fmt.Errorf("data-analysis requires outputs/report.md")
	}
	return missingRequired(outputsDir, requiredFilesFromContract(ctx.OutputContract))
}

func (DataAnalysis) ArtifactManifest(ctx Context) []ManifestItem {
	return []ManifestItem{
		{Kind: "report", Path: "outputs/report.md"},
		{Kind: "chart_dir", Path: "outputs/charts"},
	}
}
