package skills

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// PPT targets slide-deck generation from a requirement plus media assets.
type PPT struct{}

var pptKeywords = []string{"ppt", "幻灯片", "演示", "presentation", "slides", "deck"}

var pptMediaExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".svg": true, ".pptx": true, ".pdf": true,
}

func (PPT) Descriptor() Descriptor {
	return Descriptor{
		Code:          "ppt",
		Name:          "PPT Generator",
		Aliases:       []string{"slides", "presentation"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generate slide deck from requirement and media assets.",
		TaskType:      "presentation",
	}
}

func (PPT) Score(requirement string, files []string) float64 {
	keywordHits := keywordCount(requirement, pptKeywords)
	mediaHits := extCount(files, pptMediaExtensions)
	return clamp01(0.1 + float64(keywordHits)*0.14 + float64(mediaHits)*0.08)
}

func (s PPT) BuildExecutionPlan(ctx Context) map[string]any {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{"required_files": []string{"slides.pptx"}}
	}
	plan := defaultPlan(s.Descriptor().SchemaVersion, s.Descriptor().Code, contract)
	plan["ppt_rules"] = map[string]any{
		"theme":                        "professional",
		"language":                     "zh-CN",
		"write_assumptions_to_readme": true,
	}
	return plan
}

func (s PPT) BuildPrompt(ctx Context, plan map[string]any) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	var b strings.Builder
	b.WriteString("Execute the ppt skill to complete this presentation task.\n")
	b.WriteString("Hard requirements:\n")
	b.WriteString("- read text and image assets from inputs/\n")
	b.WriteString("- write the result to outputs/slides.pptx\n")
	b.WriteString("- optionally write preview images to outputs/preview/*.png\n")
	b.WriteString("- if information is insufficient, make the smallest reasonable assumption and record it in outputs/README.md\n")
	b.WriteString("- never modify inputs/\n")
	b.WriteString("- strictly satisfy the output_contract in execution-plan.json\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON)
	return b.String()
}

func (PPT) ValidateOutputs(ctx Context) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	if !fileExists(filepath.Join(outputsDir, "slides.pptx")) {
		return fmt.Errorf("ppt skill requires outputs/slides.pptx")
	}
	return missingRequired(outputsDir, requiredFilesFromContract(ctx.OutputContract))
}

func (PPT) ArtifactManifest(ctx Context) []ManifestItem {
	return []ManifestItem{{Kind: "slides", Path: "outputs/slides.pptx"}}
}
