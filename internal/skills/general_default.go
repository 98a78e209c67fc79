package skills

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// GeneralDefault is the catch-all fallback skill selected when no other
// skill clears the router's score threshold.
type GeneralDefault struct{}

func (GeneralDefault) Descriptor() Descriptor {
	return Descriptor{
		Code:          "general-default",
		Name:          "General Default",
		Aliases:       []string{"auto", "general"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generic fallback skill for unmatched requirements.",
		TaskType:      "general",
	}
}

func (GeneralDefault) Score(requirement string, files []string) float64 {
	if strings.TrimSpace(requirement) == "" {
		return 0.2
	}
	return 0.5
}

func (s GeneralDefault) BuildExecutionPlan(ctx Context) map[string]any {
	plan := defaultPlan(s.Descriptor().SchemaVersion, s.Descriptor().Code, ctx.OutputContract)
	plan["packaging_rules"] = map[string]any{
		"include": []string{
			"outputs/**",
			"job/execution-plan.json",
			"job/request.md",
			"logs/opencode-last-message.md",
			"manifest.json",
		},
	}
	plan["hints"] = map[string]any{
		"required_files":               requiredFilesFromContract(ctx.OutputContract),
		"write_readme_for_assumptions": true,
	}
	return plan
}

func (s GeneralDefault) BuildPrompt(ctx Context, plan map[string]any) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	var b strings.Builder
	fmt.Fprintf(&b, "You are an enterprise-grade task execution agent. Follow these constraints strictly:\n")
	fmt.Fprintf(&b, "- workspace: %s\n", ctx.WorkspaceDir)
	fmt.Fprintf(&b, "- input directory: inputs/\n")
	fmt.Fprintf(&b, "- output directory: outputs/\n")
	fmt.Fprintf(&b, "- plan file: job/execution-plan.json\n")
	fmt.Fprintf(&b, "- requirement file: job/request.md\n")
	fmt.Fprintf(&b, "- load and execute skill: %s\n", ctx.SelectedSkill)
	fmt.Fprintf(&b, "- never modify the original files under inputs/\n")
	fmt.Fprintf(&b, "- write all results only under outputs/\n")
	fmt.Fprintf(&b, "- if information is insufficient, make the smallest reasonable assumption and record it in outputs/README.md\n")
	fmt.Fprintf(&b, "- prioritize satisfying the output_contract constraints in execution-plan.json\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON)
	return b.String()
}

func (GeneralDefault) ValidateOutputs(ctx Context) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	if !dirHasAnyEntry(outputsDir) {
		return fmt.Errorf("outputs/ is empty")
	}
	return missingRequired(outputsDir, requiredFilesFromContract(ctx.OutputContract))
}

func (GeneralDefault) ArtifactManifest(ctx Context) []ManifestItem {
	return []ManifestItem{{Kind: "default", Path: "outputs/"}}
}
