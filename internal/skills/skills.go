// Package skills implements the Skill Catalog (spec.md §4.3): a small set of
// task-specific strategies that score a requirement, build the execution
// plan and prompt sent to the agent runtime, and validate the outputs a
// job produced.
package skills

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Context carries the inputs a Skill needs to build a plan, prompt, or
// run output validation.
type Context struct {
	JobID           string
	TenantID        string
	Requirement     string
	WorkspaceDir    string
	InputFiles      []string
	SelectedSkill   string
	Agent           string
	ModelProviderID string
	ModelID         string
	OutputContract  map[string]any
}

// Descriptor is the catalog entry returned by GET /skills (spec.md §6.1).
type Descriptor struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	Description   string   `json:"description"`
	TaskType      string   `json:"task_type"`
}

// ManifestItem is one skill-specific entry contributed to the artifact manifest.
type ManifestItem struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Skill is the strategy interface every catalog entry implements.
type Skill interface {
	Descriptor() Descriptor
	Score(requirement string, files []string) float64
	BuildExecutionPlan(ctx Context) map[string]any
	BuildPrompt(ctx Context, plan map[string]any) string
	ValidateOutputs(ctx Context) error
	ArtifactManifest(ctx Context) []ManifestItem
}

func requiredFilesFromContract(contract map[string]any) []string {
	if contract == nil {
		return nil
	}
	for _, key := range []string{"required_files", "files", "required"} {
		raw, ok := contract[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func defaultPlan(schemaVersion, code string, contract map[string]any) map[string]any {
	if contract == nil {
		contract = map[string]any{"required_files": []string{}}
	}
	return map[string]any{
		"schema_version":  schemaVersion,
		"selected_skill":  code,
		"output_contract": contract,
		"packaging_rules": map[string]any{
			"include": []string{"outputs/**", "job/request.md", "job/execution-plan.json"},
		},
		"timeouts": map[string]any{
			"soft_seconds": 15 * 60,
			"hard_seconds": 20 * 60,
		},
		"retry_policy": map[string]any{
			"max_attempts":    2,
			"backoff_seconds": []int{30, 120},
		},
	}
}

func extCount(files []string, exts map[string]bool) int {
	n := 0
	for _, f := range files {
		if exts[strings.ToLower(filepath.Ext(f))] {
			n++
		}
	}
	return n
}

func keywordCount(text string, keywords []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

func missingRequired(outputsDir string, required []string) error {
	for _, rel := range required {
		if !fileExists(filepath.Join(outputsDir, rel)) {
			return fmt.Errorf("missing required output file: %s", rel)
		}
	}
	return nil
}
