package capability

import (
	"context"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// builtinGeneratedAt is fixed so that the built-in manifest is stable
// across restarts.
const builtinGeneratedAt = "2025-01-01T00:00:00Z"

// BuiltinSource serves the manifest compiled into the binary. It is used
// when neither a manifest path nor a URL is configured.
type BuiltinSource struct{}

// Kind implements contracts.ManifestSource.
func (BuiltinSource) Kind() models.ManifestSource { return models.ManifestSourceBuiltin }

// FetchManifest implements contracts.ManifestSource.
func (BuiltinSource) FetchManifest(_ context.Context) (map[string]interface{}, error) {
	return BuiltinManifest(), nil
}

// BuiltinManifest returns a fresh raw copy of the built-in manifest.
func BuiltinManifest() map[string]interface{} {
	ga := func(id, title, desc string) map[string]interface{} {
		return map[string]interface{}{
			"id":          id,
			"title":       title,
			"description": desc,
			"phase":       string(models.RolloutGA),
			"status":      string(models.CapabilityEnabled),
			"since":       "0.1.0",
		}
	}
	destructive := func(id, title, desc string) map[string]interface{} {
		return map[string]interface{}{
			"id":               id,
			"title":            title,
			"description":      desc,
			"phase":            string(models.RolloutBeta),
			"status":           string(models.CapabilityPreview),
			"safetyClass":      string(models.SafetyDestructive),
			"requiresApproval": true,
			"rationale":        "mutates repository history",
		}
	}

	// Build outputs are derived files, safe to regenerate without approval.
	derived := func(id, title, desc string) map[string]interface{} {
		rec := ga(id, title, desc)
		rec["safetyClass"] = string(models.SafetyMutating)
		rec["requiresApproval"] = false
		return rec
	}

	similar := ga(models.ToolEntitySimilar, "Similar entities", "Find entities related to a given entity")
	similar["fallbackToolId"] = models.ToolContextSearch

	return map[string]interface{}{
		"manifestId":  "context-kit-builtin",
		"generatedAt": builtinGeneratedAt,
		"version":     "1.0.0",
		"source":      string(models.ManifestSourceBuiltin),
		"capabilities": []interface{}{
			ga(models.ToolContextRead, "Read context entity", "Read a context entity YAML file"),
			ga(models.ToolContextSearch, "Search context", "Substring search across context entities"),
			ga(models.ToolEntityDetails, "Entity details", "Return the parsed fields of one entity"),
			similar,
			ga(models.ToolPipelineValidate, "Validate", "Run the schema validation pipeline"),
			derived(models.ToolPipelineBuildGraph, "Build graph", "Rebuild the dependency graph"),
			ga(models.ToolPipelineImpact, "Impact analysis", "Compute impact of changed entities"),
			derived(models.ToolPipelineGenerate, "Generate", "Generate prompts and specs from context"),
			destructive(models.ToolRepoCommit, "Commit", "Commit staged changes to the context repository"),
			destructive(models.ToolRepoReset, "Reset", "Hard reset the context repository"),
		},
	}
}
