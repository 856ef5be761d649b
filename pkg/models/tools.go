package models

// Tool ids served by the sidecar.
const (
	ToolContextRead        = "context.read"
	ToolContextSearch      = "context.search"
	ToolEntityDetails      = "entity.details"
	ToolEntitySimilar      = "entity.similar"
	ToolPipelineValidate   = "pipeline.validate"
	ToolPipelineBuildGraph = "pipeline.build-graph"
	ToolPipelineImpact     = "pipeline.impact"
	ToolPipelineGenerate   = "pipeline.generate"
	ToolRepoCommit         = "repo.commit"
	ToolRepoReset          = "repo.reset"
)

// PipelinePrefix marks tools that run a repository pipeline script.
const PipelinePrefix = "pipeline."
