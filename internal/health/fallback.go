package health

import (
	"strings"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// Capability names one of the six fallback switches.
type Capability string

const (
	CapReadContext Capability = "canReadContext"
	CapValidate    Capability = "canValidate"
	CapBuildGraph  Capability = "canBuildGraph"
	CapRunImpact   Capability = "canRunImpact"
	CapGenerate    Capability = "canGenerate"
	CapUseAI       Capability = "canUseAI"
)

// FallbackFor derives the capability switches from a health status.
//
//	available             everything on
//	degraded              local deterministic operations on, generate/AI off
//	unavailable, unknown  local reads only
func FallbackFor(status models.HealthStatus) models.FallbackCapabilities {
	switch status {
	case models.HealthAvailable:
		return models.FallbackCapabilities{
			CanReadContext: true, CanValidate: true, CanBuildGraph: true,
			CanRunImpact: true, CanGenerate: true, CanUseAI: true,
		}
	case models.HealthDegraded:
		return models.FallbackCapabilities{
			CanReadContext: true, CanValidate: true, CanBuildGraph: true, CanRunImpact: true,
		}
	default:
		return models.FallbackCapabilities{CanReadContext: true}
	}
}

// RequiredCapability maps a tool to the switch that must be on for it to
// run. Unknown tools are treated as AI-dependent.
func RequiredCapability(toolID string) Capability {
	switch toolID {
	case models.ToolContextRead, models.ToolContextSearch, models.ToolEntityDetails:
		return CapReadContext
	case models.ToolPipelineValidate:
		return CapValidate
	case models.ToolPipelineBuildGraph:
		return CapBuildGraph
	case models.ToolPipelineImpact:
		return CapRunImpact
	case models.ToolPipelineGenerate:
		return CapGenerate
	}
	if strings.HasPrefix(toolID, "context.") {
		return CapReadContext
	}
	return CapUseAI
}

// Permits reports whether caps allows toolID.
func Permits(caps models.FallbackCapabilities, toolID string) bool {
	switch RequiredCapability(toolID) {
	case CapReadContext:
		return caps.CanReadContext
	case CapValidate:
		return caps.CanValidate
	case CapBuildGraph:
		return caps.CanBuildGraph
	case CapRunImpact:
		return caps.CanRunImpact
	case CapGenerate:
		return caps.CanGenerate
	default:
		return caps.CanUseAI
	}
}
