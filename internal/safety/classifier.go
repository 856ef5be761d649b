// Package safety derives per-tool gating requirements and checks an
// invocation's approval state against them.
package safety

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// DefaultReasonMinLength is the minimum trimmed justification length.
const DefaultReasonMinLength = 8

// GatingOptions control ValidateInvocation.
type GatingOptions struct {
	// ClassificationEnforced false is limited read-only mode: every
	// invocation passes the classifier.
	ClassificationEnforced bool
	ReasonMinLength        int
}

// DefaultGatingOptions returns enforced gating with the default reason length.
func DefaultGatingOptions() GatingOptions {
	return GatingOptions{ClassificationEnforced: true, ReasonMinLength: DefaultReasonMinLength}
}

// staticReadOnly lists tools that never need approval. Everything else
// starts as mutating until a manifest classifies it.
var staticReadOnly = []string{
	models.ToolContextRead,
	models.ToolContextSearch,
	models.ToolEntityDetails,
	models.ToolEntitySimilar,
	models.ToolPipelineValidate,
	models.ToolPipelineImpact,
}

type table map[string]models.SafetyClassification

// Classifier holds the tool → classification table. Updates build a new
// table and swap it in, so readers never see a partial update.
type Classifier struct {
	current atomic.Pointer[table]
}

// NewClassifier creates a classifier seeded with the static defaults.
func NewClassifier() *Classifier {
	c := &Classifier{}
	c.Reset()
	return c
}

// Reset restores the static defaults.
func (c *Classifier) Reset() {
	t := make(table, len(staticReadOnly))
	for _, id := range staticReadOnly {
		t[id] = normalize(models.SafetyReadOnly, nil)
	}
	c.current.Store(&t)
}

// Classify returns the classification for toolID, or the mutating default
// for unknown tools.
func (c *Classifier) Classify(toolID string) models.SafetyClassification {
	if sc, ok := (*c.current.Load())[toolID]; ok {
		return sc
	}
	return normalize(models.SafetyMutating, nil)
}

// Snapshot returns a copy of the explicit table entries.
func (c *Classifier) Snapshot() map[string]models.SafetyClassification {
	cur := *c.current.Load()
	out := make(map[string]models.SafetyClassification, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// UpdateFromManifest applies safetyClass overrides from every enabled or
// preview record. Records without an override leave their entry unchanged.
func (c *Classifier) UpdateFromManifest(ix *capability.Index) {
	cur := *c.current.Load()
	next := make(table, len(cur))
	for k, v := range cur {
		next[k] = v
	}

	applied := 0
	for _, rec := range ix.Records() {
		if rec.SafetyClass == "" || ix.IsDisabled(rec.ID) {
			continue
		}
		next[rec.ID] = normalize(rec.SafetyClass, rec.RequiresApproval)
		applied++
	}
	c.current.Store(&next)
	log.Debug().Int("overrides", applied).Msg("Safety classifications updated from manifest")
}

// normalize enforces destructive ⇒ approval+reason and readOnly ⇒ no
// approval. A manifest approval flag only matters for mutating tools.
func normalize(class models.SafetyClass, requiresApproval *bool) models.SafetyClassification {
	switch class {
	case models.SafetyReadOnly:
		return models.SafetyClassification{SafetyClass: class}
	case models.SafetyDestructive:
		return models.SafetyClassification{SafetyClass: class, RequiresApproval: true, RequiresReason: true}
	default:
		approval := true
		if requiresApproval != nil {
			approval = *requiresApproval
		}
		return models.SafetyClassification{SafetyClass: models.SafetyMutating, RequiresApproval: approval}
	}
}

// ValidateInvocation checks approval and reason for toolID. It performs no
// I/O. The returned error is a *models.GateError with code
// approval_required or reason_too_short.
func (c *Classifier) ValidateInvocation(toolID string, approvalGranted bool, reason string, opts GatingOptions) error {
	if !opts.ClassificationEnforced {
		return nil
	}
	return Check(c.Classify(toolID), toolID, approvalGranted, reason, opts.ReasonMinLength)
}

// Check applies one classification to an approval state.
func Check(sc models.SafetyClassification, toolID string, approvalGranted bool, reason string, minLen int) error {
	if minLen <= 0 {
		minLen = DefaultReasonMinLength
	}
	if sc.RequiresApproval && !approvalGranted {
		return models.NewGateError(models.KindPermission, models.CodeApprovalRequired,
			"tool %s is %s and requires approval", toolID, sc.SafetyClass)
	}
	if sc.RequiresReason && len([]rune(strings.TrimSpace(reason))) < minLen {
		return models.NewGateError(models.KindPermission, models.CodeReasonTooShort,
			"tool %s requires a justification of at least %d characters", toolID, minLen)
	}
	return nil
}
