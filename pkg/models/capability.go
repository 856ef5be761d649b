package models

// ── Capability Manifest ──────────────────────────────────────

// CapabilityPhase is the rollout phase of a capability.
type CapabilityPhase string

const (
	RolloutAlpha      CapabilityPhase = "alpha"
	RolloutBeta       CapabilityPhase = "beta"
	RolloutGA         CapabilityPhase = "ga"
	RolloutDeprecated CapabilityPhase = "deprecated"
)

// Valid reports whether p is a known rollout phase.
func (p CapabilityPhase) Valid() bool {
	switch p {
	case RolloutAlpha, RolloutBeta, RolloutGA, RolloutDeprecated:
		return true
	}
	return false
}

// CapabilityStatus is the toggle state of a capability.
type CapabilityStatus string

const (
	CapabilityEnabled  CapabilityStatus = "enabled"
	CapabilityDisabled CapabilityStatus = "disabled"
	CapabilityPreview  CapabilityStatus = "preview"
)

// Valid reports whether s is a known capability status.
func (s CapabilityStatus) Valid() bool {
	switch s {
	case CapabilityEnabled, CapabilityDisabled, CapabilityPreview:
		return true
	}
	return false
}

// SafetyClass categorizes how much damage a tool can do.
type SafetyClass string

const (
	SafetyReadOnly    SafetyClass = "readOnly"
	SafetyMutating    SafetyClass = "mutating"
	SafetyDestructive SafetyClass = "destructive"
)

// Valid reports whether c is a known safety class.
func (c SafetyClass) Valid() bool {
	switch c {
	case SafetyReadOnly, SafetyMutating, SafetyDestructive:
		return true
	}
	return false
}

// ManifestSource tags where a manifest came from.
type ManifestSource string

const (
	ManifestSourceRemote  ManifestSource = "remote"
	ManifestSourceFile    ManifestSource = "file"
	ManifestSourceBuiltin ManifestSource = "builtin"
	ManifestSourceCached  ManifestSource = "cached"
)

// CapabilityRecord is one feature toggle in a manifest.
type CapabilityRecord struct {
	ID               string           `json:"id" yaml:"id"`
	Title            string           `json:"title" yaml:"title"`
	Description      string           `json:"description" yaml:"description"`
	Phase            CapabilityPhase  `json:"phase" yaml:"phase"`
	Status           CapabilityStatus `json:"status" yaml:"status"`
	Since            string           `json:"since,omitempty" yaml:"since,omitempty"`
	Rationale        string           `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	FallbackToolID   string           `json:"fallbackToolId,omitempty" yaml:"fallbackToolId,omitempty"`
	RequiresApproval *bool            `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	SafetyClass      SafetyClass      `json:"safetyClass,omitempty" yaml:"safetyClass,omitempty"`
}

// CapabilityManifest is a versioned list of capability records.
// GeneratedAt is kept as the ISO-8601 string the source supplied.
type CapabilityManifest struct {
	ManifestID      string             `json:"manifestId" yaml:"manifestId"`
	GeneratedAt     string             `json:"generatedAt" yaml:"generatedAt"`
	Version         string             `json:"version" yaml:"version"`
	Capabilities    []CapabilityRecord `json:"capabilities" yaml:"capabilities"`
	Source          ManifestSource     `json:"source" yaml:"source"`
	RejectionReason string             `json:"rejectionReason,omitempty" yaml:"-"`
}

// SafetyClassification is the derived gating requirement for a tool.
type SafetyClassification struct {
	SafetyClass      SafetyClass `json:"safetyClass"`
	RequiresApproval bool        `json:"requiresApproval"`
	RequiresReason   bool        `json:"requiresReason"`
}
