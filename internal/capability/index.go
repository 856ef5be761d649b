package capability

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// Index is an immutable lookup built from one manifest. Records are
// partitioned into disjoint enabled/preview/disabled sets by status.
type Index struct {
	manifest models.CapabilityManifest
	byID     map[string]models.CapabilityRecord
	enabled  map[string]struct{}
	preview  map[string]struct{}
	disabled map[string]struct{}
}

// Build indexes an already validated manifest. Later duplicates of an id
// replace earlier ones, although Validate rejects duplicates up front.
func Build(m *models.CapabilityManifest) *Index {
	ix := &Index{
		byID:     make(map[string]models.CapabilityRecord),
		enabled:  make(map[string]struct{}),
		preview:  make(map[string]struct{}),
		disabled: make(map[string]struct{}),
	}
	if m == nil {
		return ix
	}
	ix.manifest = *m
	ix.manifest.Capabilities = append([]models.CapabilityRecord(nil), m.Capabilities...)

	for _, rec := range m.Capabilities {
		delete(ix.enabled, rec.ID)
		delete(ix.preview, rec.ID)
		delete(ix.disabled, rec.ID)

		ix.byID[rec.ID] = rec
		switch rec.Status {
		case models.CapabilityEnabled:
			ix.enabled[rec.ID] = struct{}{}
		case models.CapabilityPreview:
			ix.preview[rec.ID] = struct{}{}
		default:
			ix.disabled[rec.ID] = struct{}{}
		}
	}
	return ix
}

// IsEnabled reports whether id has status enabled.
func (ix *Index) IsEnabled(id string) bool {
	_, ok := ix.enabled[id]
	return ok
}

// IsPreview reports whether id has status preview.
func (ix *Index) IsPreview(id string) bool {
	_, ok := ix.preview[id]
	return ok
}

// IsDisabled reports whether id is disabled. Unknown ids count as disabled.
func (ix *Index) IsDisabled(id string) bool {
	return !ix.IsEnabled(id) && !ix.IsPreview(id)
}

// Record returns the record for id.
func (ix *Index) Record(id string) (models.CapabilityRecord, bool) {
	rec, ok := ix.byID[id]
	return rec, ok
}

// Manifest returns a copy of the indexed manifest.
func (ix *Index) Manifest() models.CapabilityManifest {
	m := ix.manifest
	m.Capabilities = append([]models.CapabilityRecord(nil), ix.manifest.Capabilities...)
	return m
}

// Records returns every record sorted by id.
func (ix *Index) Records() []models.CapabilityRecord {
	out := make([]models.CapabilityRecord, 0, len(ix.byID))
	for _, rec := range ix.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledIDs, PreviewIDs and DisabledIDs return sorted set members.
func (ix *Index) EnabledIDs() []string  { return sortedKeys(ix.enabled) }
func (ix *Index) PreviewIDs() []string  { return sortedKeys(ix.preview) }
func (ix *Index) DisabledIDs() []string { return sortedKeys(ix.disabled) }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ── Catalog ─────────────────────────────────────────────────

// Catalog holds the current Index. Readers see either the previous or the
// fully built next index; Load never publishes a partial one.
type Catalog struct {
	current atomic.Pointer[Index]
	now     func() time.Time
}

// NewCatalog creates a catalog seeded with the given manifest. A nil
// manifest seeds an empty index.
func NewCatalog(initial *models.CapabilityManifest) *Catalog {
	c := &Catalog{now: time.Now}
	c.current.Store(Build(initial))
	return c
}

// WithClock overrides the clock used to stamp fallback manifests.
func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.now = now
	return c
}

// Current returns the installed index.
func (c *Catalog) Current() *Index {
	return c.current.Load()
}

// Load validates a raw manifest and installs it. source tags the manifest
// when the document does not name its own source. On validation failure an
// empty fallback manifest tagged with the rejection reason is installed
// instead and the errors are returned. The installed index is returned in
// both cases.
func (c *Catalog) Load(raw map[string]interface{}, source models.ManifestSource) (*Index, ValidationErrors) {
	m, errs := Validate(raw)
	if len(errs) > 0 {
		fb := Fallback(errs.Error(), c.now())
		ix := Build(fb)
		c.current.Store(ix)
		log.Warn().
			Int("errors", len(errs)).
			Str("first_path", errs[0].Path).
			Msg("Capability manifest rejected, installed empty fallback")
		return ix, errs
	}

	if m.Source == "" {
		m.Source = source
	}
	ix := Build(m)
	c.current.Store(ix)
	log.Info().
		Str("manifest_id", m.ManifestID).
		Str("source", string(m.Source)).
		Int("capabilities", len(m.Capabilities)).
		Msg("Capability manifest installed")
	return ix, nil
}

// Install swaps in an already validated manifest.
func (c *Catalog) Install(m *models.CapabilityManifest) *Index {
	ix := Build(m)
	c.current.Store(ix)
	return ix
}

// Fallback returns the empty manifest used when a candidate is rejected.
func Fallback(reason string, now time.Time) *models.CapabilityManifest {
	return &models.CapabilityManifest{
		ManifestID:      "fallback",
		GeneratedAt:     now.UTC().Format(time.RFC3339Nano),
		Version:         "0",
		Capabilities:    []models.CapabilityRecord{},
		Source:          models.ManifestSourceCached,
		RejectionReason: reason,
	}
}
