// Package capability validates capability manifests and maintains the
// atomically swapped index the gate consults on every invocation.
package capability

import (
	"fmt"
	"strings"
	"time"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// ValidationError points at one problem in a manifest candidate.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors is the full list of problems found in a candidate.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Validate checks a raw manifest document and converts it into a typed
// manifest. Either the whole document is accepted or nil is returned with
// every problem found.
func Validate(raw map[string]interface{}) (*models.CapabilityManifest, ValidationErrors) {
	v := &validator{}
	if raw == nil {
		v.fail("", "manifest must be an object")
		return nil, v.errs
	}

	m := &models.CapabilityManifest{
		ManifestID:  v.requiredString(raw, "manifestId", "manifestId"),
		GeneratedAt: v.timestamp(raw, "generatedAt", "generatedAt"),
		Version:     v.optionalString(raw, "version", "version"),
	}

	if src, ok := raw["source"]; ok && src != nil {
		s, isStr := src.(string)
		switch models.ManifestSource(s) {
		case models.ManifestSourceRemote, models.ManifestSourceFile, models.ManifestSourceBuiltin, models.ManifestSourceCached:
			m.Source = models.ManifestSource(s)
		default:
			if !isStr {
				v.fail("source", "must be a string")
			} else {
				v.fail("source", fmt.Sprintf("unknown source %q", s))
			}
		}
	}

	caps, ok := raw["capabilities"]
	switch {
	case !ok || caps == nil:
		v.fail("capabilities", "is required")
	default:
		list, isList := caps.([]interface{})
		if !isList {
			v.fail("capabilities", "must be an array")
			break
		}
		seen := make(map[string]int, len(list))
		for i, item := range list {
			path := fmt.Sprintf("capabilities[%d]", i)
			obj, isObj := toObject(item)
			if !isObj {
				v.fail(path, "must be an object")
				continue
			}
			rec := v.record(obj, path)
			if rec.ID != "" {
				if first, dup := seen[rec.ID]; dup {
					v.fail(path+".id", fmt.Sprintf("duplicate id %q (first at capabilities[%d])", rec.ID, first))
				} else {
					seen[rec.ID] = i
				}
			}
			m.Capabilities = append(m.Capabilities, rec)
		}
	}

	if len(v.errs) > 0 {
		return nil, v.errs
	}
	if m.Capabilities == nil {
		m.Capabilities = []models.CapabilityRecord{}
	}
	return m, nil
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) fail(path, msg string) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: msg})
}

func (v *validator) requiredString(obj map[string]interface{}, key, path string) string {
	val, ok := obj[key]
	if !ok || val == nil {
		v.fail(path, "is required")
		return ""
	}
	s, isStr := val.(string)
	if !isStr {
		v.fail(path, "must be a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		v.fail(path, "must not be empty")
	}
	return s
}

func (v *validator) optionalString(obj map[string]interface{}, key, path string) string {
	val, ok := obj[key]
	if !ok || val == nil {
		return ""
	}
	s, isStr := val.(string)
	if !isStr {
		v.fail(path, "must be a string")
	}
	return s
}

// timestamp accepts an ISO-8601 string or a decoded time.Time (YAML
// decoders resolve unquoted timestamps).
func (v *validator) timestamp(obj map[string]interface{}, key, path string) string {
	val, ok := obj[key]
	if !ok || val == nil {
		v.fail(path, "is required")
		return ""
	}
	switch t := val.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		if _, err := parseISO8601(t); err != nil {
			v.fail(path, "must be an ISO-8601 timestamp")
		}
		return t
	default:
		v.fail(path, "must be an ISO-8601 timestamp")
		return ""
	}
}

func parseISO8601(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func (v *validator) record(obj map[string]interface{}, path string) models.CapabilityRecord {
	rec := models.CapabilityRecord{
		ID:             v.requiredString(obj, "id", path+".id"),
		Title:          v.requiredString(obj, "title", path+".title"),
		Description:    v.optionalString(obj, "description", path+".description"),
		Since:          v.optionalString(obj, "since", path+".since"),
		Rationale:      v.optionalString(obj, "rationale", path+".rationale"),
		FallbackToolID: v.optionalString(obj, "fallbackToolId", path+".fallbackToolId"),
	}

	phase := models.CapabilityPhase(v.requiredString(obj, "phase", path+".phase"))
	if phase != "" && !phase.Valid() {
		v.fail(path+".phase", fmt.Sprintf("unknown phase %q", phase))
	}
	rec.Phase = phase

	status := models.CapabilityStatus(v.requiredString(obj, "status", path+".status"))
	if status != "" && !status.Valid() {
		v.fail(path+".status", fmt.Sprintf("unknown status %q", status))
	}
	rec.Status = status

	if val, ok := obj["requiresApproval"]; ok && val != nil {
		b, isBool := val.(bool)
		if !isBool {
			v.fail(path+".requiresApproval", "must be a boolean")
		} else {
			rec.RequiresApproval = &b
		}
	}

	if sc := v.optionalString(obj, "safetyClass", path+".safetyClass"); sc != "" {
		if !models.SafetyClass(sc).Valid() {
			v.fail(path+".safetyClass", fmt.Sprintf("unknown safety class %q", sc))
		}
		rec.SafetyClass = models.SafetyClass(sc)
	}
	return rec
}

// toObject accepts both JSON-style and YAML-style decoded maps.
func toObject(item interface{}) (map[string]interface{}, bool) {
	switch o := item.(type) {
	case map[string]interface{}:
		return o, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(o))
		for k, val := range o {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
