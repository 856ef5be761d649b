package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

const (
	// defaultCacheFile is the filename for the last good remote manifest.
	defaultCacheFile = "capability_manifest_cache.json"

	// maxManifestBytes bounds a fetched manifest body.
	maxManifestBytes = 4 << 20
)

// Decode parses a manifest document. YAML is a superset of JSON, but JSON
// input is decoded with encoding/json so numbers and errors match what
// JSON producers expect.
func Decode(data []byte, format string) (map[string]interface{}, error) {
	var raw map[string]interface{}
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml manifest: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode json manifest: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("manifest document is empty")
	}
	return raw, nil
}

// formatOf picks the decoder from a file extension.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// ── File Source ─────────────────────────────────────────────

// FileSource reads a manifest from disk. The format is picked by extension.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Kind implements contracts.ManifestSource.
func (s *FileSource) Kind() models.ManifestSource { return models.ManifestSourceFile }

// FetchManifest implements contracts.ManifestSource.
func (s *FileSource) FetchManifest(_ context.Context) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", s.Path, err)
	}
	raw, err := Decode(data, formatOf(s.Path))
	if err != nil {
		return nil, err
	}
	raw["source"] = string(models.ManifestSourceFile)
	return raw, nil
}

// ── HTTP Source ─────────────────────────────────────────────

// HTTPSource fetches a manifest over HTTP and keeps the last good body in
// a local cache file. When the remote is unreachable the cached body is
// served and tagged as cached.
type HTTPSource struct {
	url      string
	client   *http.Client
	cacheDir string
}

// NewHTTPSource creates an HTTP manifest source. An empty cacheDir uses
// ~/.context-kit.
func NewHTTPSource(url, cacheDir string, timeout time.Duration) *HTTPSource {
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".context-kit")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Kind implements contracts.ManifestSource.
func (s *HTTPSource) Kind() models.ManifestSource { return models.ManifestSourceRemote }

// FetchManifest implements contracts.ManifestSource.
func (s *HTTPSource) FetchManifest(ctx context.Context) (map[string]interface{}, error) {
	body, err := s.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", s.url).Msg("Manifest fetch failed, trying local cache")
		raw, cacheErr := s.loadCache()
		if cacheErr != nil {
			return nil, fmt.Errorf("%w (cache: %v)", err, cacheErr)
		}
		raw["source"] = string(models.ManifestSourceCached)
		return raw, nil
	}

	raw, err := Decode(body, "json")
	if err != nil {
		return nil, err
	}
	raw["source"] = string(models.ManifestSourceRemote)

	// Only cache bodies that pass validation.
	if _, errs := Validate(raw); len(errs) == 0 {
		if err := s.saveCache(body); err != nil {
			log.Debug().Err(err).Msg("Manifest cache write failed")
		}
	}
	return raw, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (s *HTTPSource) cachePath() string {
	return filepath.Join(s.cacheDir, defaultCacheFile)
}

func (s *HTTPSource) loadCache() (map[string]interface{}, error) {
	data, err := os.ReadFile(s.cachePath())
	if err != nil {
		return nil, err
	}
	return Decode(data, "json")
}

func (s *HTTPSource) saveCache(body []byte) error {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.cachePath(), body, 0o644)
}
