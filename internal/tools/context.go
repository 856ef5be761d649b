package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

const (
	contextsDir       = "contexts"
	summaryMaxLen     = 200
	defaultSearchHits = 25
)

// Entity is one context document.
type Entity struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Path       string                 `json:"path"`
	Data       map[string]interface{} `json:"data"`
}

// SearchHit is one context.search match.
type SearchHit struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Name       string `json:"name"`
	Summary    string `json:"summary"`
}

// ContextReader serves the read-only context tools from
// contexts/<type>/<id>.yaml under the repository root.
type ContextReader struct {
	root string
}

// NewContextReader creates a reader for the repository at repoPath.
func NewContextReader(repoPath string) *ContextReader {
	return &ContextReader{root: filepath.Join(repoPath, contextsDir)}
}

// Register binds context.read, context.search and entity.details to r.
func (c *ContextReader) Register(r *Registry) {
	r.Register(models.ToolContextRead, c.handleRead)
	r.Register(models.ToolEntityDetails, c.handleRead)
	r.Register(models.ToolContextSearch, c.handleSearch)
}

func (c *ContextReader) handleRead(_ context.Context, params map[string]interface{}, _ contracts.ChunkFunc) (interface{}, error) {
	entityType, err := requireString(params, "entity_type", "entityType")
	if err != nil {
		return nil, err
	}
	entityID, err := requireString(params, "entity_id", "entityId")
	if err != nil {
		return nil, err
	}
	return c.Read(entityType, entityID)
}

func (c *ContextReader) handleSearch(ctx context.Context, params map[string]interface{}, _ contracts.ChunkFunc) (interface{}, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}
	limit := defaultSearchHits
	switch v := params["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}
	hits, err := c.Search(ctx, query, stringParam(params, "entity_type", "entityType"), limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"query": query, "results": hits, "count": len(hits)}, nil
}

// Read loads one entity.
func (c *ContextReader) Read(entityType, entityID string) (*Entity, error) {
	if !safeSegment(entityType) || !safeSegment(entityID) {
		return nil, fmt.Errorf("invalid entity reference %s/%s", entityType, entityID)
	}
	path := filepath.Join(c.root, entityType, entityID+".yaml")
	data, err := readYAML(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("entity %s/%s not found", entityType, entityID)
		}
		return nil, err
	}
	return &Entity{EntityType: entityType, EntityID: entityID, Path: path, Data: data}, nil
}

// Search does a case-insensitive substring match over every entity file,
// optionally limited to one entity type. Results are ordered by path.
func (c *ContextReader) Search(ctx context.Context, query, entityType string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchHits
	}
	needle := strings.ToLower(query)

	types, err := c.entityTypes(entityType)
	if err != nil {
		return nil, err
	}

	hits := []SearchHit{}
	for _, typ := range types {
		files, err := filepath.Glob(filepath.Join(c.root, typ, "*.yaml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			raw, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			if !strings.Contains(strings.ToLower(string(raw)), needle) {
				continue
			}
			var data map[string]interface{}
			if err := yaml.Unmarshal(raw, &data); err != nil {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(f), ".yaml")
			hits = append(hits, SearchHit{
				EntityType: typ,
				EntityID:   id,
				Name:       firstString(data, "name", "title", "id"),
				Summary:    truncate(firstString(data, "summary", "description"), summaryMaxLen),
			})
			if len(hits) >= limit {
				return hits, nil
			}
		}
	}
	return hits, nil
}

func (c *ContextReader) entityTypes(only string) ([]string, error) {
	if only != "" {
		if !safeSegment(only) {
			return nil, fmt.Errorf("invalid entity type %q", only)
		}
		return []string{only}, nil
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var types []string
	for _, e := range entries {
		if e.IsDir() {
			types = append(types, e.Name())
		}
	}
	return types, nil
}

func readYAML(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// safeSegment rejects anything that could escape the contexts directory.
func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func firstString(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
