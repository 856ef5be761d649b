package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// RepoTool runs the destructive repository tools through git. Both only run
// after the gate has recorded an approval with a reason.
type RepoTool struct {
	repoPath string
	git      string
	timeout  time.Duration
}

// NewRepoTool creates a git adapter for repoPath.
func NewRepoTool(repoPath string, timeout time.Duration) *RepoTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RepoTool{repoPath: repoPath, git: "git", timeout: timeout}
}

// Register binds repo.commit and repo.reset to r.
func (g *RepoTool) Register(r *Registry) {
	r.Register(models.ToolRepoCommit, g.handleCommit)
	r.Register(models.ToolRepoReset, g.handleReset)
}

func (g *RepoTool) handleCommit(ctx context.Context, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
	msg, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, onChunk, "add", "--all", contextsDir); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, onChunk, "commit", "-m", msg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"committed": true, "output": strings.TrimSpace(out)}, nil
}

func (g *RepoTool) handleReset(ctx context.Context, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
	ref := stringParam(params, "ref")
	if ref == "" {
		ref = "HEAD"
	}
	if strings.HasPrefix(ref, "-") {
		return nil, fmt.Errorf("invalid ref %q", ref)
	}
	out, err := g.run(ctx, onChunk, "reset", "--hard", ref)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"reset": ref, "output": strings.TrimSpace(out)}, nil
}

func (g *RepoTool) run(ctx context.Context, onChunk contracts.ChunkFunc, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return runStreaming(ctx, g.repoPath, g.git, args, onChunk)
}
