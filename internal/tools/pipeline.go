package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// stderrTailLines is how much stderr a failed run keeps for its error.
const stderrTailLines = 20

// pipelineScripts maps pipeline tool ids to package scripts.
var pipelineScripts = map[string]string{
	models.ToolPipelineValidate:   "validate",
	models.ToolPipelineBuildGraph: "build-graph",
	models.ToolPipelineImpact:     "impact",
	models.ToolPipelineGenerate:   "generate",
}

// PipelineScript returns the script name for a pipeline tool id.
func PipelineScript(toolID string) (string, bool) {
	s, ok := pipelineScripts[toolID]
	return s, ok
}

// PipelineResult is the outcome of a successful pipeline run.
type PipelineResult struct {
	Pipeline   string `json:"pipeline"`
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// PipelineRunner runs repository pipeline scripts through the package
// manager, streaming each stdout line as a chunk.
type PipelineRunner struct {
	repoPath       string
	packageManager string
	timeout        time.Duration
}

// NewPipelineRunner creates a runner for the context repository at repoPath.
func NewPipelineRunner(repoPath, packageManager string, timeout time.Duration) *PipelineRunner {
	if packageManager == "" {
		packageManager = "pnpm"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PipelineRunner{repoPath: repoPath, packageManager: packageManager, timeout: timeout}
}

// Handler returns the registry handler for a pipeline tool id.
func (p *PipelineRunner) Handler(toolID string) HandlerFunc {
	return func(ctx context.Context, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
		script, ok := PipelineScript(toolID)
		if !ok {
			return nil, fmt.Errorf("unknown pipeline tool %s", toolID)
		}
		return p.Run(ctx, script, params, onChunk)
	}
}

// Register binds every pipeline tool to r.
func (p *PipelineRunner) Register(r *Registry) {
	for id := range pipelineScripts {
		r.Register(id, p.Handler(id))
	}
}

// Run executes `<pm> run <script> --key value ...` in the repository. A
// non-zero exit returns the partial result together with an *ExitError.
func (p *PipelineRunner) Run(ctx context.Context, script string, params map[string]interface{}, onChunk contracts.ChunkFunc) (*PipelineResult, error) {
	if _, err := os.Stat(p.repoPath); err != nil {
		return nil, fmt.Errorf("repository not found: %s", p.repoPath)
	}

	args := append([]string{"run", script}, PipelineArgs(params)...)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := runStreaming(ctx, p.repoPath, p.packageManager, args, onChunk)
	res := &PipelineResult{Pipeline: script, Output: out, DurationMs: time.Since(start).Milliseconds()}

	log.Debug().
		Str("pipeline", script).
		Int64("duration_ms", res.DurationMs).
		Err(err).
		Msg("Pipeline finished")

	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode
			return res, err
		}
		return nil, err
	}
	return res, nil
}

// PipelineArgs turns parameters into CLI flags, sorted by key. A nested
// "args" object is flattened in place of the top-level parameters.
// true → --key, false → omitted, list → repeated --key item.
func PipelineArgs(params map[string]interface{}) []string {
	if nested, ok := params["args"].(map[string]interface{}); ok {
		params = nested
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case bool:
			if v {
				out = append(out, "--"+k)
			}
		case []interface{}:
			for _, item := range v {
				out = append(out, "--"+k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				out = append(out, "--"+k, item)
			}
		default:
			out = append(out, "--"+k, fmt.Sprint(v))
		}
	}
	return out
}

// runStreaming runs name with args in dir, forwards stdout lines to
// onChunk and returns the full stdout.
func runStreaming(ctx context.Context, dir, name string, args []string, onChunk contracts.ChunkFunc) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Children that outlive a killed parent keep the pipes open.
	cmd.WaitDelay = 2 * time.Second

	stdout := &lineWriter{onLine: onChunk}
	stderr := &lineWriter{keep: stderrTailLines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.flush()
	stderr.flush()

	command := name + " " + strings.Join(args, " ")
	if err != nil {
		if ctx.Err() != nil {
			return stdout.output.String(), fmt.Errorf("%s: %w", command, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.output.String(), &ExitError{
				Command:  command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.Join(stderr.tail, "\n"),
			}
		}
		return stdout.output.String(), fmt.Errorf("%s: %w", command, err)
	}
	return stdout.output.String(), nil
}

// lineWriter splits a process stream into lines. Stdout lines go to
// onLine; stderr keeps only the last few.
type lineWriter struct {
	mu      sync.Mutex
	partial []byte
	output  strings.Builder
	onLine  contracts.ChunkFunc
	keep    int
	tail    []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) line(s string) {
	w.output.WriteString(s)
	w.output.WriteByte('\n')
	if w.onLine != nil {
		w.onLine(s)
	}
	if w.keep > 0 {
		w.tail = append(w.tail, s)
		if len(w.tail) > w.keep {
			w.tail = w.tail[1:]
		}
	}
}
