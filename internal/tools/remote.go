package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
)

// ── MCP wire types ──────────────────────────────────────────

type mcpRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

type mcpResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// MCPContent is one content block of a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MCPToolResult is the result of an MCP tools/call.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *MCPToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// RemoteTool forwards invocations to an MCP server over JSON-RPC.
// It implements contracts.ToolExecutor and is used as the registry
// fallback for tools with no local handler.
type RemoteTool struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewRemoteTool creates an adapter for the MCP endpoint. token is sent as a
// bearer token when set.
func NewRemoteTool(endpoint, token string, timeout time.Duration) *RemoteTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteTool{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Execute implements contracts.ToolExecutor.
func (t *RemoteTool) Execute(ctx context.Context, toolID string, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
	rpcReq := mcpRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params:  mcpToolCallParams{Name: toolID, Arguments: params},
		ID:      uuid.New().String(),
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", toolID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote tool %s returned %d: %s", toolID, resp.StatusCode, truncate(string(respBody), 200))
	}

	result := &MCPToolResult{}
	var rpcResp mcpResponse
	if err := json.Unmarshal(respBody, &rpcResp); err == nil && (rpcResp.Result != nil || rpcResp.Error != nil) {
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("remote tool %s: %s (code %d)", toolID, rpcResp.Error.Message, rpcResp.Error.Code)
		}
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	} else {
		// Not a JSON-RPC envelope; treat the body as plain text.
		result.Content = []MCPContent{{Type: "text", Text: string(respBody)}}
	}

	for _, c := range result.Content {
		if c.Text != "" && onChunk != nil {
			onChunk(c.Text)
		}
	}

	log.Debug().
		Str("tool_id", toolID).
		Int("blocks", len(result.Content)).
		Bool("is_error", result.IsError).
		Msg("Remote tool call finished")

	if result.IsError {
		return nil, fmt.Errorf("remote tool %s failed: %s", toolID, result.Text())
	}
	return result, nil
}
