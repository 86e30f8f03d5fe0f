package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CommandTool executes commands through a remote command server over HTTP.
// The workflow process never spawns subprocesses itself; the server decides
// what the command actually does and under which sandbox.
//
// Request:  POST <endpoint> {"cmd": "pwd"}
// Response: 200 {"stdout": "...", "stderr": "...", "exit_code": 0}
//
// Call input:
//   - cmd: command string (required)
//
// Call output mirrors the server response fields.
type CommandTool struct {
	endpoint string
	client   *http.Client
}

// NewCommandTool creates a CommandTool for the given endpoint URL. A nil
// client gets a 30 second timeout default.
func NewCommandTool(endpoint string, client *http.Client) *CommandTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CommandTool{endpoint: endpoint, client: client}
}

// Name implements Tool.
func (t *CommandTool) Name() string { return "shell" }

// Call implements Tool.
func (t *CommandTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	cmd, ok := input["cmd"].(string)
	if !ok || cmd == "" {
		return nil, fmt.Errorf("command tool: cmd parameter required")
	}

	payload, err := json.Marshal(map[string]string{"cmd": cmd})
	if err != nil {
		return nil, fmt.Errorf("command tool: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("command tool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("command tool: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("command tool: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("command tool: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("command tool: decode response: %w", err)
	}
	return out, nil
}
