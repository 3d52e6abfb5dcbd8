package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ClaudeAdapter runs the Claude Code CLI in print mode, one subprocess per
// request. Agents are stateless between tasks, so no session is resumed.
type ClaudeAdapter struct {
	name    string
	workDir string
	model   string
	procMgr *ProcessManager
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Older releases nest text blocks under result.content; newer ones print
// result as a plain string.
type claudeResponse struct {
	Result json.RawMessage `json:"result"`
	Usage  struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	IsError bool `json:"is_error"`
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// The ProcessManager is optional.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &ClaudeAdapter{
		name:    cfg.name(),
		workDir: workDir,
		model:   cfg.Model,
		procMgr: procMgr,
	}, nil
}

func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, "claude", a.buildArgs(msg)...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, "", a.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("claude command failed: %w", err)
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}
	return resp, nil
}

func (a *ClaudeAdapter) buildArgs(msg Message) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if msg.System != "" {
		args = append(args, "--system-prompt", msg.System)
	}
	return args
}

func (a *ClaudeAdapter) Close() error { return nil }

func (a *ClaudeAdapter) Name() string { return a.name }

func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content string
	var plain string
	if err := json.Unmarshal(cr.Result, &plain); err == nil {
		content = plain
	} else {
		var nested struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(cr.Result, &nested); err != nil {
			return Response{}, fmt.Errorf("unexpected result shape: %w", err)
		}
		for _, item := range nested.Content {
			if item.Type == "text" {
				content += item.Text
			}
		}
	}

	if cr.IsError {
		return Response{}, fmt.Errorf("claude reported an error: %s", content)
	}

	return Response{
		Content:      content,
		InputTokens:  cr.Usage.InputTokens,
		OutputTokens: cr.Usage.OutputTokens,
	}, nil
}
