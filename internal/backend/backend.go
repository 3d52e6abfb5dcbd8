// Package backend adapts LLM providers to a single request/response interface
// used by agents, the manager and guardrail judges.
package backend

import (
	"context"
	"fmt"
)

// Backend sends one prompt to a model and returns its text reply.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases any resources held by the backend.
	Close() error

	// Name identifies the provider, used for circuit breakers and logs.
	Name() string
}

// New creates a new backend based on the provided configuration.
// The ProcessManager is only used by subprocess-based adapters and may be nil.
func New(ctx context.Context, cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "anthropic", "":
		return NewAnthropicAdapter(ctx, cfg)
	case "bedrock":
		cfg.UseBedrock = true
		return NewAnthropicAdapter(ctx, cfg)
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	case "command":
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
