package backend

import (
	"context"
	"fmt"
	"strings"
)

// CommandAdapter runs an arbitrary executable per request. Arguments may
// contain {prompt}, {system} and {model} placeholders; when no argument
// mentions {prompt} the prompt is written to stdin instead.
type CommandAdapter struct {
	name    string
	command string
	args    []string
	model   string
	workDir string
	procMgr *ProcessManager
}

// NewCommandAdapter validates cfg and returns an adapter.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend %q requires a command", cfg.name())
	}
	return &CommandAdapter{
		name:    cfg.name(),
		command: cfg.Command,
		args:    cfg.Args,
		model:   cfg.Model,
		workDir: cfg.WorkDir,
		procMgr: procMgr,
	}, nil
}

func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	args, usesPrompt := a.buildArgs(msg)

	var stdin string
	if !usesPrompt {
		stdin = msg.Content
		if msg.System != "" {
			stdin = msg.System + "\n\n" + msg.Content
		}
	}

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	stdout, _, err := executeCommand(ctx, cmd, stdin, a.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", a.name, err)
	}

	return Response{Content: strings.TrimSpace(string(stdout))}, nil
}

func (a *CommandAdapter) buildArgs(msg Message) ([]string, bool) {
	r := strings.NewReplacer("{prompt}", msg.Content, "{system}", msg.System, "{model}", a.model)

	usesPrompt := false
	args := make([]string, len(a.args))
	for i, arg := range a.args {
		if strings.Contains(arg, "{prompt}") {
			usesPrompt = true
		}
		args[i] = r.Replace(arg)
	}
	return args, usesPrompt
}

func (a *CommandAdapter) Close() error { return nil }

func (a *CommandAdapter) Name() string { return a.name }
