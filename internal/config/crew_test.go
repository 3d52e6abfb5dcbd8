package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const blogCrew = `
name: blog
process: hierarchical
knowledge:
  - docs/style.md
  - https://example.com/brand
agents:
  - role: researcher
    goal: Find accurate facts
    capabilities: [research, data]
    knowledge: [notes]
    timeout: 2m
  - role: writer
    goal: Write engaging posts
    capabilities: [writing]
    allow_delegation: true
tasks:
  - id: research
    description: Research {topic}
    expected_output: A list of facts
    capabilities: [research]
    async: true
  - id: write
    description: Write a post about {topic}
    agent: writer
    depends_on: [research]
    guardrails:
      - word_count:300:1200
      - The post must cite at least one source
    max_retries: 3
inputs:
  topic: Go generics
`

func TestLoadCrew(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "crews/blog.yaml", blogCrew)

	crew, err := LoadCrew(path)
	if err != nil {
		t.Fatalf("LoadCrew failed: %v", err)
	}

	if crew.Name != "blog" || crew.Process != "hierarchical" {
		t.Errorf("crew = %s/%s", crew.Name, crew.Process)
	}
	if len(crew.Agents) != 2 || len(crew.Tasks) != 2 {
		t.Fatalf("agents=%d tasks=%d", len(crew.Agents), len(crew.Tasks))
	}
	if crew.Agents[0].Timeout != 2*time.Minute {
		t.Errorf("agent timeout = %s", crew.Agents[0].Timeout)
	}
	if !crew.Agents[1].AllowDelegation {
		t.Error("allow_delegation not parsed")
	}
	if want := filepath.Join(dir, "crews", "docs", "style.md"); crew.Knowledge[0] != want {
		t.Errorf("knowledge[0] = %s, want %s", crew.Knowledge[0], want)
	}
	if crew.Knowledge[1] != "https://example.com/brand" {
		t.Errorf("url rewritten: %s", crew.Knowledge[1])
	}
	if !strings.HasSuffix(crew.Agents[0].Knowledge[0], filepath.Join("crews", "notes")) {
		t.Errorf("agent knowledge = %s", crew.Agents[0].Knowledge[0])
	}

	write := crew.Tasks[1]
	if write.MaxRetries == nil || *write.MaxRetries != 3 {
		t.Errorf("max_retries = %v", write.MaxRetries)
	}
	if crew.Tasks[0].MaxRetries != nil {
		t.Error("unset max_retries should stay nil")
	}
	if len(write.Guardrails) != 2 || write.DependsOn[0] != "research" {
		t.Errorf("write task = %+v", write)
	}
	if crew.Inputs["topic"] != "Go generics" {
		t.Errorf("inputs = %v", crew.Inputs)
	}
}

func TestLoadCrewValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "name: x\nagentz: []\n", "agentz"},
		{"missing name", "agents: [{role: a}]\ntasks: [{id: t, description: d}]\n", "name is required"},
		{"bad process", "name: x\nprocess: parallel\nagents: [{role: a}]\ntasks: [{id: t, description: d}]\n", "process"},
		{"duplicate role", "name: x\nagents: [{role: a}, {role: a}]\ntasks: [{id: t, description: d}]\n", "duplicate agent role"},
		{"duplicate task", "name: x\nagents: [{role: a}]\ntasks: [{id: t, description: d}, {id: t, description: d}]\n", "duplicate task id"},
		{"unknown agent", "name: x\nagents: [{role: a}]\ntasks: [{id: t, description: d, agent: b}]\n", "unknown agent"},
		{"unknown dependency", "name: x\nagents: [{role: a}]\ntasks: [{id: t, description: d, depends_on: [nope]}]\n", "unknown dependency"},
		{"negative retries", "name: x\nagents: [{role: a}]\ntasks: [{id: t, description: d, max_retries: -1}]\n", "max_retries"},
		{"missing description", "name: x\nagents: [{role: a}]\ntasks: [{id: t}]\n", "description is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "crew.yaml", tt.content)
			_, err := LoadCrew(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveCrewRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, err := LoadCrew(writeConfig(t, dir, "blog.yaml", blogCrew))
	if err != nil {
		t.Fatalf("LoadCrew failed: %v", err)
	}

	out := filepath.Join(dir, "copy", "blog.yaml")
	if err := SaveCrew(src, out); err != nil {
		t.Fatalf("SaveCrew failed: %v", err)
	}
	loaded, err := LoadCrew(out)
	if err != nil {
		t.Fatalf("reloading saved crew failed: %v", err)
	}
	if loaded.Tasks[1].Description != src.Tasks[1].Description || *loaded.Tasks[1].MaxRetries != 3 {
		t.Errorf("saved crew differs: %+v", loaded.Tasks[1])
	}
}
