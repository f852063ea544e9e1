package agents

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDescriptor(t *testing.T, dir, id, content string) {
	t.Helper()
	agentDir := filepath.Join(dir, id)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "agent.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "research", `name: Research Agent
description: does research
framework: deepagents
image: registry.example.com/research:v1
command: ["python", "/app/run_agent.py"]
env_vars:
  - ANTHROPIC_API_KEY
  - TAVILY_API_KEY
timeout: 900
idle_timeout: 60
`)

	r := NewRegistry(dir)
	cfg, err := r.Load("research")
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		t.Fatal("expected descriptor")
	}
	if cfg.Name != "Research Agent" || cfg.Framework != "deepagents" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Timeout != 900 || cfg.IdleTimeout != 60 {
		t.Errorf("timeouts = %d/%d", cfg.Timeout, cfg.IdleTimeout)
	}
	if len(cfg.EnvVars) != 2 {
		t.Errorf("env vars = %v", cfg.EnvVars)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "minimal", "image: img:latest\n")

	cfg, err := NewRegistry(dir).Load("minimal")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "minimal" {
		t.Errorf("name defaults to agent id, got %q", cfg.Name)
	}
	if cfg.Framework != "claude" {
		t.Errorf("framework defaults to claude, got %q", cfg.Framework)
	}
	if cfg.Timeout != defaultTimeout || cfg.IdleTimeout != defaultIdleTimeout {
		t.Errorf("timeouts = %d/%d", cfg.Timeout, cfg.IdleTimeout)
	}
	if len(cfg.Command) == 0 {
		t.Errorf("command must default")
	}
}

func TestLoadEntrypointAlias(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alias", `image: img
entrypoint: ["python", "main.py"]
`)
	cfg, err := NewRegistry(dir).Load("alias")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Command) != 2 || cfg.Command[1] != "main.py" {
		t.Errorf("command = %v", cfg.Command)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	cfg, err := NewRegistry(t.TempDir()).Load("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		t.Errorf("missing agent must return nil, got %+v", cfg)
	}
}

func TestListSortedByName(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "b-agent", "name: Zed\nimage: i\n")
	writeDescriptor(t, dir, "a-agent", "name: Alpha\nimage: i\n")
	if err := os.MkdirAll(filepath.Join(dir, ".hidden"), 0o755); err != nil {
		t.Fatal(err)
	}

	configs, err := NewRegistry(dir).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("configs = %d, want 2", len(configs))
	}
	if configs[0].Name != "Alpha" || configs[1].Name != "Zed" {
		t.Errorf("order = %s, %s", configs[0].Name, configs[1].Name)
	}
}

func TestResolveEnvWhitelist(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("NOT_ALLOWED_SECRET", "x")
	t.Setenv("TAVILY_API_KEY", "")

	cfg := &Config{ID: "a", EnvVars: []string{"ANTHROPIC_API_KEY", "NOT_ALLOWED_SECRET", "TAVILY_API_KEY"}}
	env := ResolveEnv(cfg)

	if env["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Errorf("whitelisted set var must resolve, env = %v", env)
	}
	if _, ok := env["NOT_ALLOWED_SECRET"]; ok {
		t.Errorf("non-whitelisted var must never resolve")
	}
	if _, ok := env["TAVILY_API_KEY"]; ok {
		t.Errorf("unset var must not resolve")
	}
}
