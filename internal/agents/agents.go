// Package agents loads agent descriptors from the agents directory.
//
// Each agent lives in its own directory containing an agent.yaml descriptor
// and the program (or image reference) that speaks the worker contract.
package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// allowedEnvVars is the whitelist of environment variable names that may be
// forwarded into sandboxes. Process-global and read-only.
var allowedEnvVars = map[string]struct{}{
	"ANTHROPIC_API_KEY":   {},
	"OPENAI_API_KEY":      {},
	"GOOGLE_API_KEY":      {},
	"GEMINI_API_KEY":      {},
	"MISTRAL_API_KEY":     {},
	"COHERE_API_KEY":      {},
	"HUGGINGFACE_API_KEY": {},
	"GROQ_API_KEY":        {},
	"TAVILY_API_KEY":      {},
}

// Defaults applied when the descriptor omits a field.
const (
	defaultTimeout     = 600 // max sandbox lifetime, seconds
	defaultIdleTimeout = 120 // idle seconds before termination
)

// Config is one agent descriptor.
type Config struct {
	ID          string
	Name        string
	Description string
	Framework   string
	Image       string
	Command     []string
	EnvVars     []string
	Timeout     int
	IdleTimeout int
}

// descriptorFile mirrors the agent.yaml layout.
type descriptorFile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Framework   string   `yaml:"framework"`
	Image       string   `yaml:"image"`
	Command     []string `yaml:"command"`
	Entrypoint  []string `yaml:"entrypoint"`
	EnvVars     []string `yaml:"env_vars"`
	Timeout     int      `yaml:"timeout"`
	IdleTimeout int      `yaml:"idle_timeout"`
}

// Registry resolves agent descriptors from a directory tree.
type Registry struct {
	dir string
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Dir returns the agents root directory.
func (r *Registry) Dir() string { return r.dir }

// AgentPath returns the directory of one agent.
func (r *Registry) AgentPath(agentID string) string {
	return filepath.Join(r.dir, agentID)
}

// Load reads one agent descriptor. Returns (nil, nil) when the agent does
// not exist, mirroring a repository miss rather than an error.
func (r *Registry) Load(agentID string) (*Config, error) {
	path := filepath.Join(r.dir, agentID, "agent.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Agent descriptor not found", "agent_id", agentID, "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read agent descriptor %s: %w", path, err)
	}

	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent descriptor %s: %w", path, err)
	}

	cfg := &Config{
		ID:          agentID,
		Name:        file.Name,
		Description: file.Description,
		Framework:   file.Framework,
		Image:       file.Image,
		Command:     file.Command,
		EnvVars:     file.EnvVars,
		Timeout:     file.Timeout,
		IdleTimeout: file.IdleTimeout,
	}
	if cfg.Name == "" {
		cfg.Name = agentID
	}
	if cfg.Framework == "" {
		cfg.Framework = "claude"
	}
	// Descriptors may name the run command either way.
	if len(cfg.Command) == 0 {
		cfg.Command = file.Entrypoint
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python", "/app/run_agent.py"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return cfg, nil
}

// List returns all agent descriptors sorted by display name.
func (r *Registry) List() ([]*Config, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Agents directory not found", "dir", r.dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read agents directory %s: %w", r.dir, err)
	}

	var configs []*Config
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		cfg, err := r.Load(entry.Name())
		if err != nil {
			slog.Warn("Skipping unreadable agent descriptor", "agent_id", entry.Name(), "error", err)
			continue
		}
		if cfg != nil {
			configs = append(configs, cfg)
		}
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// Whitelisted reports whether an env var name may be forwarded to sandboxes.
func Whitelisted(name string) bool {
	_, ok := allowedEnvVars[name]
	return ok
}

// ResolveEnv returns the environment map for an agent: only variables that
// are declared by the descriptor, present on the whitelist, and set in the
// process environment.
func ResolveEnv(cfg *Config) map[string]string {
	env := make(map[string]string)
	for _, name := range cfg.EnvVars {
		if _, ok := allowedEnvVars[name]; !ok {
			slog.Warn("Agent requested non-whitelisted env var", "agent_id", cfg.ID, "var", name)
			continue
		}
		value := os.Getenv(name)
		if value == "" {
			slog.Warn("Agent requires env var that is not set", "agent_id", cfg.ID, "var", name)
			continue
		}
		env[name] = value
	}
	return env
}
