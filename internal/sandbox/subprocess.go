package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ashureev/agentgate/internal/agents"
)

// Subprocess workers can emit long single-line JSON events (full tool
// results); the scanner buffer must accommodate them.
const maxLineBytes = 1024 * 1024

// stderrKeepLines bounds the drained stderr kept for crash reports.
const stderrKeepLines = 200

// SubprocessRunner executes agents as local child processes. The image and
// timeouts of the descriptor are ignored; the agent directory is expected
// to be runnable with uv.
type SubprocessRunner struct {
	registry *agents.Registry
}

// NewSubprocessRunner creates a local subprocess runner.
func NewSubprocessRunner(registry *agents.Registry) *SubprocessRunner {
	return &SubprocessRunner{registry: registry}
}

// Run implements Runner.
func (r *SubprocessRunner) Run(ctx context.Context, spec RunSpec) <-chan AgentEvent {
	ch := make(chan AgentEvent, 64)
	go func() {
		defer close(ch)
		r.run(ctx, spec, ch)
	}()
	return ch
}

func (r *SubprocessRunner) run(ctx context.Context, spec RunSpec, ch chan<- AgentEvent) {
	agentPath := r.registry.AgentPath(spec.Agent.ID)
	if _, err := os.Stat(agentPath); err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Agent path not found: %s", agentPath), ""))
		return
	}

	workspace := filepath.Join(agentPath, "workspace", spec.SessionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Could not create workspace: %v", err), ""))
		return
	}
	if err := os.WriteFile(filepath.Join(workspace, "prompt.txt"), []byte(spec.Prompt), 0o644); err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Could not write prompt: %v", err), ""))
		return
	}
	if spec.History != "" {
		if err := os.WriteFile(filepath.Join(workspace, "history.txt"), []byte(spec.History), 0o644); err != nil {
			send(ctx, ch, errorEvent(fmt.Sprintf("Could not write history: %v", err), ""))
			return
		}
	}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "AGENT_WORKSPACE="+workspace)

	if !send(ctx, ch, statusEvent("Starting agent locally...")) {
		return
	}

	// The descriptor command targets the container image; locally the agent
	// directory is always run the same way.
	args := []string{"uv", "run", "python", "run_agent.py"}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = agentPath
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Could not open agent stdout: %v", err), ""))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Could not open agent stderr: %v", err), ""))
		return
	}

	slog.Info("Executing agent command", "agent_id", spec.Agent.ID, "command", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		send(ctx, ch, errorEvent(fmt.Sprintf("Could not execute agent command: %v", args), err.Error()))
		return
	}

	// Stderr must be drained concurrently: a chatty worker fills the pipe
	// and blocks on write otherwise. The tail is kept for crash reports.
	var (
		stderrMu    sync.Mutex
		stderrLines []string
		wg          sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainStderr(stderr, func(line string) {
			stderrMu.Lock()
			if len(stderrLines) >= stderrKeepLines {
				stderrLines = stderrLines[1:]
			}
			stderrLines = append(stderrLines, line)
			stderrMu.Unlock()
		})
	}()

	// If the consumer goes away while the reader is blocked, killing the
	// process is what unblocks it.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := cmd.Process.Kill(); err != nil {
				slog.Debug("Failed to kill agent process", "error", err)
			}
		case <-procDone:
		}
	}()

	cancelled := readStdoutLines(ctx, stdout, ch)

	wg.Wait()
	err = cmd.Wait()
	close(procDone)

	if cancelled {
		slog.Info("Agent subprocess cancelled", "agent_id", spec.Agent.ID, "session_id", spec.SessionID)
		return
	}
	if err != nil {
		stderrMu.Lock()
		stderrText := strings.TrimSpace(strings.Join(stderrLines, "\n"))
		stderrMu.Unlock()

		var exitErr *exec.ExitError
		message := fmt.Sprintf("Agent process failed: %v", err)
		if errors.As(err, &exitErr) {
			message = fmt.Sprintf("Agent exited with code %d", exitErr.ExitCode())
		}
		if stderrText != "" {
			message += ": " + stderrText
		}
		slog.Error("Agent subprocess failed", "agent_id", spec.Agent.ID, "error", message)
		send(ctx, ch, errorEvent(message, stderrText))
	}
}

// readStdoutLines parses stdout line-by-line into events. Returns true when
// the consumer context was cancelled before the stream ended.
func readStdoutLines(ctx context.Context, stdout io.Reader, ch chan<- AgentEvent) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !send(ctx, ch, decodeLine(line)) {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return true
		}
		slog.Error("Error reading agent stdout", "error", err)
		send(ctx, ch, errorEvent(fmt.Sprintf("Error reading agent output: %v", err), ""))
	}
	return ctx.Err() != nil
}

// decodeLine turns one stdout line into an event; non-JSON lines are
// surfaced as raw events rather than dropped.
func decodeLine(line string) AgentEvent {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return rawLineEvent(line)
	}
	typ, _ := obj["type"].(string)
	if typ == "" {
		typ = "unknown"
	}
	data, _ := obj["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return AgentEvent{Type: typ, Data: data, raw: obj}
}

func drainStderr(stderr io.Reader, keep func(string)) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		keep(line)
		slog.Debug("Agent stderr", "line", line)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Stopped draining agent stderr", "error", err)
	}
}
