package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container names and labels identifying gateway sandboxes.
	containerNamePrefix = "agentgate-"
	labelAgentID        = "agentgate.agent_id"
	labelSessionID      = "agentgate.session_id"

	workspaceDir = "/workspace"
)

// DockerRunner executes agents in Docker containers keyed by session id.
//
// Containers are left running after the stream ends so sequential turns in
// the same session reuse in-container state; the reaper removes them once
// they exceed their idle timeout or exit on their own.
type DockerRunner struct {
	cli *client.Client

	// lastUsed tracks per-container activity for idle expiry.
	mu       sync.Mutex
	lastUsed map[string]containerActivity
}

type containerActivity struct {
	lastUsed    time.Time
	idleTimeout time.Duration
}

// NewDockerRunner creates a Docker-backed runner.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker sandbox client initialized")
	return &DockerRunner{cli: cli, lastUsed: make(map[string]containerActivity)}, nil
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) <-chan AgentEvent {
	ch := make(chan AgentEvent, 64)
	go func() {
		defer close(ch)
		r.run(ctx, spec, ch)
	}()
	return ch
}

func (r *DockerRunner) run(ctx context.Context, spec RunSpec, ch chan<- AgentEvent) {
	if !send(ctx, ch, statusEvent("Creating sandbox...")) {
		return
	}

	containerID, err := r.ensureContainer(ctx, spec)
	if err != nil {
		slog.Error("Sandbox startup failed", "session_id", spec.SessionID, "error", err)
		send(ctx, ch, errorEvent(classifyStartupError(err), err.Error()))
		return
	}
	r.touch(containerID, time.Duration(spec.Agent.IdleTimeout)*time.Second)

	// Written on every request, also when reusing a container.
	if err := r.writeWorkspaceFiles(ctx, containerID, spec); err != nil {
		slog.Error("Failed to write workspace files", "session_id", spec.SessionID, "error", err)
		send(ctx, ch, errorEvent(classifyStartupError(err), err.Error()))
		return
	}
	if !send(ctx, ch, statusEvent("Wrote prompt.txt and history.txt to sandbox")) {
		return
	}
	if !send(ctx, ch, statusEvent("Starting agent...")) {
		return
	}

	if err := r.streamExec(ctx, containerID, spec, ch); err != nil {
		slog.Error("Agent execution failed", "session_id", spec.SessionID, "error", err)
		send(ctx, ch, errorEvent(classifyStartupError(err), err.Error()))
	}
	r.touch(containerID, time.Duration(spec.Agent.IdleTimeout)*time.Second)
}

// ensureContainer finds a live container for the session or creates one.
// Concurrent requests on the same session may race; "already in use" is
// resolved by adopting the existing container.
func (r *DockerRunner) ensureContainer(ctx context.Context, spec RunSpec) (string, error) {
	name := containerNamePrefix + spec.SessionID

	inspect, err := r.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			slog.Info("Reusing sandbox container", "session_id", spec.SessionID, "container_id", inspect.ID)
			return inspect.ID, nil
		}
		slog.Info("Found exited sandbox container, recreating", "session_id", spec.SessionID, "container_id", inspect.ID)
		if removeErr := r.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) {
			return "", fmt.Errorf("remove exited container %s: %w", inspect.ID, removeErr)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	if err := r.pullImage(ctx, spec.Agent.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "AGENT_ID="+spec.Agent.ID, "PYTHONUNBUFFERED=1")

	cfg := &container.Config{
		Image:      spec.Agent.Image,
		// The container idles until exec and exits at its max lifetime.
		Cmd:        []string{"sleep", strconv.Itoa(spec.Agent.Timeout)},
		Entrypoint: []string{},
		Env:        env,
		WorkingDir: workspaceDir,
		Labels: map[string]string{
			labelAgentID:   spec.Agent.ID,
			labelSessionID: spec.SessionID,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) || strings.Contains(err.Error(), "is already in use") {
			// Lost a create race; use whichever container won it.
			existing, inspectErr := r.cli.ContainerInspect(ctx, name)
			if inspectErr != nil {
				return "", fmt.Errorf("adopt conflicting container %s: %w", name, inspectErr)
			}
			if existing.State != nil && existing.State.Running {
				return existing.ID, nil
			}
			return existing.ID, r.cli.ContainerStart(ctx, existing.ID, container.StartOptions{})
		}
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	slog.Info("Sandbox container created", "session_id", spec.SessionID, "container_id", resp.ID, "image", spec.Agent.Image)
	return resp.ID, nil
}

func (r *DockerRunner) pullImage(ctx context.Context, imageName string) error {
	if _, err := r.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	return nil
}

// writeWorkspaceFiles copies prompt.txt and history.txt into /workspace.
func (r *DockerRunner) writeWorkspaceFiles(ctx context.Context, containerID string, spec RunSpec) error {
	files := map[string]string{"prompt.txt": spec.Prompt}
	if spec.History != "" {
		files["history.txt"] = spec.History
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return fmt.Errorf("write tar entry for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish workspace tar: %w", err)
	}

	if err := r.cli.CopyToContainer(ctx, containerID, workspaceDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy workspace files: %w", err)
	}
	return nil
}

// streamExec runs the agent command and forwards its stdout line-by-line.
// A reader goroutine performs the blocking reads and hands events to the
// consumer channel; emission order is preserved by having exactly one
// reader and one consumer.
func (r *DockerRunner) streamExec(ctx context.Context, containerID string, spec RunSpec, ch chan<- AgentEvent) error {
	execResp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Agent.Command,
		Env:          []string{"AGENT_WORKSPACE=" + workspaceDir},
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	// Closing the hijacked connection is what unblocks the reader when the
	// consumer disconnects mid-stream.
	execDone := make(chan struct{})
	defer close(execDone)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-execDone:
		}
	}()

	// Demux the attached stream; stderr is drained to the log only.
	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		_, _ = demuxExecStream(stdoutWriter, attach.Reader)
	}()

	scanner := bufio.NewScanner(stdoutReader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev := decodeLine(line)
		if !send(ctx, ch, ev) {
			return nil
		}
		// The container stays alive for reuse; stop reading at the
		// worker's terminal event.
		if ev.Type == "done" || ev.Type == "error" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read exec output: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		send(ctx, ch, AgentEvent{Type: "exit", Data: map[string]any{"returncode": inspect.ExitCode}})
	}
	return nil
}

func (r *DockerRunner) touch(containerID string, idleTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[containerID] = containerActivity{lastUsed: time.Now(), idleTimeout: idleTimeout}
}

// Reap removes gateway containers that exited or sat idle past their
// timeout. Called periodically by the reaper worker.
func (r *DockerRunner) Reap(ctx context.Context) {
	listFilters := filters.NewArgs(filters.Arg("label", labelSessionID))
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		slog.Warn("Sandbox reaper failed to list containers", "error", err)
		return
	}

	now := time.Now()
	for _, c := range containers {
		remove := false
		switch c.State {
		case "exited", "dead", "created":
			remove = true
		default:
			r.mu.Lock()
			activity, tracked := r.lastUsed[c.ID]
			r.mu.Unlock()
			if tracked && now.Sub(activity.lastUsed) > activity.idleTimeout {
				remove = true
			}
		}
		if !remove {
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("Sandbox reaper failed to remove container", "container_id", c.ID, "error", err)
			continue
		}
		r.mu.Lock()
		delete(r.lastUsed, c.ID)
		r.mu.Unlock()
		slog.Info("Removed expired sandbox container", "container_id", c.ID, "session_id", c.Labels[labelSessionID])
	}
}

// StartReaper launches the idle-expiry worker. It stops when ctx ends.
func (r *DockerRunner) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap(ctx)
			}
		}
	}()
}

// demuxExecStream splits the multiplexed exec stream; stderr goes to the
// log and is never forwarded to the client.
func demuxExecStream(stdout io.Writer, src io.Reader) (int64, error) {
	return stdcopy.StdCopy(stdout, stderrLogWriter{}, src)
}

type stderrLogWriter struct{}

func (stderrLogWriter) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		slog.Debug("Agent stderr", "line", line)
	}
	return len(p), nil
}

// classifyStartupError maps provider errors to user-facing messages.
// Cases run build-failure first, then auth, then not-found: build and auth
// errors often mention "not found" in their detail text. Substring matching
// is brittle; the typed errdefs checks cover the cases the SDK classifies.
func classifyStartupError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Image build"):
		return "Failed to build agent image. Please check agent configuration."
	case errdefs.IsUnauthorized(err), strings.Contains(msg, "Token missing"), strings.Contains(msg, "authenticate"):
		return "Sandbox authentication failed. Please check your credentials."
	case errdefs.IsNotFound(err), strings.Contains(strings.ToLower(msg), "not found"):
		return "Agent image not found. Please check the image URL."
	default:
		return "Agent execution failed: " + msg
	}
}
