// Package sandbox runs agent workers and exposes their output as an event
// stream.
//
// Two backends implement the same contract: a local subprocess runner for
// development and a Docker container runner for isolation. Workers write one
// JSON object per line to stdout, shaped {"type": ..., "data": {...}};
// non-JSON lines are delivered as raw events. The worker's own done or error
// event ends the stream; the runners add an error event when startup fails or
// the subprocess exits non-zero, and the Docker runner reports a non-zero
// exec exit as an exit event. A worker that exits cleanly without a done
// event, or a stream cut short by cancellation, ends with no terminal event.
package sandbox

import (
	"context"
	"fmt"

	"github.com/ashureev/agentgate/internal/agents"
)

// AgentEvent is the wire unit emitted by a worker.
type AgentEvent struct {
	Type string
	Data map[string]any

	raw map[string]any
}

// Raw returns the full decoded JSON object for the event. Synthesized
// events (status, error, exit) reconstruct it from Type and Data.
func (e AgentEvent) Raw() map[string]any {
	if e.raw != nil {
		return e.raw
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{"type": e.Type, "data": data}
}

// Event constructors used by both backends.

func statusEvent(message string) AgentEvent {
	return AgentEvent{Type: "status", Data: map[string]any{"message": message}}
}

func errorEvent(message, details string) AgentEvent {
	data := map[string]any{"message": message}
	if details != "" {
		data["details"] = details
	}
	return AgentEvent{Type: "error", Data: data}
}

func rawLineEvent(line string) AgentEvent {
	return AgentEvent{Type: "raw", Data: map[string]any{"content": line}}
}

// RunSpec describes one agent execution.
type RunSpec struct {
	SessionID string
	Agent     *agents.Config
	Prompt    string
	Env       map[string]string
	// History is the prior conversation serialized as a JSON array of
	// {role, content} objects; empty for new sessions.
	History string
}

// Runner executes an agent and streams its output.
//
// The returned channel yields events in worker emission order and is closed
// when the worker's output ends (after its terminal event, if it sent one).
// Cancelling ctx stops the worker and ends the stream; the channel is still
// closed.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) <-chan AgentEvent
}

// Backends selectable via configuration.
const (
	BackendSubprocess = "subprocess"
	BackendDocker     = "docker"
)

// New returns the configured runner implementation.
func New(backend string, registry *agents.Registry) (Runner, error) {
	switch backend {
	case BackendDocker:
		return NewDockerRunner()
	case BackendSubprocess, "":
		return NewSubprocessRunner(registry), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", backend)
	}
}

// send delivers an event unless the consumer is gone.
func send(ctx context.Context, ch chan<- AgentEvent, ev AgentEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
