// Package stream encodes normalized events as Vercel AI UI message stream
// frames delivered over SSE.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Frame is one SSE payload: the JSON object (or the literal [DONE]) that
// goes after "data: ".
type Frame []byte

// DoneFrame is the terminal sentinel line of every stream.
var DoneFrame = Frame("[DONE]")

// vendorKey namespaces providerMetadata entries emitted by this gateway.
const vendorKey = "agentgate"

// WriteFrame writes one frame in SSE framing.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", f)
	return err
}

// SetHeaders sets the SSE response headers for the UI message stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("x-vercel-ai-ui-message-stream", "v1")
}

func encode(v map[string]any) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		// Values originate from decoded JSON; marshalling them back cannot
		// fail in practice. Degrade to an error frame rather than dropping.
		b, _ = json.Marshal(map[string]any{"type": "error", "errorText": "failed to encode frame"})
	}
	return b
}

func frameStart(messageID string) Frame {
	return encode(map[string]any{"type": "start", "messageId": messageID})
}

func frameTextStart(id string) Frame {
	return encode(map[string]any{"type": "text-start", "id": id})
}

func frameTextDelta(id, delta string) Frame {
	return encode(map[string]any{"type": "text-delta", "id": id, "delta": delta})
}

func frameTextEnd(id string) Frame {
	return encode(map[string]any{"type": "text-end", "id": id})
}

func frameReasoningStart(id, variant string) Frame {
	return encode(map[string]any{
		"type":             "reasoning-start",
		"id":               id,
		"providerMetadata": map[string]any{vendorKey: map[string]any{"variant": variant}},
	})
}

func frameReasoningDelta(id, delta string) Frame {
	return encode(map[string]any{"type": "reasoning-delta", "id": id, "delta": delta})
}

func frameReasoningEnd(id string) Frame {
	return encode(map[string]any{"type": "reasoning-end", "id": id})
}

func frameToolInputStart(toolCallID, toolName string) Frame {
	return encode(map[string]any{"type": "tool-input-start", "toolCallId": toolCallID, "toolName": toolName})
}

func frameToolInputAvailable(toolCallID, toolName string, input map[string]any) Frame {
	return encode(map[string]any{
		"type":       "tool-input-available",
		"toolCallId": toolCallID,
		"toolName":   toolName,
		"input":      input,
	})
}

func frameToolOutputAvailable(toolCallID string, output map[string]any) Frame {
	return encode(map[string]any{"type": "tool-output-available", "toolCallId": toolCallID, "output": output})
}

func frameFinish() Frame {
	return encode(map[string]any{"type": "finish"})
}

func frameError(errorText string) Frame {
	if errorText == "" {
		errorText = "An error occurred"
	}
	return encode(map[string]any{"type": "error", "errorText": errorText})
}

func frameDataUsage(usage map[string]any) Frame {
	return encode(map[string]any{"type": "data-usage", "data": usage})
}
