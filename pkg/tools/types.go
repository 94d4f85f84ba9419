package tools

import (
	"context"
	"encoding/json"
)

// Tool is the capability interface every callable tool implements.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Artifact is a visual side-channel output produced by a tool as a byproduct
// of execution, delivered apart from its primary result.
type Artifact struct {
	MIME string `json:"mime"`
	Data string `json:"data"` // base64
}

// ArtifactSource is implemented by tools that expose a drainable artifact
// slot. DrainArtifact returns the pending artifact and clears the slot, so an
// artifact is delivered at most once.
type ArtifactSource interface {
	DrainArtifact() *Artifact
}

// ViewportSource is implemented by tools that can capture the current
// viewport on demand. Used as a fallback when a call finishes without
// leaving an artifact behind.
type ViewportSource interface {
	CurrentScreenshot(ctx context.Context) (*Artifact, error)
}

// ToolCall is one tool invocation requested by a think phase.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the unified return type from tool dispatch. A failed dispatch is
// data, never an error value: the step loop renders it as ordinary result
// content.
type Result struct {
	Output   any       `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
	Artifact *Artifact `json:"-"`
}

// ErrorResult builds a failed Result.
func ErrorResult(message string) Result {
	return Result{Error: message}
}

// Failed reports whether the dispatch produced an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Spec describes a tool to the think capability.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema"`
}

// ParseArguments decodes raw tool-call arguments. Unparsable input degrades
// to an empty mapping, never an error: a malformed call still dispatches.
func ParseArguments(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
