package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/delverhq/delver/internal/observability"
)

const defaultDispatchTimeout = 60 * time.Second

// Registry holds a set of tool bindings and dispatches calls by name. The
// mapping is interface-typed: swapping one binding for a variant (the
// sandboxed browse tool) leaves every other binding untouched.
type Registry struct {
	mu              sync.RWMutex
	tools           map[string]Tool
	schemas         map[string]*gojsonschema.Schema
	dispatchTimeout time.Duration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{
		tools:           make(map[string]Tool),
		schemas:         make(map[string]*gojsonschema.Schema),
		dispatchTimeout: defaultDispatchTimeout,
	}
}

// SetDispatchTimeout overrides the per-call execution timeout
func (r *Registry) SetDispatchTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.dispatchTimeout = d
	}
}

// Register adds a tool, compiling its parameter schema for argument
// validation. A schema that fails to compile disables validation for that
// tool rather than rejecting it.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindLocked(tool)
}

// Bind replaces the binding for tool.Name() in place. It is how the sandbox
// binding manager swaps the default browse tool for its remote variant.
func (r *Registry) Bind(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindLocked(tool)
}

func (r *Registry) bindLocked(tool Tool) {
	name := tool.Name()
	r.tools[name] = tool
	r.schemas[name] = nil

	if params := tool.Parameters(); params != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
		if err != nil {
			log.Warn().Str("tool", name).Err(err).Msg("Tool schema failed to compile, skipping validation")
		} else {
			r.schemas[name] = schema
		}
	}
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Specs returns tool descriptions for the think capability
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, Spec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Parameters(),
		})
	}
	return specs
}

// Clone creates a shallow copy of the registry. Sessions clone the process
// default set so per-session rebinding never leaks across sessions.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Registry{
		tools:           make(map[string]Tool, len(r.tools)),
		schemas:         make(map[string]*gojsonschema.Schema, len(r.schemas)),
		dispatchTimeout: r.dispatchTimeout,
	}
	for name, t := range r.tools {
		clone.tools[name] = t
		clone.schemas[name] = r.schemas[name]
	}
	return clone
}

// Dispatch executes one tool call and always returns a Result: unknown
// tools, invalid arguments, panics, raised errors, and timeouts are all
// converted into Result.Error. A drainable side-channel artifact is drained
// immediately after execution and attached to the Result, so it cannot be
// observed (and emitted) twice.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	timeout := r.dispatchTimeout
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if schema != nil {
		if err := validateArguments(schema, args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := r.executeGuarded(execCtx, tool, args, timeout)

	if src, ok := tool.(ArtifactSource); ok {
		result.Artifact = src.DrainArtifact()
	}

	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, !result.Failed())
	log.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Dur("duration", duration).
		Bool("is_error", result.Failed()).
		Msg("Tool dispatched")

	return result
}

// executeGuarded runs the tool on its own goroutine so a wedged tool cannot
// stall the step loop past the dispatch timeout, and recovers panics into
// ordinary errors.
func (r *Registry) executeGuarded(ctx context.Context, tool Tool, args map[string]any, timeout time.Duration) Result {
	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("tool", tool.Name()).
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Msg("Tool panicked")
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)}
			}
		}()
		output, err := tool.Execute(ctx, args)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return ErrorResult(o.err.Error())
		}
		return Result{Output: o.output}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %v", tool.Name(), timeout))
		}
		return ErrorResult(fmt.Sprintf("tool %s cancelled: %v", tool.Name(), ctx.Err()))
	}
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
