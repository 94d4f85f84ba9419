package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/delverhq/delver/internal/observability"
	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/events"
	"github.com/delverhq/delver/pkg/think"
	"github.com/delverhq/delver/pkg/tools"
)

// reasoningTool tags screenshots produced during a think phase, before any
// tool has run.
const reasoningTool = "reasoning"

// Transcripts is the slice of the transcript store the engine uses.
type Transcripts interface {
	Append(ctx context.Context, sessionKey string, message think.Message) error
	Load(ctx context.Context, sessionKey string) ([]think.Message, error)
}

// Engine advances agent instances through think/act cycles for inbound
// requests, streaming every produced event in order.
type Engine struct {
	sessions    *Registry
	thinker     think.Thinker
	transcripts Transcripts
	runTimeout  time.Duration
	logger      zerolog.Logger
}

// Config holds engine configuration.
type Config struct {
	Sessions    *Registry
	Thinker     think.Thinker
	Transcripts Transcripts
	RunTimeout  time.Duration
	Logger      zerolog.Logger
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Thinker == nil {
		return nil, fmt.Errorf("thinker is required")
	}

	return &Engine{
		sessions:    cfg.Sessions,
		thinker:     cfg.Thinker,
		transcripts: cfg.Transcripts,
		runTimeout:  cfg.RunTimeout,
		logger:      cfg.Logger,
	}, nil
}

// RunParams carries one inbound request.
type RunParams struct {
	SessionID string
	SandboxID string
	Message   string
}

// Run executes one complete think/act loop for params, emitting events
// through enc. The stream always terminates with exactly one end or error
// frame, whatever happens inside the run.
func (e *Engine) Run(ctx context.Context, params RunParams, enc *events.Encoder) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionID(ctx, params.SessionID)
	ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	ctx, span := tracing.StartSpan(
		ctx,
		"delver.engine",
		"engine.run",
		attribute.String("session_id", params.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("session_id", params.SessionID).Logger()

	if params.Message == "" {
		err := fmt.Errorf("message cannot be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		enc.Fail(err.Error())
		return err
	}

	sess, err := e.sessions.ResolveOrCreate(ctx, params.SessionID, params.SandboxID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		enc.Fail(err.Error())
		return err
	}

	// Serialize runs on the same session.
	sess.runMu.Lock()
	defer sess.runMu.Unlock()

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	start := time.Now()
	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Run panicked")
			enc.Fail("internal error")
		}
		observability.RecordRun(outcome, time.Since(start))
		sess.touch()
	}()

	agent := sess.Agent
	agent.BeginRun()

	userMsg := think.Message{Role: think.RoleUser, Content: params.Message}
	e.seedMessages(ctx, sess, userMsg, logger)

	outcome = e.loop(ctx, sess, enc, logger)

	logger.Info().
		Str("outcome", outcome).
		Int("steps", agent.StepCount()).
		Dur("duration", time.Since(start)).
		Msg("Run finished")

	if outcome == "error" {
		span.SetStatus(codes.Error, "run failed")
	}
	return nil
}

// seedMessages resets the run's message log to the persisted history plus
// the new user message. Persistence failures degrade to an in-memory run.
func (e *Engine) seedMessages(ctx context.Context, sess *Session, userMsg think.Message, logger zerolog.Logger) {
	if e.transcripts != nil {
		history, err := e.transcripts.Load(ctx, sess.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load transcript, starting empty")
		} else {
			sess.Agent.appendMessages(history...)
		}
		if err := e.transcripts.Append(ctx, sess.ID, userMsg); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist user message")
		}
	}
	sess.Agent.appendMessages(userMsg)
}

// loop is the step state machine. It owns the terminal frame: every return
// path has emitted exactly one end or error frame first.
func (e *Engine) loop(ctx context.Context, sess *Session, enc *events.Encoder, logger zerolog.Logger) string {
	agent := sess.Agent

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				enc.Fail("run timed out")
				return "timeout"
			}
			enc.Fail("run canceled")
			return "canceled"
		default:
		}

		if !agent.NextStep() {
			logger.Debug().Int("steps", agent.StepCount()).Msg("Step budget exhausted")
			enc.End()
			return "budget_exhausted"
		}
		observability.RecordStep()

		result, err := e.thinker.Think(ctx, think.Request{
			SessionID: sess.ID,
			Messages:  agent.Messages(),
			Tools:     agent.Bindings().Specs(),
		})
		if err != nil {
			logger.Error().Err(err).Int("step", agent.StepCount()).Msg("Think phase failed")
			enc.Fail(fmt.Sprintf("think failed: %v", err))
			return "error"
		}

		if result.Message != nil {
			agent.appendMessages(*result.Message)
			e.persist(ctx, sess.ID, *result.Message, logger)
			if result.Message.Content != "" {
				enc.Encode(events.NewMessageChunk(result.Message.Content))
			}
		}

		// Screenshot produced during reasoning, before any tool runs.
		if result.Artifact != nil {
			enc.Encode(events.NewToolScreenshot(reasoningTool, events.Image{
				MIME: result.Artifact.MIME,
				Data: result.Artifact.Data,
			}))
		}

		if !result.ShouldAct {
			enc.End()
			return "declined"
		}

		for _, call := range result.ToolCalls {
			enc.Encode(events.NewToolStart(call.Name, call.ID, call.Arguments))

			res := agent.Bindings().Dispatch(ctx, call)
			e.emitScreenshot(ctx, agent, call.Name, res, enc)

			enc.Encode(events.NewToolComplete(call.Name, call.ID, events.ToolOutcome{
				Output: res.Output,
				Error:  res.Error,
			}))

			toolMsg := think.Message{
				Role:       think.RoleTool,
				Content:    renderResult(res),
				ToolCallID: call.ID,
			}
			agent.appendMessages(toolMsg)
			e.persist(ctx, sess.ID, toolMsg, logger)
		}

		if result.Finished {
			agent.Finish()
			enc.End()
			return "finished"
		}
	}
}

// emitScreenshot emits at most one tool_screenshot for the call: the
// drained artifact when the result carries one, otherwise the sandboxed
// browse tool's current viewport as a fallback.
func (e *Engine) emitScreenshot(ctx context.Context, agent *Instance, toolName string, res tools.Result, enc *events.Encoder) {
	if res.Artifact != nil {
		enc.Encode(events.NewToolScreenshot(toolName, events.Image{
			MIME: res.Artifact.MIME,
			Data: res.Artifact.Data,
		}))
		return
	}

	tool, ok := agent.Bindings().Get(toolName)
	if !ok {
		return
	}
	viewport, ok := tool.(tools.ViewportSource)
	if !ok {
		return
	}
	shot, err := viewport.CurrentScreenshot(ctx)
	if err != nil || shot == nil {
		return
	}
	enc.Encode(events.NewToolScreenshot(toolName, events.Image{
		MIME: shot.MIME,
		Data: shot.Data,
	}))
}

func (e *Engine) persist(ctx context.Context, sessionID string, msg think.Message, logger zerolog.Logger) {
	if e.transcripts == nil {
		return
	}
	if err := e.transcripts.Append(ctx, sessionID, msg); err != nil {
		logger.Warn().Err(err).Str("role", msg.Role).Msg("Failed to persist message")
	}
}

// renderResult flattens a tool result into transcript content.
func renderResult(res tools.Result) string {
	if res.Failed() {
		return fmt.Sprintf("error: %s", res.Error)
	}
	data, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Sprintf("%v", res.Output)
	}
	return string(data)
}
