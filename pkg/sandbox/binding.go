package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/delverhq/delver/internal/observability"
	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/tools"
)

// Outcome reports the result of an attach attempt.
type Outcome int

const (
	// OutcomeAttached means the sandbox is running, passed a readiness
	// probe, and the session's browse tool now targets it.
	OutcomeAttached Outcome = iota

	// OutcomeNotReady means the tool was swapped but the sandbox never
	// passed a readiness probe within the probe budget. Tool calls may
	// fail until the sandbox finishes starting.
	OutcomeNotReady

	// OutcomeFailed means the sandbox could not be resolved and the
	// session keeps its current browse tool.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAttached:
		return "attached"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Binder is the slice of a tool registry the manager needs: replacing a
// tool binding in place.
type Binder interface {
	Bind(tool tools.Tool)
}

// BindingManager attaches sandbox environments to sessions.
type BindingManager struct {
	resolver      Resolver
	readyProbes   int
	probeInterval time.Duration
	client        *http.Client
}

// NewBindingManager creates a manager that probes readiness up to
// readyProbes times, probeInterval apart, before giving up on a sandbox.
func NewBindingManager(resolver Resolver, readyProbes int, probeInterval time.Duration) *BindingManager {
	if readyProbes <= 0 {
		readyProbes = 5
	}
	if probeInterval <= 0 {
		probeInterval = 2 * time.Second
	}
	return &BindingManager{
		resolver:      resolver,
		readyProbes:   readyProbes,
		probeInterval: probeInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

// Attach resolves sandboxID and rebinds the browse tool on binder to target
// it. Any failure leaves the existing binding untouched and is reported
// through the returned Outcome; Attach never panics.
func (m *BindingManager) Attach(ctx context.Context, binder Binder, sandboxID string) (outcome Outcome) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Sandbox attach panicked")
			outcome = OutcomeFailed
		}
		observability.RecordSandboxAttach(outcome.String())
	}()

	handle, err := m.resolver.ResolveOrStart(ctx, sandboxID)
	if err != nil {
		logger.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Sandbox resolution failed")
		return OutcomeFailed
	}

	ready := m.awaitReady(ctx, handle)

	binder.Bind(NewBrowseTool(handle, m.client))

	if !ready {
		logger.Warn().
			Str("sandbox_id", handle.ID).
			Int("probes", m.readyProbes).
			Msg("Sandbox attached before passing readiness probe")
		return OutcomeNotReady
	}

	logger.Info().Str("sandbox_id", handle.ID).Msg("Sandbox attached")
	return OutcomeAttached
}

// awaitReady probes the sandbox health endpoint until it answers or the
// probe budget runs out.
func (m *BindingManager) awaitReady(ctx context.Context, handle *Handle) bool {
	for i := 0; i < m.readyProbes; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(m.probeInterval):
			}
		}
		if m.probe(ctx, handle) == nil {
			return true
		}
	}
	return false
}

func (m *BindingManager) probe(ctx context.Context, handle *Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrNotReady, resp.StatusCode)
	}
	return nil
}
