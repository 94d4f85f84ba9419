package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/delverhq/delver/internal/observability"
	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/sandbox"
	"github.com/delverhq/delver/pkg/tools"
)

// Session pairs a session identifier with its exclusively owned agent
// instance.
type Session struct {
	ID        string
	Agent     *Instance
	CreatedAt time.Time

	// runMu serializes runs on the same session.
	runMu sync.Mutex

	mu         sync.Mutex
	lastActive time.Time
	sandboxID  string
	attached   bool
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns when the session last served a request.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SandboxID returns the attached sandbox, or "" when the session runs on
// its default tools.
func (s *Session) SandboxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandboxID
}

// RegistryConfig configures a session registry.
type RegistryConfig struct {
	// BaseTools is cloned into every new session.
	BaseTools *tools.Registry

	// Binding attaches sandboxes to sessions; nil disables sandbox support.
	Binding *sandbox.BindingManager

	// StepBudget is the per-run step ceiling given to new agent instances.
	StepBudget int

	// MaxSessions bounds the live session cache.
	MaxSessions int

	// IdleTTL evicts sessions idle longer than this; zero disables the
	// sweeper.
	IdleTTL time.Duration

	// SweepInterval is how often idle sessions are collected.
	SweepInterval time.Duration
}

// Registry maps session identifiers to live agent instances, creating them
// lazily. The cache is bounded: least recently used sessions are evicted
// when it fills, and a background sweeper collects idle ones.
type Registry struct {
	base       *tools.Registry
	binding    *sandbox.BindingManager
	stepBudget int
	idleTTL    time.Duration

	mu         sync.Mutex
	cache      *lru.Cache[string, *Session]
	evictCause string

	sweeper *cron.Cron
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.BaseTools == nil {
		return nil, fmt.Errorf("base tool registry is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}

	r := &Registry{
		base:       cfg.BaseTools,
		binding:    cfg.Binding,
		stepBudget: cfg.StepBudget,
		idleTTL:    cfg.IdleTTL,
		evictCause: "lru",
	}

	cache, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	r.cache = cache

	if cfg.IdleTTL > 0 && cfg.SweepInterval > 0 {
		r.sweeper = cron.New()
		if _, err := r.sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), r.sweepIdle); err != nil {
			return nil, fmt.Errorf("failed to schedule idle sweeper: %w", err)
		}
		r.sweeper.Start()
	}

	return r, nil
}

// ResolveOrCreate returns the live session for sessionID, creating it with
// the default tool bindings if none exists. When sandboxID is supplied and
// the session has no binding yet, the sandbox is attached; attach failure
// leaves the session on its default tools.
func (r *Registry) ResolveOrCreate(ctx context.Context, sessionID, sandboxID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	r.mu.Lock()
	sess, ok := r.cache.Get(sessionID)
	if !ok {
		sess = &Session{
			ID:        sessionID,
			Agent:     newInstance(r.base.Clone(), r.stepBudget),
			CreatedAt: time.Now(),
		}
		r.cache.Add(sessionID, sess)
		observability.SetActiveSessions(r.cache.Len())
		logger.Info().Str("session_id", sessionID).Msg("Session created")
	}
	r.mu.Unlock()

	sess.touch()

	if sandboxID != "" {
		r.attachOnce(ctx, sess, sandboxID)
	}

	return sess, nil
}

// attachOnce binds the sandbox on first use. The swap happens under the
// per-session run mutex, so tool bindings only change between runs; a
// request arriving while a run is in flight waits here. A failed resolution
// leaves the session unattached, so a later request carrying the same
// sandbox id retries rather than giving up on the session for good; a
// sandbox that attached but never became ready is still considered bound.
func (r *Registry) attachOnce(ctx context.Context, sess *Session, sandboxID string) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	sess.runMu.Lock()
	defer sess.runMu.Unlock()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.attached {
		return
	}
	if r.binding == nil {
		logger.Warn().Str("session_id", sess.ID).Msg("Sandbox requested but no binding manager configured")
		return
	}

	outcome := r.binding.Attach(ctx, sess.Agent.Bindings(), sandboxID)
	if outcome == sandbox.OutcomeFailed {
		return
	}
	sess.attached = true
	sess.sandboxID = sandboxID
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Remove evicts a session by id.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(sessionID)
	observability.SetActiveSessions(r.cache.Len())
}

// sweepIdle evicts sessions idle past the TTL.
func (r *Registry) sweepIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.idleTTL)
	r.evictCause = "idle"
	for _, key := range r.cache.Keys() {
		sess, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		if sess.LastActive().Before(cutoff) {
			r.cache.Remove(key)
		}
	}
	r.evictCause = "lru"
	observability.SetActiveSessions(r.cache.Len())
}

// onEvict runs inside the cache's mutation path, under r.mu.
func (r *Registry) onEvict(sessionID string, sess *Session) {
	observability.RecordSessionEviction(r.evictCause)
	log.Debug().
		Str("session_id", sessionID).
		Str("cause", r.evictCause).
		Msg("Session evicted")

	// Release the browser held by the session's browse tool, if any.
	if tool, ok := sess.Agent.Bindings().Get("browse"); ok {
		if closer, ok := tool.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to close browse tool")
			}
		}
	}
}

// Close stops the idle sweeper and drops all sessions.
func (r *Registry) Close() error {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
	observability.SetActiveSessions(0)
	return nil
}
