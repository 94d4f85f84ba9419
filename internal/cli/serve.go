package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/delverhq/delver/internal/config"
	"github.com/delverhq/delver/internal/logger"
	"github.com/delverhq/delver/internal/observability"
	"github.com/delverhq/delver/internal/server"
	"github.com/delverhq/delver/internal/tracing"
	"github.com/delverhq/delver/pkg/browse"
	"github.com/delverhq/delver/pkg/engine"
	"github.com/delverhq/delver/pkg/sandbox"
	"github.com/delverhq/delver/pkg/think"
	"github.com/delverhq/delver/pkg/tools"
	"github.com/delverhq/delver/pkg/transcript"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Delver agent server",
	Long: `Start the agent server. It exposes a streaming chat endpoint and a
WebSocket stream, and keeps serving until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if err := tracing.InitOpenTelemetry("delver"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	observability.EnsureRegistered()

	// Default tool set, cloned into every session.
	base := tools.NewRegistry()
	if cfg.Tools.DispatchTimeout > 0 {
		base.SetDispatchTimeout(cfg.Tools.DispatchTimeout)
	}
	base.Register(browse.New())
	base.Register(tools.NewWebFetchTool(cfg.Tools.FetchMaxBytes))
	if cfg.Tools.SearchBaseURL != "" {
		base.Register(tools.NewWebSearchTool(cfg.Tools.SearchBaseURL))
	}

	var binding *sandbox.BindingManager
	if cfg.Sandbox.BaseURL != "" {
		binding = sandbox.NewBindingManager(
			sandbox.NewHTTPResolver(cfg.Sandbox.BaseURL, cfg.Sandbox.Token),
			cfg.Sandbox.ReadyProbes,
			cfg.Sandbox.ProbeInterval,
		)
	}

	sessions, err := engine.NewRegistry(engine.RegistryConfig{
		BaseTools:     base,
		Binding:       binding,
		StepBudget:    cfg.Agent.StepBudget,
		MaxSessions:   cfg.Sessions.MaxSessions,
		IdleTTL:       cfg.Sessions.IdleTTL,
		SweepInterval: cfg.Sessions.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	defer sessions.Close()

	transcriptDir := ""
	if cfg.DataDir != "" {
		transcriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}
	store, err := transcript.New(transcriptDir)
	if err != nil {
		return fmt.Errorf("failed to create transcript store: %w", err)
	}
	defer store.Close()

	provider, err := think.NewProvider(cfg.Agent.Provider, cfg.Agent.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	thinker := think.NewProviderThinker(
		provider,
		cfg.Agent.Model,
		cfg.Agent.SystemPrompt,
		cfg.Agent.Temperature,
		cfg.Agent.MaxTokens,
	)

	eng, err := engine.New(engine.Config{
		Sessions:    sessions,
		Thinker:     thinker,
		Transcripts: store,
		RunTimeout:  cfg.Agent.RunTimeout,
		Logger:      lg.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Engine:          eng,
		Logger:          lg.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Hot-reload the log level when the config file changes.
	watcher, err := config.NewWatcher(loader, func(c *config.Config) {
		logger.SetLevel(c.Logging.Level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	} else {
		defer watcher.Stop()
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("provider", cfg.Agent.Provider).
		Int("step_budget", cfg.Agent.StepBudget).
		Msg("Delver is ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	return srv.Stop()
}
