package config

import (
	"fmt"
	"time"
)

// Config is the root Delver configuration
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Agent    AgentConfig    `json:"agent" mapstructure:"agent"`
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`
	Sandbox  SandboxConfig  `json:"sandbox" mapstructure:"sandbox"`
	Tools    ToolsConfig    `json:"tools" mapstructure:"tools"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP/WebSocket surface configuration
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// AgentConfig holds think/act loop configuration
type AgentConfig struct {
	StepBudget   int           `json:"step_budget" mapstructure:"step_budget"`
	RunTimeout   time.Duration `json:"run_timeout" mapstructure:"run_timeout"`
	Provider     string        `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model        string        `json:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
}

// SessionsConfig bounds the session registry
type SessionsConfig struct {
	MaxSessions   int           `json:"max_sessions" mapstructure:"max_sessions"`
	IdleTTL       time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// SandboxConfig points at the remote browser sandbox control plane
type SandboxConfig struct {
	BaseURL       string        `json:"base_url" mapstructure:"base_url"`
	Token         string        `json:"token" mapstructure:"token"`
	ReadyProbes   int           `json:"ready_probes" mapstructure:"ready_probes"`
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
}

// ToolsConfig configures the built-in tool set
type ToolsConfig struct {
	DispatchTimeout time.Duration `json:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	SearchBaseURL   string        `json:"search_base_url" mapstructure:"search_base_url"`
	FetchMaxBytes   int64         `json:"fetch_max_bytes" mapstructure:"fetch_max_bytes"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			StepBudget:  8,
			RunTimeout:  5 * time.Minute,
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Sessions: SessionsConfig{
			MaxSessions:   256,
			IdleTTL:       2 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			ReadyProbes:   5,
			ProbeInterval: 2 * time.Second,
		},
		Tools: ToolsConfig{
			DispatchTimeout: 60 * time.Second,
			FetchMaxBytes:   2 << 20,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Agent.StepBudget <= 0 {
		return fmt.Errorf("agent.step_budget must be positive")
	}
	if c.Agent.RunTimeout < 0 {
		return fmt.Errorf("agent.run_timeout cannot be negative")
	}
	switch c.Agent.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("agent.provider must be one of anthropic, openai (got %q)", c.Agent.Provider)
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return fmt.Errorf("agent.temperature must be between 0 and 1")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive")
	}
	if c.Sessions.IdleTTL <= 0 {
		return fmt.Errorf("sessions.idle_ttl must be positive")
	}
	if c.Sandbox.ReadyProbes < 0 {
		return fmt.Errorf("sandbox.ready_probes cannot be negative")
	}
	return nil
}
