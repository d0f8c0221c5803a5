package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the TENEX daemon.
type Config struct {
	// Relays to subscribe to. At least one is required to start.
	Relays []string `json:"relays"`

	// GlobalDir holds daemon-wide state: agents/, archive.db.
	// Default: ~/.tenex
	GlobalDir string `json:"global_dir,omitempty"`

	// ProjectsDir holds per-project state directories keyed by project slug.
	// Default: {global_dir}/projects
	ProjectsDir string `json:"projects_dir,omitempty"`

	// Nsec is the daemon's fallback signing key (hex or nsec). Read from env
	// TENEX_NSEC only, never persisted to the config file.
	Nsec string `json:"-"`

	Runtime     RuntimeConfig     `json:"runtime,omitempty"`
	LLM         LLMConfig         `json:"llm,omitempty"`
	Gateway     GatewayConfig     `json:"gateway,omitempty"`
	Archive     ArchiveConfig     `json:"archive,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// RuntimeConfig tunes per-project runtime behaviour.
type RuntimeConfig struct {
	IdleTimeoutMs         int `json:"idle_timeout_ms,omitempty"`         // project teardown delay (default 1_800_000)
	MaxSteps              int `json:"max_steps,omitempty"`               // executor step limit per turn (default 20)
	DelegationTimeoutMs   int `json:"delegation_timeout_ms,omitempty"`   // default delegation await timeout (default 600_000)
	MaxConversationTokens int `json:"max_conversation_tokens,omitempty"` // thread pruning threshold (default 24_000)
	QueueSize             int `json:"queue_size,omitempty"`              // per-runtime work queue bound (default 256)
	DedupCapacity         int `json:"dedup_capacity,omitempty"`          // processed-event set capacity (default 10_000)
}

// LLMConfig holds provider credentials and the model routing table.
type LLMConfig struct {
	APIKey  string            `json:"-"` // from env TENEX_LLM_API_KEY only
	BaseURL string            `json:"base_url,omitempty"`
	Routes  map[string]string `json:"routes,omitempty"` // "agents", "analyze", "orchestrator" → model
}

// GatewayConfig configures the optional local observer endpoint.
type GatewayConfig struct {
	Listen string `json:"listen,omitempty"` // e.g. "127.0.0.1:18800"; empty = disabled
}

// ArchiveConfig configures the sqlite event archive.
type ArchiveConfig struct {
	Enabled       bool `json:"enabled,omitempty"`
	RetentionDays int  `json:"retention_days,omitempty"` // default 30
}

// TelemetryConfig configures OTLP trace export. Empty endpoint = disabled.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	Cron string `json:"cron,omitempty"` // gronx expression, default "0 4 * * *"
}

// IdleTimeout returns the project inactivity window.
func (c *Config) IdleTimeout() time.Duration {
	if c.Runtime.IdleTimeoutMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Runtime.IdleTimeoutMs) * time.Millisecond
}

// DelegationTimeout returns the default delegation await timeout.
func (c *Config) DelegationTimeout() time.Duration {
	if c.Runtime.DelegationTimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Runtime.DelegationTimeoutMs) * time.Millisecond
}

// MaxSteps returns the executor step limit per turn.
func (c *Config) MaxSteps() int {
	if c.Runtime.MaxSteps <= 0 {
		return 20
	}
	return c.Runtime.MaxSteps
}

// QueueSize returns the per-runtime work queue bound.
func (c *Config) QueueSize() int {
	if c.Runtime.QueueSize <= 0 {
		return 256
	}
	return c.Runtime.QueueSize
}

// DedupCapacity returns the processed-event set capacity.
func (c *Config) DedupCapacity() int {
	if c.Runtime.DedupCapacity < 10_000 {
		return 10_000
	}
	return c.Runtime.DedupCapacity
}

// MaxConversationTokens returns the thread pruning threshold.
func (c *Config) MaxConversationTokens() int {
	if c.Runtime.MaxConversationTokens <= 0 {
		return 24_000
	}
	return c.Runtime.MaxConversationTokens
}

// Route resolves a purpose ("agents", "analyze", "orchestrator") to a model
// string, falling back to the "agents" route.
func (c *LLMConfig) Route(purpose string) string {
	if m, ok := c.Routes[purpose]; ok && m != "" {
		return m
	}
	return c.Routes["agents"]
}

// Validate checks invariants that must hold before the daemon starts.
// Violations are fatal (exit code 2).
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: at least one relay is required")
	}
	for _, r := range c.Relays {
		if r == "" {
			return fmt.Errorf("config: empty relay URL")
		}
	}
	if c.Runtime.QueueSize < 0 {
		return fmt.Errorf("config: queue_size must be positive")
	}
	if c.LLM.Route("agents") == "" {
		return fmt.Errorf("config: llm.routes.agents is required")
	}
	return nil
}
