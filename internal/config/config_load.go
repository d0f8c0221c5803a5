package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	globalDir := filepath.Join(home, ".tenex")
	return &Config{
		Relays:      []string{"wss://relay.damus.io", "wss://relay.primal.net"},
		GlobalDir:   globalDir,
		ProjectsDir: filepath.Join(globalDir, "projects"),
		Runtime: RuntimeConfig{
			IdleTimeoutMs:         1_800_000,
			MaxSteps:              20,
			DelegationTimeoutMs:   600_000,
			MaxConversationTokens: 24_000,
			QueueSize:             256,
			DedupCapacity:         10_000,
		},
		LLM: LLMConfig{
			Routes: map[string]string{
				"agents": "claude-sonnet-4-5-20250929",
			},
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Maintenance: MaintenanceConfig{
			Cron: "0 4 * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = filepath.Join(cfg.GlobalDir, "projects")
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Secrets (signing key, LLM credentials) come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TENEX_NSEC", &c.Nsec)
	envStr("TENEX_LLM_API_KEY", &c.LLM.APIKey)
	envStr("TENEX_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("TENEX_GLOBAL_DIR", &c.GlobalDir)
	envStr("TENEX_GATEWAY_LISTEN", &c.Gateway.Listen)
	envStr("TENEX_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
}

// ProjectDir returns the state directory for one project, creating it if
// needed.
func (c *Config) ProjectDir(slug string) (string, error) {
	dir := filepath.Join(c.ProjectsDir, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

// AgentsDir returns the global agent definitions directory.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.GlobalDir, "agents")
}
