package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if len(cfg.Relays) == 0 {
		t.Fatal("defaults must include at least one relay")
	}
	if got := cfg.IdleTimeout(); got != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", got)
	}
	if got := cfg.MaxSteps(); got != 20 {
		t.Errorf("MaxSteps = %d, want 20", got)
	}
	if got := cfg.DelegationTimeout(); got != 10*time.Minute {
		t.Errorf("DelegationTimeout = %v, want 10m", got)
	}
	if got := cfg.DedupCapacity(); got != 10_000 {
		t.Errorf("DedupCapacity = %d, want 10000", got)
	}
}

func TestDedupCapacityFloor(t *testing.T) {
	cfg := Default()
	cfg.Runtime.DedupCapacity = 100
	if got := cfg.DedupCapacity(); got != 10_000 {
		t.Errorf("capacity below floor must clamp to 10000, got %d", got)
	}
	cfg.Runtime.DedupCapacity = 50_000
	if got := cfg.DedupCapacity(); got != 50_000 {
		t.Errorf("capacity above floor must pass through, got %d", got)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
	// comments are allowed
	relays: ["wss://example.com"],
	runtime: {
		max_steps: 5,
		queue_size: 16,
	},
	llm: { routes: { agents: "test-model" } },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://example.com" {
		t.Errorf("relays = %v", cfg.Relays)
	}
	if cfg.MaxSteps() != 5 {
		t.Errorf("max_steps = %d, want 5", cfg.MaxSteps())
	}
	if cfg.QueueSize() != 16 {
		t.Errorf("queue_size = %d, want 16", cfg.QueueSize())
	}
	if got := cfg.LLM.Route("agents"); got != "test-model" {
		t.Errorf("route = %q", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(cfg.Relays) == 0 {
		t.Error("expected default relays")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TENEX_NSEC", "deadbeef")
	t.Setenv("TENEX_LLM_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Nsec != "deadbeef" {
		t.Errorf("Nsec = %q, want env value", cfg.Nsec)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"no relays", func(c *Config) { c.Relays = nil }, true},
		{"empty relay url", func(c *Config) { c.Relays = []string{""} }, true},
		{"no agents route", func(c *Config) { c.LLM.Routes = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRouteFallback(t *testing.T) {
	llm := LLMConfig{Routes: map[string]string{"agents": "base-model"}}
	if got := llm.Route("analyze"); got != "base-model" {
		t.Errorf("unknown purpose should fall back to agents route, got %q", got)
	}
}
