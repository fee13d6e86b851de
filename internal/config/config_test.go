package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_SECRET_KEY", "test-secret")

	cfg := Load()

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d, want 5", cfg.MaxToolIterations)
	}
	if cfg.SandboxImage != "owui-sandbox-base:latest" {
		t.Errorf("SandboxImage = %q, want owui-sandbox-base:latest", cfg.SandboxImage)
	}
	if cfg.SandboxExecTimeout != 5*time.Minute {
		t.Errorf("SandboxExecTimeout = %v, want 5m", cfg.SandboxExecTimeout)
	}
	if cfg.DatabasePath != "data/metrics.db" {
		t.Errorf("DatabasePath = %q, want data/metrics.db", cfg.DatabasePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_SECRET_KEY", "test-secret")
	t.Setenv("PORT", "9001")
	t.Setenv("MAX_TOOL_ITERATIONS", "3")
	t.Setenv("COMPACTION_TOKEN_THRESHOLD", "65536")
	t.Setenv("ALLOWED_OWUI_INSTANCES", "10.1.2.3, 10.1.2.*,")
	t.Setenv("SANDBOX_EXEC_TIMEOUT", "90s")

	cfg := Load()

	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.MaxToolIterations != 3 {
		t.Errorf("MaxToolIterations = %d, want 3", cfg.MaxToolIterations)
	}
	if len(cfg.AllowedInstances) != 2 || cfg.AllowedInstances[1] != "10.1.2.*" {
		t.Errorf("AllowedInstances = %v, want [10.1.2.3 10.1.2.*]", cfg.AllowedInstances)
	}
	if cfg.SandboxExecTimeout != 90*time.Second {
		t.Errorf("SandboxExecTimeout = %v, want 90s", cfg.SandboxExecTimeout)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("API_SECRET_KEY", "test-secret")
	t.Setenv("PORT", "not-a-number")
	t.Setenv("REQUEST_TIMEOUT", "yesterday")

	cfg := Load()

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want default 8000 on parse failure", cfg.Port)
	}
	if cfg.RequestTimeout != 10*time.Minute {
		t.Errorf("RequestTimeout = %v, want default 10m on parse failure", cfg.RequestTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.APISecretKey = "" }, true},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"zero iterations", func(c *Config) { c.MaxToolIterations = 0 }, true},
		{"summary above threshold", func(c *Config) { c.CompactionMaxSummaryTokens = c.CompactionTokenThreshold }, true},
		{"steps range inverted", func(c *Config) { c.ImageStepsMin = 60 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_SECRET_KEY", "test-secret")
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
