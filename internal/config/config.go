package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime setting the gateway reads from the environment.
// Upstream credentials are deliberately absent: they arrive per-request in
// tools_config (the caller's valves).
type Config struct {
	Host          string // HOST
	Port          int    // PORT
	DashboardPort int    // DASHBOARD_PORT (served by the external dashboard)
	PublicDomain  string // PUBLIC_DOMAIN, used to build public file URLs

	APISecretKey     string   // API_SECRET_KEY, admin/chat bearer token
	AllowedInstances []string // ALLOWED_OWUI_INSTANCES, IP allow-list (exact or glob)

	DataDir      string // DATA_DIR, root for workspaces and recall files
	DatabasePath string // DATABASE_PATH, sqlite store

	MaxToolIterations          int // MAX_TOOL_ITERATIONS
	MaxInputTokens             int // MAX_INPUT_TOKENS, hard cap after shaping
	MaxUserMessageTokens       int // MAX_USER_MESSAGE_TOKENS, per-message cap
	CompactionTokenThreshold   int // COMPACTION_TOKEN_THRESHOLD
	CompactionMaxSummaryTokens int // COMPACTION_MAX_SUMMARY_TOKENS
	CompactionKeepTurns        int // COMPACTION_KEEP_TURNS, keep-tail size
	MaxMemoryChars             int // MAX_MEMORY_CHARS, per-user memory budget
	AnthropicMaxTokens         int // ANTHROPIC_MAX_TOKENS

	RequestTimeout  time.Duration // REQUEST_TIMEOUT, end-to-end watchdog
	ProviderTimeout time.Duration // PROVIDER_TIMEOUT, one chat call
	SearchTimeout   time.Duration // SEARCH_TIMEOUT
	ImageTimeout    time.Duration // IMAGE_TIMEOUT
	VectorTimeout   time.Duration // VECTOR_TIMEOUT

	SandboxImage        string        // SANDBOX_IMAGE
	SandboxNetwork      string        // SANDBOX_NETWORK
	SandboxMemory       string        // SANDBOX_MEMORY, e.g. "1g"
	SandboxCPUs         string        // SANDBOX_CPUS, e.g. "2"
	SandboxPids         int           // SANDBOX_PIDS
	SandboxExecTimeout  time.Duration // SANDBOX_EXEC_TIMEOUT
	SandboxIdleTTL      time.Duration // SANDBOX_IDLE_TTL
	SandboxSweepEvery   time.Duration // SANDBOX_SWEEP_INTERVAL
	SandboxOutputCap    int           // SANDBOX_OUTPUT_CAP, bytes per stream
	SandboxDisabled     bool          // SANDBOX_DISABLED, skip daemon checks entirely
	ImageStepsMin       int           // IMAGE_STEPS_MIN
	ImageStepsMax       int           // IMAGE_STEPS_MAX
	ImageOutputDir      string        // IMAGE_OUTPUT_DIR
	LogLevel            string        // LOG_LEVEL
	ShutdownGracePeriod time.Duration // SHUTDOWN_GRACE_PERIOD
}

// Load builds a Config from the process environment, applying defaults for
// everything optional.
func Load() Config {
	dataDir := getEnvOrDefault("DATA_DIR", "data")

	cfg := Config{
		Host:          getEnvOrDefault("HOST", "0.0.0.0"),
		Port:          envInt("PORT", 8000),
		DashboardPort: envInt("DASHBOARD_PORT", 8050),
		PublicDomain:  os.Getenv("PUBLIC_DOMAIN"),

		APISecretKey:     os.Getenv("API_SECRET_KEY"),
		AllowedInstances: splitList(os.Getenv("ALLOWED_OWUI_INSTANCES")),

		DataDir:      dataDir,
		DatabasePath: getEnvOrDefault("DATABASE_PATH", filepath.Join(dataDir, "metrics.db")),

		MaxToolIterations:          envInt("MAX_TOOL_ITERATIONS", 5),
		MaxInputTokens:             envInt("MAX_INPUT_TOKENS", 128000),
		MaxUserMessageTokens:       envInt("MAX_USER_MESSAGE_TOKENS", 8192),
		CompactionTokenThreshold:   envInt("COMPACTION_TOKEN_THRESHOLD", 65536),
		CompactionMaxSummaryTokens: envInt("COMPACTION_MAX_SUMMARY_TOKENS", 1024),
		CompactionKeepTurns:        envInt("COMPACTION_KEEP_TURNS", 6),
		MaxMemoryChars:             envInt("MAX_MEMORY_CHARS", 2000),
		AnthropicMaxTokens:         envInt("ANTHROPIC_MAX_TOKENS", 4096),

		RequestTimeout:  envDuration("REQUEST_TIMEOUT", 10*time.Minute),
		ProviderTimeout: envDuration("PROVIDER_TIMEOUT", 5*time.Minute),
		SearchTimeout:   envDuration("SEARCH_TIMEOUT", 60*time.Second),
		ImageTimeout:    envDuration("IMAGE_TIMEOUT", 3*time.Minute),
		VectorTimeout:   envDuration("VECTOR_TIMEOUT", 60*time.Second),

		SandboxImage:        getEnvOrDefault("SANDBOX_IMAGE", "owui-sandbox-base:latest"),
		SandboxNetwork:      getEnvOrDefault("SANDBOX_NETWORK", "sandbox_network"),
		SandboxMemory:       getEnvOrDefault("SANDBOX_MEMORY", "1g"),
		SandboxCPUs:         getEnvOrDefault("SANDBOX_CPUS", "2"),
		SandboxPids:         envInt("SANDBOX_PIDS", 100),
		SandboxExecTimeout:  envDuration("SANDBOX_EXEC_TIMEOUT", 5*time.Minute),
		SandboxIdleTTL:      envDuration("SANDBOX_IDLE_TTL", 30*time.Minute),
		SandboxSweepEvery:   envDuration("SANDBOX_SWEEP_INTERVAL", time.Minute),
		SandboxOutputCap:    envInt("SANDBOX_OUTPUT_CAP", 64*1024),
		SandboxDisabled:     envBool("SANDBOX_DISABLED", false),
		ImageStepsMin:       envInt("IMAGE_STEPS_MIN", 1),
		ImageStepsMax:       envInt("IMAGE_STEPS_MAX", 50),
		ImageOutputDir:      getEnvOrDefault("IMAGE_OUTPUT_DIR", filepath.Join(dataDir, "images")),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		ShutdownGracePeriod: envDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	return cfg
}

// Validate rejects configurations the gateway cannot serve with.
func (c Config) Validate() error {
	if c.APISecretKey == "" {
		return fmt.Errorf("API_SECRET_KEY is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("MAX_TOOL_ITERATIONS must be >= 1, got %d", c.MaxToolIterations)
	}
	if c.CompactionMaxSummaryTokens >= c.CompactionTokenThreshold {
		return fmt.Errorf("COMPACTION_MAX_SUMMARY_TOKENS (%d) must be below COMPACTION_TOKEN_THRESHOLD (%d)",
			c.CompactionMaxSummaryTokens, c.CompactionTokenThreshold)
	}
	if c.MaxMemoryChars < 1 {
		return fmt.Errorf("MAX_MEMORY_CHARS must be >= 1, got %d", c.MaxMemoryChars)
	}
	if c.ImageStepsMin > c.ImageStepsMax {
		return fmt.Errorf("IMAGE_STEPS_MIN (%d) above IMAGE_STEPS_MAX (%d)", c.ImageStepsMin, c.ImageStepsMax)
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

func envBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return b
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
