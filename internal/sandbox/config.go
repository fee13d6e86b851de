package sandbox

import "time"

// Config holds the sandbox resource policy and lifecycle knobs. The manager
// applies it uniformly to every instance.
type Config struct {
	Image   string // base image tag, e.g. owui-sandbox-base:latest
	Network string // isolated bridge network name; must already exist

	Memory string // per-instance RAM, e.g. "1g"
	CPUs   string // per-instance CPU count, e.g. "2"
	Pids   int    // per-instance PID cap

	ExecTimeout   time.Duration // hard ceiling per command
	IdleTTL       time.Duration // evict instances idle this long
	SweepInterval time.Duration // how often the sweeper checks
	OutputCap     int           // bytes returned per stream

	DataDir string // host root for per-conversation workspaces
}

// withDefaults fills zero fields so a partially built Config still behaves.
func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "owui-sandbox-base:latest"
	}
	if c.Network == "" {
		c.Network = "sandbox_network"
	}
	if c.Memory == "" {
		c.Memory = "1g"
	}
	if c.CPUs == "" {
		c.CPUs = "2"
	}
	if c.Pids <= 0 {
		c.Pids = 100
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.OutputCap <= 0 {
		c.OutputCap = 64 * 1024
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	return c
}
