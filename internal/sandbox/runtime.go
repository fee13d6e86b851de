package sandbox

import (
	"context"
	"fmt"
)

// Killed reasons reported on forcibly terminated commands.
const (
	KilledTimeout = "timeout"
	KilledOOM     = "out-of-memory"
)

// ExecResult is the outcome of one command. Non-zero exit codes, timeouts,
// and OOM kills are normal returns the model is expected to inspect, not
// errors.
type ExecResult struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     int    `json:"exit_code"`
	KilledReason string `json:"killed_reason,omitempty"`
}

// Stats is a point-in-time resource snapshot of one instance.
type Stats struct {
	MemBytes   uint64  `json:"mem_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	PidCount   int     `json:"pid_count"`
	DiskBytes  int64   `json:"disk_bytes"`
}

// Runtime is the container backend the manager drives. DockerRuntime is the
// real implementation; tests substitute an in-memory fake.
type Runtime interface {
	// CheckReady verifies the daemon answers, the isolated bridge network
	// exists, and the base image is available. The manager refuses to start
	// otherwise.
	CheckReady(ctx context.Context) error
	// Create builds and starts a container with the workspace directory
	// mounted at /workspace, returning its id.
	Create(ctx context.Context, name, workspaceDir string) (string, error)
	// Exec runs a shell command inside the container. A context deadline
	// terminates the command; partial output collected so far is returned.
	Exec(ctx context.Context, containerID, command, workdir string) (ExecResult, error)
	// Stats returns a one-shot resource snapshot.
	Stats(ctx context.Context, containerID string) (Stats, error)
	// Remove force-stops and deletes the container. The workspace mount on
	// the host is untouched.
	Remove(ctx context.Context, containerID string) error
}

// ManagerError marks daemon and image failures: non-retryable at the manager
// level, surfaced to the dispatcher as tool-result errors.
type ManagerError struct {
	Op  string
	Err error
}

func (e *ManagerError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}
