package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

// DockerRuntime drives sandbox containers through the local Docker daemon.
type DockerRuntime struct {
	client *client.Client
	config Config
	logger *slog.Logger
}

// NewDockerRuntime connects to the daemon and verifies it answers.
func NewDockerRuntime(config Config) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &ManagerError{Op: "connect", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, &ManagerError{Op: "ping", Err: err}
	}

	return &DockerRuntime{
		client: cli,
		config: config.withDefaults(),
		logger: slog.Default().With("component", "sandbox.docker"),
	}, nil
}

// SetupNetwork creates the isolated bridge when it does not exist yet.
// Returns false when the network was already present. The egress firewall
// rules on the bridge are host-level and stay an operator task.
func SetupNetwork(ctx context.Context, name, subnet string) (bool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false, &ManagerError{Op: "connect", Err: err}
	}
	defer cli.Close()

	if _, err := cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return false, nil
	}

	_, err = cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		},
	})
	if err != nil {
		return false, &ManagerError{Op: "network-create", Err: err}
	}
	return true, nil
}

// CheckReady verifies the isolated bridge exists and the base image is
// available. The firewall rules on the bridge are a host-level invariant the
// gateway assumes; a missing bridge means they were never installed, so we
// refuse to serve.
func (r *DockerRuntime) CheckReady(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return &ManagerError{Op: "ping", Err: err}
	}
	if _, err := r.client.NetworkInspect(ctx, r.config.Network, network.InspectOptions{}); err != nil {
		return &ManagerError{Op: "network", Err: fmt.Errorf("isolated bridge %q not found (run `gateway setup-network`): %w", r.config.Network, err)}
	}
	if err := r.ensureImage(ctx, r.config.Image); err != nil {
		return &ManagerError{Op: "image", Err: err}
	}
	return nil
}

// Create builds and starts one long-lived container with the workspace bind
// mount, attached to the isolated bridge only.
func (r *DockerRuntime) Create(ctx context.Context, name, workspaceDir string) (string, error) {
	if err := r.ensureImage(ctx, r.config.Image); err != nil {
		return "", &ManagerError{Op: "image", Err: err}
	}

	absWS, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", &ManagerError{Op: "workspace", Err: err}
	}

	memBytes, err := units.RAMInBytes(r.config.Memory)
	if err != nil {
		r.logger.Warn("invalid memory limit, using 1GiB", "value", r.config.Memory)
		memBytes = 1 << 30
	}
	pids := int64(r.config.Pids)

	containerConfig := &container.Config{
		Image:      r.config.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Labels:     map[string]string{"owui.sandbox": "1"},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: absWS,
			Target: "/workspace",
		}},
		Resources: container.Resources{
			Memory:    memBytes,
			NanoCPUs:  int64(parseCPU(r.config.CPUs) * 1e9),
			PidsLimit: &pids,
		},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=256m",
		},
	}
	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			r.config.Network: {},
		},
	}

	created, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, name)
	if err != nil {
		return "", &ManagerError{Op: "create", Err: err}
	}
	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.removeQuietly(created.ID)
		return "", &ManagerError{Op: "start", Err: err}
	}
	return created.ID, nil
}

// Exec runs a shell command inside the container. On context deadline the
// whole container is killed (the daemon has no exec-level kill) and the
// partial output is returned with KilledTimeout; the caller rehydrates a
// fresh container against the same workspace on the next call.
func (r *DockerRuntime) Exec(ctx context.Context, containerID, command, workdir string) (ExecResult, error) {
	if workdir == "" {
		workdir = "/workspace"
	}

	created, err := r.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, &ManagerError{Op: "exec create", Err: err}
	}

	att, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, &ManagerError{Op: "exec attach", Err: err}
	}
	defer att.Close()

	// Docker multiplexes both streams over one connection with per-frame
	// headers; stdcopy demuxes them.
	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		copied <- err
	}()

	timedOut := false
	select {
	case <-ctx.Done():
		timedOut = true
		att.Close() // unblocks the copier
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.client.ContainerKill(killCtx, containerID, "SIGKILL")
		cancel()
		<-copied
	case err := <-copied:
		if err != nil && err != io.EOF {
			r.logger.Debug("exec stream ended early", "error", err)
		}
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if timedOut {
		res.ExitCode = 137
		res.KilledReason = KilledTimeout
		return res, nil
	}

	inspect, err := r.client.ContainerExecInspect(context.Background(), created.ID)
	if err != nil {
		return res, &ManagerError{Op: "exec inspect", Err: err}
	}
	res.ExitCode = inspect.ExitCode
	if res.ExitCode == 137 {
		res.KilledReason = r.killedReason(containerID)
	}
	return res, nil
}

// killedReason distinguishes OOM kills from other SIGKILLs, best effort.
func (r *DockerRuntime) killedReason(containerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := r.client.ContainerInspect(ctx, containerID)
	if err == nil && info.State != nil && info.State.OOMKilled {
		return KilledOOM
	}
	return KilledTimeout
}

// Stats returns a one-shot resource snapshot. Disk usage is accounted on the
// host against the workspace mount, not here.
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := r.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stats{}, &ManagerError{Op: "stats", Err: err}
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, &ManagerError{Op: "stats decode", Err: err}
	}

	return Stats{
		MemBytes:   raw.MemoryStats.Usage,
		CPUPercent: cpuPercent(&raw),
		PidCount:   int(raw.PidsStats.Current),
	}, nil
}

// Remove force-stops and deletes the container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return &ManagerError{Op: "remove", Err: err}
	}
	return nil
}

func (r *DockerRuntime) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ensureImage pulls the base image when it is not present locally.
func (r *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := r.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	r.logger.Info("pulling sandbox image", "image", imageName)
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func cpuPercent(raw *container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

// parseCPU parses a CPU count string (e.g. "2", "1.5").
func parseCPU(cpuStr string) float64 {
	value, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil || value <= 0 {
		return 2
	}
	return value
}
