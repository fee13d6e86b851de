package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Key identifies the owner of one sandbox instance.
type Key struct {
	User         string
	Conversation string
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// reservedWorkspaceDir names the data-directory subtree that can never be a
// user id: file-recall documents live there.
const reservedWorkspaceDir = "file-recall"

func sanitizeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("identifier %q contains invalid characters", id)
	}
	if id == "." || id == ".." {
		return "", fmt.Errorf("identifier %q is a path traversal", id)
	}
	if id == reservedWorkspaceDir {
		return "", fmt.Errorf("identifier %q is reserved", id)
	}
	return id, nil
}

// Manager owns the pool of per-conversation sandbox instances. One owner
// goroutine per instance serializes its execs; the manager only maps keys to
// instances, sweeps idle ones, and resolves host-side workspace paths.
type Manager struct {
	cfg    Config
	rt     Runtime
	logger *slog.Logger

	mu        sync.Mutex
	instances map[Key]*instance
	closed    bool
}

// NewManager verifies the runtime is serviceable (daemon up, isolated bridge
// present, image available) and returns a manager. A missing bridge is a
// refusal to start: the firewall contract hangs off it.
func NewManager(ctx context.Context, cfg Config, rt Runtime) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := rt.CheckReady(ctx); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		rt:        rt,
		logger:    slog.Default().With("component", "sandbox"),
		instances: make(map[Key]*instance),
	}, nil
}

// StartSweeper evicts idle instances on the configured interval until the
// context ends. Workspaces are always retained.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var victims []*instance
	for key, in := range m.instances {
		if in.idleSince().Before(cutoff) {
			victims = append(victims, in)
			delete(m.instances, key)
		}
	}
	m.mu.Unlock()

	for _, in := range victims {
		m.logger.Info("evicting idle sandbox", "conversation", in.key.Conversation, "idle_since", in.idleSince())
		in.evict()
	}
}

// Healthy re-checks daemon reachability, for the health endpoint.
func (m *Manager) Healthy(ctx context.Context) error {
	return m.rt.CheckReady(ctx)
}

// Count reports how many instances are live, for the operational gauge.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Exec runs a shell command in the conversation's container, creating it
// lazily. Concurrent calls for one conversation queue FIFO; an eviction that
// races a queued call is retried once against a fresh instance.
func (m *Manager) Exec(ctx context.Context, key Key, command, workdir string) (ExecResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		in, err := m.instanceFor(key)
		if err != nil {
			return ExecResult{}, err
		}
		resp, err := in.submit(ctx, request{kind: reqExec, command: command, workdir: workdir})
		if errors.Is(err, errInstanceGone) {
			continue
		}
		if err != nil {
			return ExecResult{}, err
		}
		// A request already queued when the eviction lands is answered
		// through the reply channel with the same sentinel.
		if errors.Is(resp.err, errInstanceGone) {
			continue
		}
		return resp.exec, resp.err
	}
	return ExecResult{}, &ManagerError{Op: "exec", Err: errors.New("instance evicted during retry")}
}

// Stats reports the instance's resource snapshot plus workspace disk usage.
// A conversation with no running container still gets its disk figure.
func (m *Manager) Stats(ctx context.Context, key Key) (Stats, error) {
	ws, err := m.workspaceDir(key)
	if err != nil {
		return Stats{}, err
	}
	disk := diskUsage(ws)

	m.mu.Lock()
	in, ok := m.instances[key]
	m.mu.Unlock()
	if !ok {
		return Stats{DiskBytes: disk}, nil
	}

	resp, err := in.submit(ctx, request{kind: reqStats})
	if errors.Is(err, errInstanceGone) || errors.Is(resp.err, errInstanceGone) {
		return Stats{DiskBytes: disk}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	st := resp.stats
	st.DiskBytes = disk
	return st, resp.err
}

// CloseConversation evicts the conversation's instance. The workspace
// directory on the host is retained; a later call rehydrates against it.
func (m *Manager) CloseConversation(key Key) {
	m.mu.Lock()
	in, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	if ok {
		in.evict()
	}
}

// Shutdown evicts every instance and stops accepting work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	victims := make([]*instance, 0, len(m.instances))
	for key, in := range m.instances {
		victims = append(victims, in)
		delete(m.instances, key)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, in := range victims {
			in.evict()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline hit before all sandboxes stopped")
	}
}

func (m *Manager) instanceFor(key Key) (*instance, error) {
	ws, err := m.workspaceDir(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, &ManagerError{Op: "workspace", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ManagerError{Op: "exec", Err: errors.New("manager is shut down")}
	}

	if in, ok := m.instances[key]; ok {
		select {
		case <-in.done:
			delete(m.instances, key)
		default:
			return in, nil
		}
	}

	name := fmt.Sprintf("owui-sbx-%s-%s", key.User, key.Conversation)
	in := newInstance(key, name, ws, m.rt, m.cfg, m.logger)
	m.instances[key] = in
	return in, nil
}

// workspaceDir resolves and validates the host directory for one
// conversation: data/<user>/<conversation>.
func (m *Manager) workspaceDir(key Key) (string, error) {
	user, err := sanitizeID(key.User)
	if err != nil {
		return "", &ManagerError{Op: "workspace", Err: fmt.Errorf("user id: %w", err)}
	}
	conv, err := sanitizeID(key.Conversation)
	if err != nil {
		return "", &ManagerError{Op: "workspace", Err: fmt.Errorf("conversation id: %w", err)}
	}
	return filepath.Join(m.cfg.DataDir, user, conv), nil
}

func diskUsage(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
