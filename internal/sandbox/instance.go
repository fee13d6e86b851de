package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// instanceState tracks where one instance is in its lifecycle. Only the
// owner goroutine reads or writes it.
type instanceState string

const (
	stateAbsent   instanceState = "absent"
	stateStarting instanceState = "starting"
	stateReady    instanceState = "ready"
	stateBusy     instanceState = "busy"
	stateStopping instanceState = "stopping"
	stateEvicted  instanceState = "evicted"
)

// errInstanceGone means the instance was evicted before or while a request
// was queued; the manager transparently rehydrates and retries.
var errInstanceGone = errors.New("sandbox instance gone")

type reqKind int

const (
	reqExec reqKind = iota
	reqStats
	reqEvict
)

type request struct {
	kind    reqKind
	command string
	workdir string
	reply   chan response
}

type response struct {
	exec  ExecResult
	stats Stats
	err   error
}

// instance owns one conversation's container. All container state lives in
// the owner goroutine; callers talk to it only through the request channel,
// which serializes execs FIFO by construction. The instance's lifetime is the
// container's: eviction ends the goroutine, and the manager spins up a fresh
// instance over the same workspace on the next call.
type instance struct {
	key          Key
	name         string
	workspaceDir string
	rt           Runtime
	cfg          Config
	logger       *slog.Logger

	reqs chan request
	done chan struct{}

	lastUsed atomic.Int64 // unix nano, read by the sweeper

	// owner goroutine only
	state       instanceState
	containerID string
	createdAt   time.Time
}

func newInstance(key Key, name, workspaceDir string, rt Runtime, cfg Config, logger *slog.Logger) *instance {
	in := &instance{
		key:          key,
		name:         name,
		workspaceDir: workspaceDir,
		rt:           rt,
		cfg:          cfg,
		logger:       logger.With("conversation", key.Conversation, "user", key.User),
		reqs:         make(chan request, 16),
		done:         make(chan struct{}),
		state:        stateAbsent,
	}
	in.touch()
	go in.run()
	return in
}

func (in *instance) touch() {
	in.lastUsed.Store(time.Now().UnixNano())
}

func (in *instance) idleSince() time.Time {
	return time.Unix(0, in.lastUsed.Load())
}

// submit queues a request and waits for its response. Entry into the queue
// honors the caller's context; once queued, an exec runs to its own timeout
// regardless of the caller, so the result still reaches the metrics row when
// the client has gone away.
func (in *instance) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case in.reqs <- req:
	case <-in.done:
		return response{}, errInstanceGone
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-in.done:
		return response{}, errInstanceGone
	}
}

// evict stops the container and ends the owner goroutine. Queued requests
// fail over to a fresh instance through errInstanceGone.
func (in *instance) evict() {
	req := request{kind: reqEvict, reply: make(chan response, 1)}
	select {
	case in.reqs <- req:
		<-req.reply
	case <-in.done:
	}
}

func (in *instance) run() {
	for req := range in.reqs {
		switch req.kind {
		case reqExec:
			res, err := in.handleExec(req.command, req.workdir)
			in.touch()
			req.reply <- response{exec: res, err: err}
		case reqStats:
			st, err := in.handleStats()
			in.touch()
			req.reply <- response{stats: st, err: err}
		case reqEvict:
			in.teardown(stateEvicted)
			// Closed before any queued request is answered, so a caller
			// that retries observes the dead instance in the manager map.
			close(in.done)
			req.reply <- response{}
			in.failQueued()
			return
		}
	}
}

// handleExec lazily starts the container, runs the command under the hard
// timeout, and settles the state machine afterwards.
func (in *instance) handleExec(command, workdir string) (ExecResult, error) {
	if err := in.ensureContainer(); err != nil {
		return ExecResult{}, err
	}

	in.state = stateBusy
	// Deliberately not derived from the caller's context: a client hangup
	// must not kill a running command. The hard ceiling is the only bound.
	ctx, cancel := context.WithTimeout(context.Background(), in.cfg.ExecTimeout)
	defer cancel()

	res, err := in.rt.Exec(ctx, in.containerID, command, workdir)
	if err != nil {
		// Daemon-level failure: drop the container, next call rehydrates.
		in.teardown(stateStopping)
		in.state = stateAbsent
		return ExecResult{}, err
	}

	res.Stdout = truncateStream(res.Stdout, in.cfg.OutputCap)
	res.Stderr = truncateStream(res.Stderr, in.cfg.OutputCap)

	if res.KilledReason == KilledTimeout {
		// The runtime killed the whole container to stop the command.
		in.logger.Warn("exec hit the hard timeout", "timeout", in.cfg.ExecTimeout)
		in.teardown(stateStopping)
		in.state = stateAbsent
		return res, nil
	}

	in.state = stateReady
	return res, nil
}

func (in *instance) handleStats() (Stats, error) {
	if in.state != stateReady && in.state != stateBusy {
		return Stats{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return in.rt.Stats(ctx, in.containerID)
}

func (in *instance) ensureContainer() error {
	if in.state == stateReady {
		return nil
	}

	in.state = stateStarting
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	id, err := in.rt.Create(ctx, in.name, in.workspaceDir)
	if err != nil {
		in.state = stateAbsent
		return err
	}
	in.containerID = id
	in.createdAt = time.Now()
	in.state = stateReady
	in.logger.Info("sandbox container started", "container", shortID(id))
	return nil
}

func (in *instance) teardown(via instanceState) {
	if in.containerID == "" {
		in.state = via
		return
	}
	in.state = via
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := in.rt.Remove(ctx, in.containerID); err != nil {
		in.logger.Warn("container removal failed", "container", shortID(in.containerID), "error", err)
	} else {
		in.logger.Info("sandbox container removed", "container", shortID(in.containerID))
	}
	in.containerID = ""
}

// failQueued answers whatever was queued behind an eviction. Senders that
// have not yet entered the queue observe the closed done channel instead.
func (in *instance) failQueued() {
	for {
		select {
		case req := <-in.reqs:
			req.reply <- response{err: errInstanceGone}
		default:
			return
		}
	}
}

func truncateStream(s string, capBytes int) string {
	if capBytes <= 0 || len(s) <= capBytes {
		return s
	}
	return s[:capBytes] + "\n[output truncated]"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
