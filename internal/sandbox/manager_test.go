package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRuntime is an in-memory container backend. Exec blocks until the test
// releases it (or the context ends), which makes queueing observable.
type fakeRuntime struct {
	mu        sync.Mutex
	createSeq int
	removed   []string

	execStarts []string       // command order as execs begin
	active     map[string]int // in-flight execs per container
	maxActive  map[string]int

	started chan string   // receives the command when an exec begins
	release chan struct{} // one receive unblocks one exec
	delay   time.Duration // used instead of release when set
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		active:    make(map[string]int),
		maxActive: make(map[string]int),
		started:   make(chan string, 16),
		release:   make(chan struct{}, 16),
	}
}

func (f *fakeRuntime) CheckReady(ctx context.Context) error { return nil }

func (f *fakeRuntime) Create(ctx context.Context, name, workspaceDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createSeq++
	return fmt.Sprintf("ctr-%d", f.createSeq), nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID, command, workdir string) (ExecResult, error) {
	f.mu.Lock()
	f.execStarts = append(f.execStarts, command)
	f.active[containerID]++
	if f.active[containerID] > f.maxActive[containerID] {
		f.maxActive[containerID] = f.active[containerID]
	}
	f.mu.Unlock()
	f.started <- command

	defer func() {
		f.mu.Lock()
		f.active[containerID]--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ExecResult{ExitCode: 137, KilledReason: KilledTimeout, Stderr: "partial"}, nil
		}
	} else {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ExecResult{ExitCode: 137, KilledReason: KilledTimeout, Stderr: "partial"}, nil
		}
	}
	return ExecResult{Stdout: "ran: " + command}, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (Stats, error) {
	return Stats{MemBytes: 1024, PidCount: 3}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createSeq
}

func testManager(t *testing.T, rt Runtime, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{DataDir: t.TempDir(), ExecTimeout: 5 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(context.Background(), cfg, rt)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestExecSerializedPerConversation(t *testing.T) {
	rt := newFakeRuntime()
	m := testManager(t, rt, nil)
	key := Key{User: "u1", Conversation: "c1"}

	var wg sync.WaitGroup
	results := make([]ExecResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = m.Exec(context.Background(), key, "first", "")
	}()

	// Wait for the first exec to hold the instance before queueing the second.
	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first exec never started")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = m.Exec(context.Background(), key, "second", "")
	}()

	// The second call must queue, not start.
	select {
	case cmd := <-rt.started:
		t.Fatalf("exec %q started while another was in flight", cmd)
	case <-time.After(100 * time.Millisecond):
	}

	rt.release <- struct{}{}
	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("second exec never started")
	}
	rt.release <- struct{}{}
	wg.Wait()

	if got := rt.execStarts; got[0] != "first" || got[1] != "second" {
		t.Errorf("exec start order = %v, want [first second]", got)
	}
	for id, max := range rt.maxActive {
		if max > 1 {
			t.Errorf("container %s ran %d execs concurrently", id, max)
		}
	}
	if results[0].Stdout != "ran: first" || results[1].Stdout != "ran: second" {
		t.Errorf("results = %+v", results)
	}
}

func TestExecConcurrentAcrossConversations(t *testing.T) {
	rt := newFakeRuntime()
	rt.delay = 150 * time.Millisecond
	m := testManager(t, rt, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for _, conv := range []string{"c1", "c2"} {
		conv := conv
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Exec(context.Background(), Key{User: "u1", Conversation: conv}, "work", ""); err != nil {
				t.Errorf("Exec(%s) error = %v", conv, err)
			}
		}()
	}
	wg.Wait()

	// Serial execution would take at least 2x the delay.
	if elapsed := time.Since(start); elapsed > 2*rt.delay {
		t.Errorf("two conversations took %v, want wall-clock overlap", elapsed)
	}
	if m.Count() != 2 {
		t.Errorf("instance count = %d, want 2", m.Count())
	}
}

func TestExecTimeoutRehydrates(t *testing.T) {
	rt := newFakeRuntime()
	m := testManager(t, rt, func(c *Config) { c.ExecTimeout = 50 * time.Millisecond })
	key := Key{User: "u1", Conversation: "c1"}

	res, err := m.Exec(context.Background(), key, "sleep forever", "")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.KilledReason != KilledTimeout {
		t.Errorf("killed reason = %q, want %q", res.KilledReason, KilledTimeout)
	}
	if res.Stderr != "partial" {
		t.Errorf("stderr = %q, want the partial output", res.Stderr)
	}

	// The timed-out container is gone; the next call gets a fresh one over
	// the same workspace.
	go func() { <-rt.started; rt.release <- struct{}{} }()
	if _, err := m.Exec(context.Background(), key, "echo ok", ""); err != nil {
		t.Fatalf("Exec() after timeout error = %v", err)
	}
	if rt.creates() != 2 {
		t.Errorf("containers created = %d, want 2 (rehydration)", rt.creates())
	}
}

func TestCloseConversationRetainsWorkspace(t *testing.T) {
	rt := newFakeRuntime()
	m := testManager(t, rt, nil)
	key := Key{User: "u1", Conversation: "c1"}

	if err := m.WriteFile(key, "/workspace/keep.txt", "still here"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	go func() { <-rt.started; rt.release <- struct{}{} }()
	if _, err := m.Exec(context.Background(), key, "true", ""); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}

	m.CloseConversation(key)
	if m.Count() != 0 {
		t.Errorf("instance count after close = %d, want 0", m.Count())
	}
	if len(rt.removed) != 1 {
		t.Errorf("removed containers = %v, want exactly one", rt.removed)
	}

	got, err := m.ReadFile(key, "keep.txt", 0)
	if err != nil {
		t.Fatalf("ReadFile() after eviction error = %v", err)
	}
	if got != "still here" {
		t.Errorf("workspace content = %q, want retained file", got)
	}
}

func TestExecQueuedBehindEvictionRetries(t *testing.T) {
	rt := newFakeRuntime()
	m := testManager(t, rt, nil)
	key := Key{User: "u1", Conversation: "c1"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.Exec(context.Background(), key, "first", ""); err != nil {
			t.Errorf("Exec(first) error = %v", err)
		}
	}()
	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first exec never started")
	}

	// Evict while the first exec holds the owner; the eviction queues
	// behind it.
	m.mu.Lock()
	in := m.instances[key]
	m.mu.Unlock()
	evicted := make(chan struct{})
	go func() { in.evict(); close(evicted) }()
	time.Sleep(50 * time.Millisecond)

	// This call lands in the queue behind the eviction. It must come back
	// on a fresh instance, not surface the eviction to the caller.
	var second ExecResult
	var secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = m.Exec(context.Background(), key, "second", "")
	}()
	time.Sleep(50 * time.Millisecond)

	rt.release <- struct{}{}
	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction never completed")
	}

	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("second exec never started after the eviction")
	}
	rt.release <- struct{}{}
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("Exec(second) error = %v", secondErr)
	}
	if second.Stdout != "ran: second" {
		t.Errorf("second result = %+v", second)
	}
	if rt.creates() != 2 {
		t.Errorf("containers created = %d, want a fresh one after the eviction", rt.creates())
	}
}

func TestWorkspaceKeyValidation(t *testing.T) {
	m := testManager(t, newFakeRuntime(), nil)

	cases := []struct {
		name string
		key  Key
	}{
		{"traversal user", Key{User: "..", Conversation: "c1"}},
		{"slash in conversation", Key{User: "u1", Conversation: "a/b"}},
		{"empty conversation", Key{User: "u1", Conversation: ""}},
		{"reserved user", Key{User: "file-recall", Conversation: "c1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Exec(context.Background(), tc.key, "true", ""); err == nil {
				t.Errorf("Exec(%+v) accepted an invalid key", tc.key)
			}
		})
	}
}

func TestSweepEvictsIdleOnly(t *testing.T) {
	rt := newFakeRuntime()
	m := testManager(t, rt, func(c *Config) { c.IdleTTL = 50 * time.Millisecond })

	busy := Key{User: "u1", Conversation: "busy"}
	idle := Key{User: "u1", Conversation: "idle"}
	for _, key := range []Key{busy, idle} {
		go func() { <-rt.started; rt.release <- struct{}{} }()
		if _, err := m.Exec(context.Background(), key, "true", ""); err != nil {
			t.Fatalf("Exec() error = %v", err)
		}
	}

	time.Sleep(80 * time.Millisecond)
	// Refresh the busy instance, then sweep.
	go func() { <-rt.started; rt.release <- struct{}{} }()
	if _, err := m.Exec(context.Background(), busy, "true", ""); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	m.sweep()

	if m.Count() != 1 {
		t.Errorf("instance count after sweep = %d, want 1", m.Count())
	}
}

func TestReadFileMaxLines(t *testing.T) {
	m := testManager(t, newFakeRuntime(), nil)
	key := Key{User: "u1", Conversation: "c1"}

	content := strings.Repeat("line\n", 10)
	if err := m.WriteFile(key, "big.txt", content); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := m.ReadFile(key, "big.txt", 3)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(got, "line\nline\nline\n") || !strings.Contains(got, "truncated after 3") {
		t.Errorf("ReadFile() = %q, want 3 lines plus truncation marker", got)
	}
}

func TestListFilesRecursive(t *testing.T) {
	m := testManager(t, newFakeRuntime(), nil)
	key := Key{User: "u1", Conversation: "c1"}

	for _, p := range []string{"a.txt", "sub/b.txt"} {
		if err := m.WriteFile(key, p, "x"); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", p, err)
		}
	}

	flat, err := m.ListFiles(key, "/workspace", false)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(flat) != 2 {
		t.Fatalf("flat listing = %+v, want a.txt and sub/", flat)
	}

	deep, err := m.ListFiles(key, "/workspace", true)
	if err != nil {
		t.Fatalf("ListFiles(recursive) error = %v", err)
	}
	var paths []string
	for _, e := range deep {
		paths = append(paths, e.Path)
	}
	want := []string{"/workspace/a.txt", "/workspace/sub", "/workspace/sub/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("recursive listing = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("recursive listing = %v, want %v", paths, want)
			break
		}
	}
}

func TestEditFile(t *testing.T) {
	m := testManager(t, newFakeRuntime(), nil)
	key := Key{User: "u1", Conversation: "c1"}

	if err := m.WriteFile(key, "code.py", "x = 1\ny = 1\n"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := m.EditFile(key, "code.py", "= 1", "= 2", false); err == nil {
		t.Error("ambiguous single replace succeeded, want error")
	}

	n, err := m.EditFile(key, "code.py", "= 1", "= 2", true)
	if err != nil {
		t.Fatalf("EditFile(all) error = %v", err)
	}
	if n != 2 {
		t.Errorf("replacements = %d, want 2", n)
	}
	got, _ := m.ReadFile(key, "code.py", 0)
	if got != "x = 2\ny = 2\n" {
		t.Errorf("content after edit = %q", got)
	}

	if _, err := m.EditFile(key, "code.py", "missing", "x", true); err == nil {
		t.Error("EditFile with absent search succeeded, want error")
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"../outside", "/workspace/../../etc/passwd", "a/../../b"} {
		if _, err := resolvePath(ws, bad); err == nil {
			t.Errorf("resolvePath(%q) accepted an escaping path", bad)
		}
	}
	for _, ok := range []string{"/workspace/a.txt", "a.txt", "sub/dir/file", "/workspace"} {
		if _, err := resolvePath(ws, ok); err != nil {
			t.Errorf("resolvePath(%q) error = %v", ok, err)
		}
	}
}
