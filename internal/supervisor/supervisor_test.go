package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bedrockd/bedrockd/internal/metrics"
	"github.com/bedrockd/bedrockd/internal/pidfile"
	"github.com/bedrockd/bedrockd/internal/store"
)

// Shell stand-ins for the real server binary. Each reads stdin so it stays up
// until told otherwise and so its command line carries the installation path.
const (
	// exits after the first console line (any line acts like "stop")
	scriptIdle = "#!/bin/sh\nread _\n"
	// appends a line per launch, then fails immediately
	scriptCrash = "#!/bin/sh\necho run >> runs.log\nexit 1\n"
	// fails on the first launch only, idles on every later one
	scriptCrashOnce = "#!/bin/sh\necho run >> runs.log\nif [ \"$(wc -l < runs.log)\" -lt 2 ]; then exit 1; fi\nread _\n"
	// logs every console line, honors "stop"
	scriptLogger = "#!/bin/sh\nwhile read line; do\n  echo \"$line\" >> cmds.log\n  [ \"$line\" = stop ] && exit 0\ndone\n"
	// consumes console lines without ever exiting; only signals work
	scriptDeaf = "#!/bin/sh\nwhile read _; do :; done\nwhile :; do sleep 1; done\n"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX-only test")
	}
}

func installServer(t *testing.T, baseDir, name, script string) string {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bedrock_server"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testOptions(baseDir string) Options {
	return Options{
		BaseDir:      baseDir,
		StopTimeout:  2 * time.Second,
		KillTimeout:  time.Second,
		RestartDelay: 30 * time.Millisecond,
		StableUptime: time.Hour,
		PollInterval: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStop_Graceful(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	dir := installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, ok := sup.Status("alpha")
	if !ok || st.State != StateRunning || st.PID <= 0 {
		t.Fatalf("unexpected status after start: %+v", st)
	}
	pidPath := pidfile.PathFor(filepath.Join(dir, "config"), "alpha")
	if pid, ok, err := pidfile.Read(pidPath); err != nil || !ok || pid != st.PID {
		t.Fatalf("pidfile mismatch: pid=%d ok=%v err=%v want %d", pid, ok, err, st.PID)
	}

	if err := sup.Stop("alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, _ = sup.Status("alpha")
	if st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}

	// An intentional stop must not trigger the restart policy.
	time.Sleep(150 * time.Millisecond)
	st, _ = sup.Status("alpha")
	if st.State != StateStopped || st.Crashes != 0 {
		t.Fatalf("restart after intentional stop: %+v", st)
	}
	if _, ok, _ := pidfile.Read(pidPath); ok {
		t.Fatal("pidfile not removed after stop")
	}
}

func TestStart_Exclusive(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start("alpha"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A second supervisor over the same base dir discovers the process via
	// its PID file and refuses as well.
	other := New(testOptions(base))
	if err := other.Start("alpha"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning from second supervisor, got %v", err)
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "empty", "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	sup := New(testOptions(base))
	if err := sup.Start("empty"); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestStart_SpawnFailureStateGauge(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	dir := filepath.Join(base, "noexec")
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	// present but not executable, so the spawn itself fails
	if err := os.WriteFile(filepath.Join(dir, "bedrock_server"), []byte(scriptIdle), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("noexec"); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	// The server passed through starting and settled back on stopped.
	want := `
# HELP bedrockd_server_current_state Current state of servers (1 = active state, 0 = inactive).
# TYPE bedrockd_server_current_state gauge
bedrockd_server_current_state{server="noexec",state="crashed"} 0
bedrockd_server_current_state{server="noexec",state="running"} 0
bedrockd_server_current_state{server="noexec",state="starting"} 0
bedrockd_server_current_state{server="noexec",state="stopped"} 1
bedrockd_server_current_state{server="noexec",state="stopping"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "bedrockd_server_current_state"); err != nil {
		t.Fatalf("state gauge after failed spawn: %v", err)
	}
}

func TestCrashRestart_Bounded(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	dir := installServer(t, base, "crashy", scriptCrash)
	opts := testOptions(base)
	opts.MaxCrashRestarts = 2
	sup := New(opts)
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("crashy"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 10*time.Second, "crashed state", func() bool {
		st, _ := sup.Status("crashy")
		return st.State == StateCrashed
	})

	st, _ := sup.Status("crashy")
	if st.Crashes != 3 {
		t.Fatalf("expected 3 recorded crashes, got %d", st.Crashes)
	}
	// initial launch plus exactly MaxCrashRestarts automatic restarts
	if got := countLines(t, filepath.Join(dir, "runs.log")); got != 3 {
		t.Fatalf("expected 3 launches, got %d", got)
	}

	// No further restarts while crashed.
	time.Sleep(150 * time.Millisecond)
	if got := countLines(t, filepath.Join(dir, "runs.log")); got != 3 {
		t.Fatalf("launches after terminal state: %d", got)
	}

	// An explicit start clears the streak and runs the full budget again.
	if err := sup.Start("crashy"); err != nil {
		t.Fatalf("start after crashed: %v", err)
	}
	waitFor(t, 10*time.Second, "second crashed state", func() bool {
		st, _ := sup.Status("crashy")
		return st.State == StateCrashed
	})
	if got := countLines(t, filepath.Join(dir, "runs.log")); got != 6 {
		t.Fatalf("expected 6 launches total, got %d", got)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatal(err)
	}
	return len(strings.Fields(string(b)))
}

func TestStableUptime_ForgivesStreak(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "flappy", scriptCrashOnce)
	opts := testOptions(base)
	opts.MaxCrashRestarts = 1
	opts.StableUptime = 200 * time.Millisecond
	sup := New(opts)
	defer func() { _ = sup.Shutdown() }()

	// The first launch crashes immediately, consuming the whole budget.
	if err := sup.Start("flappy"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "restart after the first crash", func() bool {
		st, _ := sup.Status("flappy")
		return st.State == StateRunning && st.Crashes == 1
	})
	st, _ := sup.Status("flappy")
	pid := st.PID

	// Outlive StableUptime, then die again. The stable run forgives the
	// earlier streak, so this counts as crash 1 of a new one and the server
	// restarts instead of going terminal.
	time.Sleep(2 * opts.StableUptime)
	p, err := os.FindProcess(pid)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, 5*time.Second, "restart after the stable run", func() bool {
		st, _ := sup.Status("flappy")
		return st.State == StateRunning && st.PID > 0 && st.PID != pid
	})
	st, _ = sup.Status("flappy")
	if st.Crashes != 1 {
		t.Fatalf("stable run must reset the streak, got crashes=%d", st.Crashes)
	}
	if err := sup.Stop("flappy"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestOutOfBandKill_Restarts(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, _ := sup.Status("alpha")
	oldPID := st.PID

	p, err := os.FindProcess(oldPID)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}

	waitFor(t, 5*time.Second, "restart with a new pid", func() bool {
		st, _ := sup.Status("alpha")
		return st.State == StateRunning && st.PID > 0 && st.PID != oldPID
	})
	st, _ = sup.Status("alpha")
	if st.Crashes != 1 {
		t.Fatalf("expected crash count 1 after out-of-band kill, got %d", st.Crashes)
	}
	if err := sup.Stop("alpha"); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
}

func TestSend_OrderAndBlocked(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	dir := installServer(t, base, "cmds", scriptLogger)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Send("cmds", "list"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if err := sup.Start("cmds"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sup.Send("cmds", "stop"); !errors.Is(err, ErrBlockedCommand) {
		t.Fatalf("expected ErrBlockedCommand, got %v", err)
	}
	if err := sup.Send("cmds", "  STOP now"); !errors.Is(err, ErrBlockedCommand) {
		t.Fatalf("blocked match must be case- and argument-insensitive, got %v", err)
	}

	for _, line := range []string{"say hello", "list", "whitelist on"} {
		if err := sup.Send("cmds", line); err != nil {
			t.Fatalf("send %q: %v", line, err)
		}
	}
	log := filepath.Join(dir, "cmds.log")
	waitFor(t, 3*time.Second, "commands to land", func() bool {
		b, err := os.ReadFile(log)
		return err == nil && strings.Count(string(b), "\n") >= 3
	})
	b, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	want := []string{"say hello", "list", "whitelist on"}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("command %d out of order: got %q want %q (all: %q)", i, lines[i], w, lines)
		}
	}

	if err := sup.Stop("cmds"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStop_EscalatesToSignals(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "deaf", scriptDeaf)
	opts := testOptions(base)
	opts.StopTimeout = 150 * time.Millisecond
	sup := New(opts)
	defer func() { _ = sup.Shutdown() }()

	if err := sup.Start("deaf"); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := sup.Stop("deaf"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < opts.StopTimeout {
		t.Fatalf("stop returned before the graceful window: %v", elapsed)
	}
	st, _ := sup.Status("deaf")
	if st.State != StateStopped {
		t.Fatalf("expected stopped after escalation, got %s", st.State)
	}
}

func TestAdopt(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	dir := installServer(t, base, "orphan", scriptIdle)

	// Simulate a server left over from a previous manager run: launched out
	// of band with only a PID file pointing at it.
	cmd := exec.Command(filepath.Join(dir, "bedrock_server"))
	cmd.Dir = dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stdin.Close() }()
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	cfg := filepath.Join(dir, "config")
	if err := pidfile.Write(pidfile.PathFor(cfg, "orphan"), cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}

	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()
	n, err := sup.Adopt()
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 adoption, got %d", n)
	}
	st, ok := sup.Status("orphan")
	if !ok || !st.Adopted || st.State != StateRunning || st.PID != cmd.Process.Pid {
		t.Fatalf("unexpected adopted status: %+v", st)
	}

	// No command channel for adopted processes.
	if err := sup.Send("orphan", "list"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for adopted send, got %v", err)
	}

	// Stop falls back to signal escalation against the bare PID.
	if err := sup.Stop("orphan"); err != nil {
		t.Fatalf("stop adopted: %v", err)
	}
	st, _ = sup.Status("orphan")
	if st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
}

func TestIsRunning(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if running, err := sup.IsRunning("alpha"); err != nil || running {
		t.Fatalf("before start: running=%v err=%v", running, err)
	}
	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if running, err := sup.IsRunning("alpha"); err != nil || !running {
		t.Fatalf("after start: running=%v err=%v", running, err)
	}
	if err := sup.Stop("alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if running, err := sup.IsRunning("alpha"); err != nil || running {
		t.Fatalf("after stop: running=%v err=%v", running, err)
	}
}

func TestInfo(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()

	if _, err := sup.Info("alpha"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	info, err := sup.Info("alpha")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.PID <= 0 || info.CPUPercent != 0.0 {
		t.Fatalf("first sample must report pid and zero cpu: %+v", info)
	}
	if err := sup.Stop("alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestShutdown_StopsEverything(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "one", scriptIdle)
	installServer(t, base, "two", scriptIdle)
	sup := New(testOptions(base))

	for _, name := range []string{"one", "two"} {
		if err := sup.Start(name); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	if err := sup.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, name := range []string{"one", "two"} {
		st, _ := sup.Status(name)
		if st.State != StateStopped {
			t.Fatalf("%s not stopped after shutdown: %s", name, st.State)
		}
	}
	if err := sup.Start("one"); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("start after shutdown must fail, got %v", err)
	}
}

// slowStore stalls every upsert to expose lifecycle paths that wait on the
// persistence backend.
type slowStore struct {
	delay time.Duration

	mu      sync.Mutex
	records []store.Record
}

func (s *slowStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *slowStore) Upsert(ctx context.Context, rec store.Record) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *slowStore) GetByName(ctx context.Context, name string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}

func (s *slowStore) List(ctx context.Context) ([]store.Record, error) { return nil, nil }

func (s *slowStore) Delete(ctx context.Context, name string) error { return nil }

func (s *slowStore) Close() error { return nil }

func (s *slowStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestPersist_DoesNotBlockLifecycle(t *testing.T) {
	requireUnix(t)
	base := t.TempDir()
	installServer(t, base, "alpha", scriptIdle)
	sup := New(testOptions(base))
	defer func() { _ = sup.Shutdown() }()
	st := &slowStore{delay: 2 * time.Second}
	sup.SetStore(st)

	begin := time.Now()
	if err := sup.Start("alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap, ok := sup.Status("alpha"); !ok || snap.State != StateRunning {
		t.Fatalf("unexpected status: %+v", snap)
	}
	if elapsed := time.Since(begin); elapsed >= time.Second {
		t.Fatalf("start blocked on the store for %v", elapsed)
	}

	// The upsert still lands, just off the lifecycle path.
	waitFor(t, 5*time.Second, "status upsert", func() bool {
		return st.count() > 0
	})
	if err := sup.Stop("alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
