package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bedrockd/bedrockd/internal/console"
	"github.com/bedrockd/bedrockd/internal/history"
	"github.com/bedrockd/bedrockd/internal/metrics"
	"github.com/bedrockd/bedrockd/internal/pidfile"
	"github.com/bedrockd/bedrockd/internal/stats"
	"github.com/bedrockd/bedrockd/internal/store"
	"github.com/bedrockd/bedrockd/internal/verify"
)

// Supervisor owns the registry of managed Bedrock server processes. All
// lifecycle transitions go through it; the per-instance watcher goroutines
// report exits back so restart policy is applied in exactly one place.
type Supervisor struct {
	mu       sync.Mutex
	opts     Options
	servers  map[string]*instance
	failures map[string]*failureRecord
	monitor  *stats.Monitor
	st       store.Store
	sinks    []history.Sink

	shutdown bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:     opts.withDefaults(),
		servers:  make(map[string]*instance),
		failures: make(map[string]*failureRecord),
		monitor:  stats.NewMonitor(),
		stopCh:   make(chan struct{}),
	}
}

// SetStore attaches an optional persistence backend for last-known status.
func (s *Supervisor) SetStore(st store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

// AddSink attaches a lifecycle-event sink (audit/analytics export).
func (s *Supervisor) AddSink(sink history.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Supervisor) serverDir(name string) string {
	return filepath.Join(s.opts.BaseDir, name)
}

func (s *Supervisor) configDir(name string) string {
	return filepath.Join(s.serverDir(name), "config")
}

// Start launches the named server. It refuses when the registry already
// tracks a live instance or when a verified process for the name exists
// outside the registry (for example one started by a previous manager run).
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.startLocked(name, false)
	if err == nil {
		// An explicit start begins a fresh crash streak, including after the
		// crashed terminal state.
		delete(s.failures, name)
	}
	return err
}

// startLocked requires s.mu held.
func (s *Supervisor) startLocked(name string, isRestart bool) error {
	if s.shutdown {
		return fmt.Errorf("%w: supervisor shutting down", ErrStartFailed)
	}
	if inst, ok := s.servers[name]; ok && inst.state != StateStopped && inst.state != StateCrashed {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	serverDir := s.serverDir(name)
	configDir := s.configDir(name)

	if h, err := verify.VerifiedProcess(name, serverDir, configDir); err != nil {
		return err
	} else if h != nil {
		return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, h.PID)
	}

	exe := filepath.Join(serverDir, verify.ServerExecutable)
	if fi, err := os.Stat(exe); err != nil || fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, exe)
	}

	logW, err := s.opts.Log.ConsoleWriter(name)
	if err != nil {
		return fmt.Errorf("%w: console log: %v", ErrStartFailed, err)
	}

	cmd := exec.Command(exe)
	cmd.Dir = serverDir
	cmd.SysProcAttr = sysProcAttr()
	if logW != nil {
		cmd.Stdout = logW
		cmd.Stderr = logW
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeWriter(logW)
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}

	publishState(name, StateStarting)
	if err := cmd.Start(); err != nil {
		publishState(name, StateStopped)
		closeWriter(logW)
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	pid := cmd.Process.Pid

	if err := pidfile.Write(pidfile.PathFor(configDir, name), pid); err != nil {
		// The process is up; losing the PID file only costs recovery after a
		// manager restart. Keep going.
		slog.Warn("pidfile write failed", "server", name, "pid", pid, "error", err)
	}

	ch, err := console.Open(name, configDir, stdin)
	if err != nil {
		slog.Warn("command pipe unavailable, stdin only", "server", name, "error", err)
		ch = console.Direct(stdin)
	}

	inst := &instance{
		name:      name,
		serverDir: serverDir,
		configDir: configDir,
		state:     StateRunning,
		cmd:       cmd,
		pid:       pid,
		console:   ch,
		logW:      logW,
		startedAt: time.Now(),
		waitDone:  make(chan struct{}),
	}
	s.servers[name] = inst
	publishState(name, StateRunning)
	metrics.IncStart(name)
	if isRestart {
		metrics.IncRestart(name)
		s.emit(history.EventRestart, name, pid, "")
	} else {
		s.emit(history.EventStart, name, pid, "")
	}
	s.persist(name, pid, string(StateRunning))
	slog.Info("server started", "server", name, "pid", pid, "restart", isRestart)

	s.wg.Add(1)
	go s.watch(inst)
	return nil
}

// Stop requests a graceful shutdown of the named server and escalates to
// SIGTERM and then SIGKILL when the process outlives the configured timeouts.
// The intent flag is recorded before any signal so the watcher never mistakes
// this exit for a crash.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	inst, ok := s.servers[name]
	if !ok || inst.state == StateStopped || inst.state == StateCrashed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	if inst.state == StateStopping {
		done := inst.waitDone
		s.mu.Unlock()
		<-done
		return nil
	}
	inst.intentional = true
	inst.state = StateStopping
	publishState(name, StateStopping)
	ch := inst.console
	cmd := inst.cmd
	pid := inst.pid
	done := inst.waitDone
	s.mu.Unlock()

	gracefulWait := s.opts.StopTimeout
	if ch == nil {
		// Adopted process with no command channel; go straight to signals.
		gracefulWait = 0
	} else if err := ch.Send(console.StopCommand); err != nil {
		slog.Debug("graceful stop command failed", "server", name, "error", err)
		gracefulWait = 100 * time.Millisecond
	}
	select {
	case <-done:
		return nil
	case <-time.After(gracefulWait):
	}

	slog.Warn("graceful stop timed out, sending SIGTERM", "server", name, "pid", pid)
	if cmd != nil && cmd.Process != nil {
		_ = terminate(cmd.Process)
	} else {
		_ = terminatePID(pid)
	}
	select {
	case <-done:
		return nil
	case <-time.After(s.opts.KillTimeout):
	}

	slog.Error("SIGTERM ignored, sending SIGKILL", "server", name, "pid", pid)
	if cmd != nil && cmd.Process != nil {
		_ = kill(cmd.Process)
	} else {
		_ = killPID(pid)
	}
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%w: %s (pid %d) survived SIGKILL", ErrStopFailed, name, pid)
	}
}

// Restart stops the server when running and starts it again. The crash
// counter resets because the stop is explicit.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.startLocked(name, true)
	if err == nil {
		delete(s.failures, name)
	}
	return err
}

// Send relays one console command line to the running server. Commands whose
// first word is on the blocked list are refused; in particular "stop" must go
// through Stop so the shutdown is recorded as intentional.
func (s *Supervisor) Send(name, line string) error {
	first := strings.ToLower(strings.TrimSpace(line))
	if i := strings.IndexAny(first, " \t"); i >= 0 {
		first = first[:i]
	}
	for _, blocked := range s.opts.BlockedCommands {
		if first == strings.ToLower(blocked) {
			return fmt.Errorf("%w: %q (use stop)", ErrBlockedCommand, first)
		}
	}

	s.mu.Lock()
	inst, ok := s.servers[name]
	if !ok || inst.state != StateRunning || inst.console == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	ch := inst.console
	s.mu.Unlock()

	if err := ch.Send(line); err != nil {
		return err
	}
	metrics.IncCommand(name)
	return nil
}

// IsRunning reports liveness for the named server. Registry entries are
// re-verified against the OS; names without an entry fall back to the PID
// file discovery path, so servers started by a previous manager run are
// still visible.
func (s *Supervisor) IsRunning(name string) (bool, error) {
	s.mu.Lock()
	inst, ok := s.servers[name]
	var pid int
	if ok {
		pid = inst.pid
	}
	st := StateStopped
	if ok {
		st = inst.state
	}
	s.mu.Unlock()

	if ok && (st == StateRunning || st == StateStopping) {
		running, err := verify.IsRunning(pid)
		if err != nil {
			return false, err
		}
		return running, nil
	}
	h, err := verify.VerifiedProcess(name, s.serverDir(name), s.configDir(name))
	if err != nil {
		return false, err
	}
	return h != nil, nil
}

// Info samples CPU, memory and uptime for the named server.
func (s *Supervisor) Info(name string) (*stats.Stats, error) {
	s.mu.Lock()
	inst, ok := s.servers[name]
	var pid int
	if ok && inst.state == StateRunning {
		pid = inst.pid
	}
	s.mu.Unlock()

	if pid == 0 {
		h, err := verify.VerifiedProcess(name, s.serverDir(name), s.configDir(name))
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
		}
		pid = h.PID
	}
	st, err := s.monitor.Stats(pid)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	return st, nil
}

// Status returns the snapshot for one server name.
func (s *Supervisor) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.servers[name]
	if !ok {
		return Status{Name: name, State: StateStopped}, false
	}
	return s.statusLocked(inst), true
}

// Statuses returns snapshots for every tracked server, sorted by nothing in
// particular; callers sort as needed.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.servers))
	for _, inst := range s.servers {
		out = append(out, s.statusLocked(inst))
	}
	return out
}

func (s *Supervisor) statusLocked(inst *instance) Status {
	st := Status{
		Name:    inst.name,
		State:   inst.state,
		Running: inst.state == StateRunning || inst.state == StateStopping,
		Adopted: inst.adopted,
	}
	if st.Running {
		st.PID = inst.pid
		st.StartedAt = inst.startedAt
	}
	if fr := s.failures[inst.name]; fr != nil {
		st.Crashes = fr.crashes
	}
	if inst.exitErr != nil {
		st.ExitError = inst.exitErr.Error()
	}
	return st
}

// StopAll stops every tracked running server, collecting errors.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.servers))
	for name, inst := range s.servers {
		if inst.state == StateRunning || inst.state == StateStopping {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := s.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops all servers, waits for the watchers, and releases attached
// resources. The supervisor cannot be reused afterwards.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.stopCh)
	s.mu.Unlock()

	err := s.StopAll()
	s.wg.Wait()

	s.mu.Lock()
	st := s.st
	sinks := s.sinks
	s.st = nil
	s.sinks = nil
	s.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
	for _, sink := range sinks {
		_ = sink.Close()
	}
	return err
}

// Adopt scans BaseDir for installations with a verified running process and
// registers them. Adopted processes predate this manager, so there is no
// exec.Cmd to Wait on and no stdin; they get a polling watcher and PID-based
// signal escalation, but no command channel.
func (s *Supervisor) Adopt() (int, error) {
	entries, err := os.ReadDir(s.opts.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan base dir: %w", err)
	}

	adopted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		h, err := verify.VerifiedProcess(name, s.serverDir(name), s.configDir(name))
		if err != nil {
			slog.Warn("adoption check failed", "server", name, "error", err)
			continue
		}
		if h == nil {
			continue
		}

		s.mu.Lock()
		if _, exists := s.servers[name]; exists {
			s.mu.Unlock()
			continue
		}
		inst := &instance{
			name:      name,
			serverDir: s.serverDir(name),
			configDir: s.configDir(name),
			state:     StateRunning,
			pid:       h.PID,
			startedAt: time.Now(),
			adopted:   true,
			waitDone:  make(chan struct{}),
		}
		if h.StartUnix > 0 {
			inst.startedAt = time.Unix(h.StartUnix, 0)
		}
		s.servers[name] = inst
		publishState(name, StateRunning)
		s.persist(name, h.PID, string(StateRunning))
		s.wg.Add(1)
		go s.watch(inst)
		s.mu.Unlock()

		slog.Info("adopted running server", "server", name, "pid", h.PID)
		adopted++
	}
	return adopted, nil
}

// StartResourcePoller samples CPU/memory for all running servers on interval
// and publishes the gauges. It stops at Shutdown.
func (s *Supervisor) StartResourcePoller(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
			}
			s.mu.Lock()
			running := make(map[string]int)
			for name, inst := range s.servers {
				if inst.state == StateRunning {
					running[name] = inst.pid
				}
			}
			s.mu.Unlock()
			for name, pid := range running {
				st, err := s.monitor.Stats(pid)
				if err != nil || st == nil {
					continue
				}
				metrics.SetResourceUsage(name, st.CPUPercent, st.MemoryMB)
			}
		}
	}()
}

// emit fans a lifecycle event out to the attached sinks. Failures are logged
// and never block lifecycle transitions.
func (s *Supervisor) emit(typ history.EventType, name string, pid int, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	e := history.Event{Type: typ, OccurredAt: time.Now().UTC(), Server: name, PID: pid, Detail: detail}
	sinks := make([]history.Sink, len(s.sinks))
	copy(sinks, s.sinks)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sink := range sinks {
			if err := sink.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "type", string(typ), "server", name, "error", err)
			}
		}
	}()
}

// persist records the last-known status; best effort. Callers hold s.mu, so
// the upsert runs on its own goroutine like emit does and a slow store never
// stalls lifecycle transitions.
func (s *Supervisor) persist(name string, pid int, status string) {
	st := s.st
	if st == nil {
		return
	}
	rec := store.Record{Name: name, PID: pid, LastStatus: status, UpdatedAt: time.Now().UTC()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.Upsert(ctx, rec); err != nil {
			slog.Warn("status persistence failed", "server", name, "error", err)
		}
	}()
}

func closeWriter(w interface{ Close() error }) {
	if w != nil {
		_ = w.Close()
	}
}
