package supervisor

import (
	"log/slog"
	"time"

	"github.com/bedrockd/bedrockd/internal/history"
	"github.com/bedrockd/bedrockd/internal/metrics"
	"github.com/bedrockd/bedrockd/internal/pidfile"
	"github.com/bedrockd/bedrockd/internal/verify"
)

// watch blocks until the instance's process exits, then applies the restart
// policy. Owned processes are reaped with Wait; adopted ones are polled
// because another process already holds the parent role.
func (s *Supervisor) watch(inst *instance) {
	defer s.wg.Done()

	var exitErr error
	if inst.cmd != nil {
		exitErr = inst.cmd.Wait()
	} else {
		exitErr = s.pollUntilGone(inst.pid)
	}
	s.onExit(inst, exitErr)
}

// pollUntilGone watches an adopted PID until it disappears. Shutdown does not
// end the poll directly; StopAll signals the process and the poll observes the
// exit. A deadline bounds the wait in case even SIGKILL is ignored.
func (s *Supervisor) pollUntilGone(pid int) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	var deadline time.Time
	for {
		<-t.C
		if deadline.IsZero() {
			select {
			case <-s.stopCh:
				deadline = time.Now().Add(s.opts.StopTimeout + s.opts.KillTimeout + 5*time.Second)
			default:
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		running, err := verify.IsRunning(pid)
		if err != nil {
			slog.Warn("liveness poll failed", "pid", pid, "error", err)
			continue
		}
		if !running {
			return nil
		}
	}
}

// onExit is the single place exit outcomes are classified. An exit is
// intentional when Stop set the flag or the supervisor is shutting down;
// anything else is a crash and counts against the restart budget.
func (s *Supervisor) onExit(inst *instance, exitErr error) {
	s.mu.Lock()

	intentional := inst.intentional || s.shutdown
	uptime := time.Since(inst.startedAt)
	name := inst.name
	pid := inst.pid
	inst.exitErr = exitErr

	// The instance stays registered in its terminal state so status queries
	// still see it; startLocked replaces stopped and crashed entries.
	_ = pidfile.Remove(pidfile.PathFor(inst.configDir, name))
	s.monitor.Forget(pid)

	restart := false
	if intentional {
		inst.state = StateStopped
		publishState(name, StateStopped)
		delete(s.failures, name)
		metrics.IncStop(name)
		s.emit(history.EventStop, name, pid, errText(exitErr))
		s.persist(name, 0, string(StateStopped))
		slog.Info("server stopped", "server", name, "pid", pid, "uptime", uptime.Round(time.Second))
	} else {
		fr := s.failures[name]
		if fr == nil {
			fr = &failureRecord{}
			s.failures[name] = fr
		}
		// A long stable run forgives the previous streak.
		if uptime >= s.opts.StableUptime {
			fr.crashes = 0
		}
		fr.crashes++
		fr.lastExit = time.Now()
		metrics.IncCrash(name)
		s.emit(history.EventCrash, name, pid, errText(exitErr))
		slog.Error("server exited unexpectedly", "server", name, "pid", pid,
			"error", errText(exitErr), "crashes", fr.crashes, "uptime", uptime.Round(time.Second))

		if fr.crashes <= s.opts.MaxCrashRestarts {
			inst.state = StateStopped
			publishState(name, StateStopped)
			restart = true
		} else {
			inst.state = StateCrashed
			publishState(name, StateCrashed)
			s.persist(name, 0, string(StateCrashed))
			slog.Error("restart budget exhausted, leaving server down", "server", name, "crashes", fr.crashes)
		}
	}
	s.mu.Unlock()

	if inst.console != nil {
		_ = inst.console.Close()
	}
	closeWriter(inst.logW)
	close(inst.waitDone)

	if restart {
		s.wg.Add(1)
		go s.restartAfterDelay(name)
	}
}

func (s *Supervisor) restartAfterDelay(name string) {
	defer s.wg.Done()
	select {
	case <-s.stopCh:
		return
	case <-time.After(s.opts.RestartDelay):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	if inst, ok := s.servers[name]; ok && inst.state != StateStopped && inst.state != StateCrashed {
		// Someone started it manually in the meantime.
		return
	}
	if err := s.startLocked(name, true); err != nil {
		slog.Error("automatic restart failed", "server", name, "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
