package supervisor

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/logcollector"
)

// doRestart closes the old log-collector registration, spawns a fresh
// process reusing id's ProcessInfo, and pushes the new pipe fds onto the
// pending-pipe-fds FIFO.
func (s *Supervisor) doRestart(id uint32) error {
	s.mu.Lock()
	pi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return errProcessNotFound(id)
	}

	if s.lc != nil {
		s.lc.RemoveProcess(int64(id))
	}
	if pi.ipc != nil {
		_ = pi.ipc.Close()
	}

	res, err := s.spawnOS(pi.Config)
	if err != nil {
		return fmt.Errorf("restart id %d: %w", id, err)
	}

	status := StatusRunning
	if pi.Config.WaitReady {
		status = StatusStarting
	}

	s.mu.Lock()
	delete(s.byPid, pi.Pid)
	pi.Pid = res.pid
	pi.Status = status
	pi.StartTimeMS = nowMS()
	pi.LastRestartMS = nowMS()
	pi.RestartCount++
	pi.stdoutFD = res.stdoutFD
	pi.stderrFD = res.stderrFD
	if res.ipc != nil {
		pi.ipc = res.ipc
	} else {
		pi.ipc = nil
	}
	s.byPid[pi.Pid] = id
	s.pushPending(id, pi.Name, pi.stdoutFD)
	s.pushPending(id, pi.Name, pi.stderrFD)
	s.mu.Unlock()

	if s.lc != nil {
		s.lc.AddProcess(int64(id), pi.Name, pi.stdoutFD, pi.stderrFD, logcollector.RotationOptions{})
	}

	return nil
}

// RestartProcess is the public process_restart operation:
// SIGTERM a running process, reap non-blockingly to keep the pid index
// tidy, then do_restart. Any pending kill for id is cleared.
func (s *Supervisor) RestartProcess(id uint32) error {
	s.mu.Lock()
	pi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return errProcessNotFound(id)
	}

	s.pendingKill.remove(id)
	s.pendingRestart.remove(id)

	if pi.Status == StatusRunning || pi.Status == StatusStarting {
		if err := unix.Kill(pi.Pid, unix.SIGTERM); err != nil {
			s.log.Debug("restart sigterm failed", zap.Uint32("id", id), zap.Error(err))
		}

		var ws unix.WaitStatus
		for {
			reapedPid, err := unix.Wait4(pi.Pid, &ws, unix.WNOHANG, nil)
			if err != nil || reapedPid <= 0 {
				break
			}
		}
		s.mu.Lock()
		delete(s.byPid, pi.Pid)
		s.mu.Unlock()
	}

	if err := s.doRestart(id); err != nil {
		s.mu.Lock()
		pi.Status = StatusErrored
		s.mu.Unlock()
		return err
	}
	return nil
}

// CheckPendingRestarts invokes doRestart for every pending-restart whose
// scheduled time has passed. Called every tick.
func (s *Supervisor) CheckPendingRestarts() {
	s.mu.Lock()
	due := s.pendingRestart.due(now())
	s.mu.Unlock()

	for _, id := range due {
		if err := s.doRestart(id); err != nil {
			s.mu.Lock()
			if pi, ok := s.byID[id]; ok {
				pi.Status = StatusErrored
			}
			s.mu.Unlock()
			s.log.Warn("pending restart failed", zap.Uint32("id", id), zap.Error(err))
		}
	}
}
