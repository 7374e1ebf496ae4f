package supervisor

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DeleteProcess removes id from every table: SIGKILL
// if still running, then drop it from the pid index, log collector,
// pending-kill/pending-restart tables, watcher, cron, and IPC channel.
func (s *Supervisor) DeleteProcess(id uint32) error {
	s.mu.Lock()
	pi, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byPid, pi.Pid)
	}
	s.mu.Unlock()
	if !ok {
		return errProcessNotFound(id)
	}

	if pi.Status == StatusRunning || pi.Status == StatusStarting {
		if err := unix.Kill(pi.Pid, unix.SIGKILL); err != nil {
			s.log.Debug("delete sigkill failed", zap.Uint32("id", id), zap.Error(err))
		}
	}

	s.pendingKill.remove(id)
	s.pendingRestart.remove(id)

	if s.lc != nil {
		s.lc.RemoveProcess(int64(id))
	}
	if pi.watcher != nil {
		_ = pi.watcher.Close()
	}
	if pi.ipc != nil {
		_ = pi.ipc.Close()
	}

	return nil
}
