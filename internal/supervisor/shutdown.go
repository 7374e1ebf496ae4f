package supervisor

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// StopAll sends SIGTERM to every running process and marks each stopped.
// It does not wait for exit; the daemon loop is expected to exit shortly
// after. unix.Kill is non-blocking, so this is a plain loop rather than a
// fan-out — there is no blocking work here worth parallelizing.
func (s *Supervisor) StopAll() {
	for _, pi := range s.List() {
		if pi.Status != StatusRunning && pi.Status != StatusStarting {
			continue
		}
		if err := unix.Kill(pi.Pid, unix.SIGTERM); err != nil {
			s.log.Debug("stop_all sigterm failed", zap.Uint32("id", pi.ID), zap.Int("pid", pi.Pid), zap.Error(err))
		}
	}

	s.mu.Lock()
	for _, pi := range s.byID {
		if pi.Status == StatusRunning || pi.Status == StatusStarting {
			pi.Status = StatusStopped
		}
	}
	s.mu.Unlock()
}
