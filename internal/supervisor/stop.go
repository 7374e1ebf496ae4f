package supervisor

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/ipcchannel"
	"github.com/velosd/velosd/internal/verrors"
)

// DefaultKillTimeout is the grace period a caller can pass explicitly to
// get the documented default; StopProcess itself does not substitute it,
// since timeoutMS==0 is a valid, distinct request (escalate to SIGKILL
// with no grace period).
const DefaultKillTimeout = DefaultKillTimeoutMS

// shutdownMessage is the literal JSON payload sent over a process's IPC
// channel before signaling, when shutdown_with_message is set.
var shutdownMessage = []byte(`{"type":"shutdown"}`)

// StopProcess signals id. It is a no-op unless the process is currently
// running or starting. Unless sig is SIGKILL, a pending-kill deadline is
// recorded for CheckPendingKills to escalate.
func (s *Supervisor) StopProcess(id uint32, sig int, timeoutMS uint32) error {
	s.mu.Lock()
	pi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return errProcessNotFound(id)
	}

	if pi.Status != StatusRunning && pi.Status != StatusStarting {
		return nil
	}

	if sig == 0 {
		sig = int(unix.SIGTERM)
	}

	if pi.Config.ShutdownWithMessage && pi.ipc != nil {
		if err := ipcchannel.Send(pi.ipc.ParentFD(), shutdownMessage); err != nil {
			s.log.Debug("shutdown message send failed", zap.Uint32("id", id), zap.Error(err))
		}
	}

	if err := unix.Kill(pi.Pid, unix.Signal(sig)); err != nil {
		s.log.Warn("signal send failed", zap.Uint32("id", id), zap.Int("pid", pi.Pid), zap.Error(err))
	}

	s.mu.Lock()
	if sig != int(unix.SIGKILL) {
		s.pendingKill.push(id, now().Add(time.Duration(timeoutMS)*time.Millisecond))
	}
	pi.Status = StatusStopped
	s.mu.Unlock()

	return nil
}

// CheckPendingKills escalates any pending-kill whose deadline has passed
// to SIGKILL. Called every tick.
func (s *Supervisor) CheckPendingKills() {
	s.mu.Lock()
	due := s.pendingKill.due(now())
	s.mu.Unlock()

	for _, id := range due {
		s.mu.Lock()
		pi, ok := s.byID[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if pi.Status == StatusRunning || pi.Status == StatusStopped {
			if err := unix.Kill(pi.Pid, unix.SIGKILL); err != nil {
				s.log.Debug("sigkill escalation failed", zap.Uint32("id", id), zap.Int("pid", pi.Pid), zap.Error(err))
			}
		}
	}
}

func errProcessNotFound(id uint32) error {
	return fmt.Errorf("%w: id %d", verrors.ErrProcessNotFound, id)
}
