package supervisor

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// HandleSIGCHLD reaps every exited child non-blockingly
// (waitpid(-1,...,WNOHANG) looped to exhaustion) and arbitrates autorestart
// for each. Called when a SIGCHLD event is delivered by the event layer.
func (s *Supervisor) HandleSIGCHLD() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		s.reapOne(pid, ws)
	}
}

func (s *Supervisor) reapOne(pid int, ws unix.WaitStatus) {
	s.mu.Lock()
	id, ok := s.byPid[pid]
	if ok {
		delete(s.byPid, pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.pendingKill.remove(id)

	s.mu.Lock()
	pi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	wasRunning := pi.Status == StatusRunning
	abnormal := ws.Signaled() || ws.ExitStatus() != 0

	s.mu.Lock()
	if wasRunning && abnormal {
		pi.Status = StatusErrored
	} else {
		pi.Status = StatusStopped
	}
	s.mu.Unlock()

	if !wasRunning || !pi.Config.AutoRestart {
		return
	}

	s.arbitrateRestart(pi)
}

// arbitrateRestart runs the crash-loop/backoff decision tree: count
// consecutive crashes within the min-uptime window, give up once the
// count reaches max_restarts, otherwise restart immediately or after a
// computed backoff delay.
func (s *Supervisor) arbitrateRestart(pi *ProcessInfo) {
	uptime := nowMS() - pi.StartTimeMS

	s.mu.Lock()
	if uptime < int64(pi.Config.MinUptimeMS) {
		pi.ConsecutiveCrashes++
	} else {
		pi.ConsecutiveCrashes = 0
	}
	crashes := pi.ConsecutiveCrashes
	maxRestarts := pi.Config.MaxRestarts
	s.mu.Unlock()

	if maxRestarts >= 0 && int64(crashes) >= int64(maxRestarts) {
		s.mu.Lock()
		pi.Status = StatusErrored
		s.mu.Unlock()
		return
	}

	delay := s.computeBackoff(pi.Config, crashes)

	if delay <= 0 {
		if err := s.doRestart(pi.ID); err != nil {
			s.mu.Lock()
			pi.Status = StatusErrored
			s.mu.Unlock()
			s.log.Warn("immediate restart failed", zap.Uint32("id", pi.ID), zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	s.pendingRestart.push(pi.ID, now().Add(time.Duration(delay)*time.Millisecond))
	s.mu.Unlock()
}

// computeBackoff returns the restart delay: a fixed delay, or an
// exponential one capped at MaxBackoffDelayMS when ExpBackoff is set.
func (s *Supervisor) computeBackoff(cfg ProcessConfig, crashes uint32) int64 {
	if !cfg.ExpBackoff {
		return int64(cfg.RestartDelayMS)
	}

	base := int64(cfg.RestartDelayMS)
	if base == 0 {
		base = DefaultRestartDelayMS
	}

	exp := int64(crashes) - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 20 {
		exp = 20
	}

	delay := base << uint(exp)
	if delay > MaxBackoffDelayMS || delay < 0 {
		delay = MaxBackoffDelayMS
	}
	return delay
}
