package supervisor

import "go.uber.org/zap"

// CheckWatchers polls every registered watcher and triggers a restart for
// any running process whose watcher fired. Called every tick.
func (s *Supervisor) CheckWatchers() {
	for _, pi := range s.List() {
		if pi.watcher == nil {
			continue
		}
		if !pi.watcher.CheckForChanges() {
			continue
		}
		if pi.Status != StatusRunning {
			continue
		}
		if err := s.doRestart(pi.ID); err != nil {
			s.mu.Lock()
			pi.Status = StatusErrored
			s.mu.Unlock()
			s.log.Warn("watch-triggered restart failed", zap.Uint32("id", pi.ID), zap.Error(err))
		}
	}
}
