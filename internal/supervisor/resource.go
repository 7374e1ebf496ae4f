package supervisor

import (
	"time"

	"go.uber.org/zap"
)

// resourceMonitorInterval rate-limits UpdateResourceUsage to at most once
// per this window.
const resourceMonitorInterval = 2 * time.Second

// UpdateResourceUsage samples RSS for every running process, at most once
// per resourceMonitorInterval. A process exceeding its configured
// max_memory_restart is restarted. Called every tick; internally
// rate-limited.
func (s *Supervisor) UpdateResourceUsage() {
	t := now()
	s.mu.Lock()
	skip := !s.lastResourceSampleAt.IsZero() && t.Sub(s.lastResourceSampleAt) < resourceMonitorInterval
	if !skip {
		s.lastResourceSampleAt = t
	}
	s.mu.Unlock()
	if skip {
		return
	}

	for _, pi := range s.List() {
		if pi.Status != StatusRunning {
			continue
		}

		rss, err := sampleRSS(pi.Pid)
		if err != nil {
			continue
		}

		s.mu.Lock()
		pi.MemoryBytes = rss
		limit := pi.Config.MaxMemoryRestart
		s.mu.Unlock()

		if limit > 0 && rss > limit {
			if err := s.doRestart(pi.ID); err != nil {
				s.mu.Lock()
				pi.Status = StatusErrored
				s.mu.Unlock()
				s.log.Warn("memory-triggered restart failed", zap.Uint32("id", pi.ID), zap.Error(err))
			}
		}
	}
}
