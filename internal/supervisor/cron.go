package supervisor

import "go.uber.org/zap"

// CheckCronRestarts fires at most once per wall-clock minute: derives the
// current (minute, hour, day, month, weekday) from local time and
// restarts every running process whose cron expression matches. A
// last-cron-minute counter (hour*60+minute) guards against duplicate
// firings within the same minute across multiple ticks.
func (s *Supervisor) CheckCronRestarts() {
	t := now().Local()
	minuteOfDay := int64(t.Hour())*60 + int64(t.Minute())

	s.mu.Lock()
	if minuteOfDay == s.lastCronMinute {
		s.mu.Unlock()
		return
	}
	s.lastCronMinute = minuteOfDay
	s.mu.Unlock()

	weekday := int(t.Weekday())
	for _, pi := range s.List() {
		if pi.cron == nil {
			continue
		}
		if !pi.cron.Matches(t.Minute(), t.Hour(), t.Day(), int(t.Month()), weekday) {
			continue
		}
		if pi.Status != StatusRunning {
			continue
		}
		if err := s.doRestart(pi.ID); err != nil {
			s.mu.Lock()
			pi.Status = StatusErrored
			s.mu.Unlock()
			s.log.Warn("cron-triggered restart failed", zap.Uint32("id", pi.ID), zap.Error(err))
		}
	}
}
