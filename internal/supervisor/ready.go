package supervisor

import (
	"go.uber.org/zap"

	"github.com/velosd/velosd/internal/ipcchannel"
)

// CheckWaitReady scans every process in the starting state: if its IPC
// channel has an incoming message, drain it and transition to running; if
// listen_timeout_ms has elapsed since spawn, transition anyway (timeout
// implies readiness). Called every tick.
func (s *Supervisor) CheckWaitReady() {
	t := nowMS()

	for _, pi := range s.List() {
		if pi.Status != StatusStarting {
			continue
		}

		if pi.ipc != nil {
			msg, err := ipcchannel.Read(pi.ipc.ParentFD())
			if err != nil {
				s.log.Debug("readiness channel read failed", zap.Uint32("id", pi.ID), zap.Error(err))
			} else if msg != nil {
				s.mu.Lock()
				pi.Status = StatusRunning
				s.mu.Unlock()
				continue
			}
		}

		timeout := int64(pi.Config.ListenTimeoutMS)
		if timeout == 0 {
			timeout = DefaultListenTimeoutMS
		}
		if t-pi.StartTimeMS >= timeout {
			s.mu.Lock()
			pi.Status = StatusRunning
			s.mu.Unlock()
		}
	}
}
