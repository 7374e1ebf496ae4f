//go:build linux

package supervisor

import "syscall"

// sysProcAttr returns the Linux SysProcAttr for a spawned child: a new
// session via Setsid, plus Pdeathsig so an orphaned child is reaped if
// the daemon itself dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGKILL,
	}
}
