//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package supervisor

import "syscall"

// sysProcAttr returns the BSD/Darwin SysProcAttr for a spawned child: a new
// session via Setsid. Pdeathsig has no portable equivalent outside Linux,
// so it is simply omitted here.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
