//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package supervisor

import "fmt"

// sampleRSS on non-Linux POSIX platforms would read resident size via
// proc_pid_rusage, which has no golang.org/x/sys/unix binding available;
// rather than shell out or use cgo, memory-based restart triggers are
// simply unavailable here, and UpdateResourceUsage no-ops on this
// platform.
func sampleRSS(pid int) (uint64, error) {
	return 0, fmt.Errorf("resource sampling unsupported on this platform")
}
