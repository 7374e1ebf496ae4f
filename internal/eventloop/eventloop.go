// Package eventloop implements velosd's platform event layer: a small
// capability set — AddFD, RemoveFD, AddSignal, Poll, Close — backed by
// kqueue on BSD/Darwin and epoll on Linux, so the rest of the daemon
// never touches a platform syscall directly.
//
// Built directly on golang.org/x/sys/unix, in the style used across
// process-supervision codebases that wrap raw kqueue/epoll syscalls
// behind a small readiness-polling interface.
package eventloop

import "time"

// Kind is the closed set of event kinds poll may report.
type Kind uint8

const (
	KindIPCAccept Kind = iota
	KindIPCRead
	KindPipeRead
	KindSignal
	KindTimer
	KindIPCClientHup
	KindPipeHup
)

// Event is one readiness notification returned by Poll. FD is -1 for
// signal events, by convention; Signal carries the numeric signal for
// KindSignal events and is otherwise zero.
type Event struct {
	FD     int
	Kind   Kind
	Signal int
}

// FDKind tags a registered fd so the backend knows which Kind (including
// which hup variant) to report when it becomes ready.
type FDKind uint8

const (
	FDKindIPCListen FDKind = iota
	FDKindIPCClient
	FDKindPipe
)

// Backend is the capability set names. Two implementations
// exist: one using kqueue (darwin/bsd), one using epoll (linux); both are
// selected at compile time via build-tagged files in this package.
type Backend interface {
	// AddFD registers fd for readability (and hang-up) notifications.
	AddFD(fd int, kind FDKind) error
	// RemoveFD deregisters fd. Safe to call on an fd not currently
	// registered.
	RemoveFD(fd int) error
	// AddSignal arranges for signum to be reported as a Signal event.
	AddSignal(signum int) error
	// Poll blocks up to timeout (0 = non-blocking) and fills out with
	// ready events, returning the count filled.
	Poll(out []Event, timeout time.Duration) (int, error)
	// Close releases backend resources (kqueue/epoll fd, self-pipe).
	Close() error
}

// New returns the platform-appropriate Backend.
func New() (Backend, error) {
	return newBackend()
}

// SignalFeeder is implemented by backends (epoll) that need an external
// os/signal.Notify loop to push signal numbers into the backend, since
// epoll itself has no EVFILT_SIGNAL equivalent. The kqueue backend does
// not implement this interface — it registers signals natively via
// AddSignal instead.
type SignalFeeder interface {
	WriteSignal(signum int) error
}
