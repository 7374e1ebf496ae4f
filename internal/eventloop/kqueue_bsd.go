//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package eventloop

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend implements Backend on BSD/Darwin using EVFILT_READ for fd
// readiness and EVFILT_SIGNAL for signal delivery, both registered with
// EV_CLEAR
type kqueueBackend struct {
	kq int

	mu      sync.Mutex
	fdKinds map[int]FDKind
}

func newBackend() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	return &kqueueBackend{kq: kq, fdKinds: make(map[int]FDKind)}, nil
}

func (b *kqueueBackend) AddFD(fd int, kind FDKind) error {
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("kevent add fd=%d: %w", fd, err)
	}
	b.mu.Lock()
	b.fdKinds[fd] = kind
	b.mu.Unlock()
	return nil
}

func (b *kqueueBackend) RemoveFD(fd int) error {
	b.mu.Lock()
	_, ok := b.fdKinds[fd]
	delete(b.fdKinds, fd)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	// ENOENT means the kernel already dropped it (e.g. fd was closed);
	// that's not an error for our purposes.
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("kevent del fd=%d: %w", fd, err)
	}
	return nil
}

func (b *kqueueBackend) AddSignal(signum int) error {
	kev := unix.Kevent_t{
		Ident:  uint64(signum),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("kevent add signal=%d: %w", signum, err)
	}
	return nil
}

func (b *kqueueBackend) Poll(out []Event, timeout time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	raw := make([]unix.Kevent_t, len(out))
	n, err := unix.Kevent(b.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent poll: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		k := raw[i]
		if k.Filter == unix.EVFILT_SIGNAL {
			out[count] = Event{FD: -1, Kind: KindSignal, Signal: int(k.Ident)}
			count++
			continue
		}

		fd := int(k.Ident)
		hup := k.Flags&unix.EV_EOF != 0

		b.mu.Lock()
		kind, ok := b.fdKinds[fd]
		b.mu.Unlock()
		if !ok {
			continue
		}

		out[count] = Event{FD: fd, Kind: resolveKind(kind, hup)}
		count++
	}
	return count, nil
}

func resolveKind(kind FDKind, hup bool) Kind {
	switch kind {
	case FDKindIPCListen:
		return KindIPCAccept
	case FDKindIPCClient:
		if hup {
			return KindIPCClientHup
		}
		return KindIPCRead
	case FDKindPipe:
		if hup {
			return KindPipeHup
		}
		return KindPipeRead
	default:
		return KindPipeRead
	}
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}
