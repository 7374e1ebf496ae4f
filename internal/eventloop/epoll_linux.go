//go:build linux

package eventloop

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend implements Backend on Linux. Signals cannot be delivered
// through epoll directly, so a self-pipe is registered instead: signal
// handlers (installed via os/signal.Notify by the caller) write one byte
// per signal onto the write end, and the event loop drains it here, one
// event per byte.
type epollBackend struct {
	epfd int

	mu       sync.Mutex
	fdKinds  map[int]FDKind
	sigPipeR int
	sigPipeW int
	sigNums  []byte // not read or written; each self-pipe byte carries its own signal number
}

func newBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("self-pipe: %w", err)
	}

	b := &epollBackend{
		epfd:     epfd,
		fdKinds:  make(map[int]FDKind),
		sigPipeR: fds[0],
		sigPipeW: fds[1],
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(b.sigPipeR)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, b.sigPipeR, &ev); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("epoll_ctl self-pipe: %w", err)
	}

	return b, nil
}

// WriteSignal feeds one byte representing signum into the self-pipe so the
// next Poll reports it as a Signal event. Implements eventloop.SignalFeeder.
func (b *epollBackend) WriteSignal(signum int) error {
	_, err := unix.Write(b.sigPipeW, []byte{byte(signum)})
	return err
}

func (b *epollBackend) AddFD(fd int, kind FDKind) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	b.mu.Lock()
	b.fdKinds[fd] = kind
	b.mu.Unlock()
	return nil
}

func (b *epollBackend) RemoveFD(fd int) error {
	b.mu.Lock()
	_, ok := b.fdKinds[fd]
	delete(b.fdKinds, fd)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// AddSignal is a no-op on the epoll backend: the caller is expected to
// route signum through os/signal.Notify into the self-pipe (see
// internal/daemon), since epoll has no native signal-event facility.
func (b *epollBackend) AddSignal(signum int) error { return nil }

func (b *epollBackend) Poll(out []Event, timeout time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(b.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		hup := raw[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0

		if fd == b.sigPipeR {
			drained := b.drainSignals(out[count:])
			count += drained
			continue
		}

		b.mu.Lock()
		kind, ok := b.fdKinds[fd]
		b.mu.Unlock()
		if !ok {
			continue
		}

		out[count] = Event{FD: fd, Kind: resolveKind(kind, hup)}
		count++
		if count >= len(out) {
			break
		}
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

// drainSignals reads every pending byte off the self-pipe in one read and
// turns each into a Signal event
func (b *epollBackend) drainSignals(out []Event) int {
	buf := make([]byte, 64)
	n, err := unix.Read(b.sigPipeR, buf)
	if err != nil || n <= 0 {
		return 0
	}
	count := 0
	for i := 0; i < n && count < len(out); i++ {
		out[count] = Event{FD: -1, Kind: KindSignal, Signal: int(buf[i])}
		count++
	}
	return count
}

func (b *epollBackend) Close() error {
	_ = unix.Close(b.sigPipeW)
	_ = unix.Close(b.sigPipeR)
	return unix.Close(b.epfd)
}
