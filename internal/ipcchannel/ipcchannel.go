// Package ipcchannel implements velosd's optional parent/child readiness
// and shutdown-message channel: a stream socketpair whose child end is
// handed to the grandchild process via an environment variable carrying
// its decimal fd number.
//
// Messages on the channel use the same length-prefixed framing style as
// fd-handoff IPC in POSIX process supervision: a fixed-width length
// prefix followed by exactly that many payload bytes.
package ipcchannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// EnvVar is the environment variable carrying the child end's fd number.
const EnvVar = "VELOS_IPC_FD"

// MaxMessage is the maximum payload size in bytes.
const MaxMessage = 64 * 1024

// Channel is the parent-owned end of an IPC socketpair.
type Channel struct {
	parentFD int
	childFD  int
}

// New creates an AF_UNIX SOCK_STREAM socketpair whose parent end is
// non-blocking; the child end is left blocking. The caller
// must pass ChildFD() to the child (via EnvVar, after fork, before exec)
// and call CloseChildEnd once the child end's local copy is no longer
// needed in the parent.
func New() (*Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, fmt.Errorf("set_nonblock: %w", err)
	}
	return &Channel{parentFD: fds[0], childFD: fds[1]}, nil
}

// ParentFD returns the parent-owned end's fd.
func (c *Channel) ParentFD() int { return c.parentFD }

// ChildFD returns the child end's fd, valid in the parent only until
// CloseChildEnd is called.
func (c *Channel) ChildFD() int { return c.childFD }

// EnvValue is the string to set EnvVar to in the child's environment.
func (c *Channel) EnvValue() string { return strconv.Itoa(c.childFD) }

// CloseChildEnd closes the parent process's local copy of the child end,
// which must happen after fork once the child has inherited it.
func (c *Channel) CloseChildEnd() error {
	if c.childFD < 0 {
		return nil
	}
	err := unix.Close(c.childFD)
	c.childFD = -1
	return err
}

// Close closes the parent end.
func (c *Channel) Close() error {
	if c.parentFD < 0 {
		return nil
	}
	err := unix.Close(c.parentFD)
	c.parentFD = -1
	return err
}

// Send writes a length-prefixed message on fd, retrying synchronously on
// EWOULDBLOCK/EAGAIN
func Send(fd int, payload []byte) error {
	if len(payload) > MaxMessage {
		return fmt.Errorf("ipcchannel: message of %d bytes exceeds max %d", len(payload), MaxMessage)
	}

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	if err := writeAllRetrying(fd, header); err != nil {
		return err
	}
	return writeAllRetrying(fd, payload)
}

func writeAllRetrying(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Read attempts to read one complete length-prefixed message from fd
// without blocking. It returns (nil, nil) if no data is currently
// available (EWOULDBLOCK/EAGAIN or EOF with zero bytes read so far) — "no
// message", not an error — and the payload otherwise.
func Read(fd int) ([]byte, error) {
	header := make([]byte, 4)
	n, err := readFull(fd, header)
	if n == 0 && (err == nil || isWouldBlockOrEOF(err)) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxMessage {
		return nil, fmt.Errorf("ipcchannel: incoming message of %d bytes exceeds max %d", length, MaxMessage)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(fd, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func isWouldBlockOrEOF(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// readFull reads exactly len(buf) bytes, blocking only across transient
// EINTR/EWOULDBLOCK retries when partial progress has already been made
// (mid-message); it returns immediately with n=0 if the very first read
// would block, so callers can distinguish "nothing pending" from "partial
// frame".
func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if isWouldBlockOrEOF(err) {
				if total == 0 {
					return 0, err
				}
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}
