// Package logcollector demultiplexes child pipe fds into per-process ring
// buffers and on-disk log files.
//
// The line-splitting logic itself follows a familiar read-then-split
// shape, but runs non-blocking rather than behind a blocking
// bufio.Scanner goroutine-per-pipe: the daemon's single-threaded event
// loop (internal/eventloop) cannot tolerate a blocking scanner.
package logcollector

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/logwriter"
	"github.com/velosd/velosd/internal/ringbuf"
	"github.com/velosd/velosd/internal/verrors"
)

const readChunk = 4096

// Deregisterer is the slice of the event layer the collector needs:
// every fd the collector closes is first deregistered from the event
// loop, rather than leaving that to the caller.
type Deregisterer interface {
	RemoveFD(fd int) error
}

type processLog struct {
	id        int64
	name      string
	stdoutFD  int
	stderrFD  int
	ring      *ringbuf.Buffer
	maxSize   int64
	retain    int
}

type route struct {
	id     int64
	stream ringbuf.Stream
}

// Collector owns child-output fds and routes their data to a ring buffer
// and a log file per process.
type Collector struct {
	log    *zap.Logger
	writer *logwriter.Writer
	el     Deregisterer

	mu     sync.Mutex
	byID   map[int64]*processLog
	byFD   map[int]route
	ringCap int
}

// New returns a Collector writing rotated files via w and deregistering fds
// from el before closing them.
func New(log *zap.Logger, w *logwriter.Writer, el Deregisterer, ringCapacity int) *Collector {
	if ringCapacity <= 0 {
		ringCapacity = ringbuf.DefaultCapacity
	}
	return &Collector{
		log:     log,
		writer:  w,
		el:      el,
		byID:    make(map[int64]*processLog),
		byFD:    make(map[int]route),
		ringCap: ringCapacity,
	}
}

// RotationOptions configures a process's on-disk log rotation thresholds.
type RotationOptions struct {
	MaxSize int64
	Retain  int
}

// AddProcess registers a freshly spawned process's output fds.
func (c *Collector) AddProcess(id int64, name string, stdoutFD, stderrFD int, opts RotationOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pl := &processLog{
		id:       id,
		name:     name,
		stdoutFD: stdoutFD,
		stderrFD: stderrFD,
		ring:     ringbuf.New(c.ringCap),
		maxSize:  opts.MaxSize,
		retain:   opts.Retain,
	}
	c.byID[id] = pl
	c.byFD[stdoutFD] = route{id: id, stream: ringbuf.StreamStdout}
	c.byFD[stderrFD] = route{id: id, stream: ringbuf.StreamStderr}
}

// HandlePipeData reads up to 4 KiB from fd, splits it on '\n', and pushes
// each non-empty line into the owning process's ring buffer and log file.
// A trailing segment without a terminator is still forwarded as a partial
// line rather than buffered until the next newline.
func (c *Collector) HandlePipeData(fd int) error {
	c.mu.Lock()
	rt, ok := c.byFD[fd]
	var pl *processLog
	if ok {
		pl = c.byID[rt.id]
	}
	c.mu.Unlock()

	if !ok || pl == nil {
		return nil
	}

	buf := make([]byte, readChunk)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}

	level := ringbuf.LevelInfo
	streamName := logwriter.StreamOut
	if rt.stream == ringbuf.StreamStderr {
		level = ringbuf.LevelError
		streamName = logwriter.StreamErr
	}

	for _, line := range bytes.Split(buf[:n], []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		entry := ringbuf.Entry{
			TimestampMS: ringbuf.NowMS(),
			Level:       level,
			Stream:      rt.stream,
			Message:     line,
		}
		c.mu.Lock()
		pl.ring.Push(entry)
		c.mu.Unlock()

		if c.writer != nil {
			if werr := c.writer.Append(pl.name, streamName, line, logwriter.Options{MaxSize: pl.maxSize, Retain: pl.retain}); werr != nil {
				c.log.Warn("log file append failed", zap.String("process", pl.name), zap.Error(werr))
			}
		}
	}
	return nil
}

// ClosePipe deregisters fd from the event loop, removes its routing entry,
// and closes it.
func (c *Collector) ClosePipe(fd int) {
	c.mu.Lock()
	delete(c.byFD, fd)
	c.mu.Unlock()

	if c.el != nil {
		if err := c.el.RemoveFD(fd); err != nil {
			c.log.Debug("remove_fd during close_pipe", zap.Int("fd", fd), zap.Error(err))
		}
	}
	_ = unix.Close(fd)
}

// RemoveProcess closes both of a process's pipe fds and releases its log
// state. The on-disk log files are left in place.
func (c *Collector) RemoveProcess(id int64) {
	c.mu.Lock()
	pl, ok := c.byID[id]
	if ok {
		delete(c.byID, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.ClosePipe(pl.stdoutFD)
	c.ClosePipe(pl.stderrFD)
}

// ReadLast returns the newest n log entries for id, oldest first.
func (c *Collector) ReadLast(id int64, n int) ([]ringbuf.Entry, error) {
	c.mu.Lock()
	pl, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", verrors.ErrProcessNotFound, id)
	}
	return pl.ring.ReadLast(n), nil
}
