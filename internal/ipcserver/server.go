// Package ipcserver accepts clients on velosd's control socket, frames
// their requests per internal/wire, and dispatches them against the
// supervisor, log collector, and persistence layer.
//
// The client table is a plain map keyed by socket fd, touched only from
// the daemon's single event-loop goroutine. Connection ids are
// tagged with google/uuid purely for log correlation.
package ipcserver

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/eventloop"
	"github.com/velosd/velosd/internal/logcollector"
	"github.com/velosd/velosd/internal/supervisor"
	"github.com/velosd/velosd/internal/wire"
)

// Deregisterer is the slice of the event layer the server needs to
// register the listen socket and every accepted client fd, and to
// deregister a client's fd before closing it.
type Deregisterer interface {
	AddFD(fd int, kind eventloop.FDKind) error
	RemoveFD(fd int) error
}

// Persister is the slice of internal/persistence the state_save/state_load
// commands need. Kept as a narrow interface so this package does not
// import internal/persistence directly (mirrors internal/supervisor's
// ipcChannel/procWatcher/cronSchedule pattern).
type Persister interface {
	Save(configs []supervisor.ProcessConfig) error
	Load() ([]supervisor.ProcessConfig, error)
}

// client is one accepted connection's framing state: an accumulating
// receive buffer and any response bytes not yet flushed to a would-block
// socket.
type client struct {
	fd      int
	connID  uuid.UUID
	recvBuf []byte
	sendBuf []byte
}

// Server owns the listening socket and every accepted client.
type Server struct {
	log  *zap.Logger
	sup  *supervisor.Supervisor
	lc   *logcollector.Collector
	el   Deregisterer
	pers Persister

	path     string
	listenFD int

	clients map[int]*client

	shutdownRequested bool
}

// New binds path as a unix stream socket (removing any stale socket file
// first), sets it non-blocking, and registers it with el for accept
// readiness. Mode is set to 0600 so only the owning user can connect.
func New(log *zap.Logger, sup *supervisor.Supervisor, lc *logcollector.Collector, el Deregisterer, pers Persister, path string) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		if rerr := os.Remove(path); rerr != nil {
			return nil, rerr
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	s := &Server{
		log:      log.Named("ipcserver"),
		sup:      sup,
		lc:       lc,
		el:       el,
		pers:     pers,
		path:     path,
		listenFD: fd,
		clients:  make(map[int]*client),
	}

	if el != nil {
		if err := el.AddFD(fd, eventloop.FDKindIPCListen); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	return s, nil
}

// ListenFD returns the listening socket's fd, for the daemon loop to
// recognize KindIPCAccept events against.
func (s *Server) ListenFD() int { return s.listenFD }

// ShutdownRequested reports whether a client has sent the shutdown
// command.
func (s *Server) ShutdownRequested() bool { return s.shutdownRequested }

// Accept drains every pending connection on the listen socket
// non-blockingly, consistent with this server's all-I/O-non-blocking
// design.
func (s *Server) Accept() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Debug("accept failed", zap.Error(err))
			return
		}

		c := &client{fd: fd, connID: uuid.New()}
		s.clients[fd] = c

		if s.el != nil {
			if err := s.el.AddFD(fd, eventloop.FDKindIPCClient); err != nil {
				s.log.Warn("add_fd for accepted client failed", zap.Int("fd", fd), zap.Error(err))
				s.closeClient(c)
				continue
			}
		}
		s.log.Debug("client connected", zap.Int("fd", fd), zap.String("conn_id", c.connID.String()))
	}
}

// HandleReadable reads available bytes from fd, parses as many complete
// frames as are buffered, dispatches each, and writes its response.
func (s *Server) HandleReadable(fd int) {
	c, ok := s.clients[fd]
	if !ok {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			c.recvBuf = append(c.recvBuf, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			s.HandleHup(fd)
			return
		}
		if n == 0 {
			s.HandleHup(fd)
			return
		}
		if n < len(buf) {
			break
		}
	}

	s.drainFrames(c)
}

// drainFrames consumes every complete header-then-payload frame currently
// buffered in c, dispatching each and queuing its response.
func (s *Server) drainFrames(c *client) {
	for {
		if len(c.recvBuf) < wire.HeaderSize {
			return
		}
		hdr, err := wire.DecodeHeader(c.recvBuf)
		if err != nil {
			s.log.Debug("bad frame header, closing client", zap.Int("fd", c.fd), zap.Error(err))
			s.closeClient(c)
			return
		}
		total := wire.HeaderSize + int(hdr.PayloadLen)
		if len(c.recvBuf) < total {
			return
		}

		payload := c.recvBuf[wire.HeaderSize:total]
		c.recvBuf = c.recvBuf[total:]

		respPayload := s.dispatch(c, payload)
		frame, err := wire.EncodeFrame(nil, respPayload)
		if err != nil {
			s.log.Warn("encode response frame failed", zap.Int("fd", c.fd), zap.Error(err))
			continue
		}
		c.sendBuf = append(c.sendBuf, frame...)
		s.flush(c)
	}
}

// flush writes as much of c's pending send buffer as the socket accepts
// right now, leaving any remainder queued for the next Flush call.
func (s *Server) flush(c *client) {
	for len(c.sendBuf) > 0 {
		n, err := unix.Write(c.fd, c.sendBuf)
		if n > 0 {
			c.sendBuf = c.sendBuf[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Debug("write failed, closing client", zap.Int("fd", c.fd), zap.Error(err))
			s.closeClient(c)
			return
		}
		if n == 0 {
			return
		}
	}
}

// Flush retries any client's backed-up send buffer. Called once per daemon
// tick so a client that was not writable when its response was first
// produced still eventually receives it.
func (s *Server) Flush() {
	for _, c := range s.clients {
		if len(c.sendBuf) > 0 {
			s.flush(c)
		}
	}
}

// HandleHup deregisters and closes a client connection whose fd reported
// a hang-up.
func (s *Server) HandleHup(fd int) {
	c, ok := s.clients[fd]
	if !ok {
		return
	}
	s.closeClient(c)
}

func (s *Server) closeClient(c *client) {
	delete(s.clients, c.fd)
	if s.el != nil {
		if err := s.el.RemoveFD(c.fd); err != nil {
			s.log.Debug("remove_fd on client close failed", zap.Int("fd", c.fd), zap.Error(err))
		}
	}
	_ = unix.Close(c.fd)
	s.log.Debug("client disconnected", zap.Int("fd", c.fd), zap.String("conn_id", c.connID.String()))
}

// Close tears down the listen socket and every accepted client.
func (s *Server) Close() error {
	for _, c := range s.clients {
		s.closeClient(c)
	}
	if s.el != nil {
		_ = s.el.RemoveFD(s.listenFD)
	}
	err := unix.Close(s.listenFD)
	_ = os.Remove(s.path)
	return err
}
