// Package daemon wires every velosd component behind a single event loop
// tick: persistence, directories, the platform event layer, the log
// collector, the supervisor, and the IPC server, all started in a fixed
// sequence and torn down in reverse on clean shutdown.
//
// One poll drives the whole daemon: one dispatch-by-kind switch over the
// events it returns, followed by one fixed set of periodic scanner calls
// per tick.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"github.com/natefinch/lumberjack"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/eventloop"
	"github.com/velosd/velosd/internal/ipcserver"
	"github.com/velosd/velosd/internal/logcollector"
	"github.com/velosd/velosd/internal/logwriter"
	"github.com/velosd/velosd/internal/persistence"
	"github.com/velosd/velosd/internal/supervisor"
)

// pollTimeout bounds how long one tick's poll call may block waiting for
// events; this is the loop's only suspension point.
const pollTimeout = 1000 * time.Millisecond

const maxEventsPerPoll = 64

// Config is the daemon entrypoint's two-flag surface.
type Config struct {
	SocketPath string
	StateDir   string
}

// Daemon owns every long-lived component for one daemon lifetime.
type Daemon struct {
	log      *zap.Logger
	logFile  *lumberjack.Logger
	store    *persistence.Store
	el       eventloop.Backend
	writer   *logwriter.Writer
	lc       *logcollector.Collector
	sup      *supervisor.Supervisor
	ipc      *ipcserver.Server
	sigCh    chan os.Signal
	running  bool
}

// New performs startup sequencing and returns a Daemon
// ready for Run.
func New(cfg Config) (*Daemon, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(stateDir, "velosd.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}
	log := newDiagnosticLogger(logFile)

	store, err := persistence.Open(log, stateDir)
	if err != nil {
		return nil, err
	}

	el, err := eventloop.New()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("event layer: %w", err)
	}

	writer := logwriter.New(log, store.LogsDir())
	lc := logcollector.New(log, writer, el, 0)
	sup := supervisor.New(log, lc)

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = store.SocketPath()
	}

	ipc, err := ipcserver.New(log, sup, lc, el, store, socketPath)
	if err != nil {
		_ = el.Close()
		_ = store.Close()
		return nil, fmt.Errorf("ipc server: %w", err)
	}

	d := &Daemon{
		log:     log,
		logFile: logFile,
		store:   store,
		el:      el,
		writer:  writer,
		lc:      lc,
		sup:     sup,
		ipc:     ipc,
		running: true,
	}

	if err := d.registerSignals(); err != nil {
		_ = d.teardown()
		return nil, fmt.Errorf("register signals: %w", err)
	}

	return d, nil
}

// newDiagnosticLogger builds the daemon's own operator-facing log sink:
// zap writing JSON through a lumberjack rotator. This is distinct from
// internal/logwriter, which owns per-process captured-output rotation
// under its own naming scheme.
func newDiagnosticLogger(lj *lumberjack.Logger) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(lj), zap.InfoLevel)
	return zap.New(core)
}

// registerSignals arranges for SIGCHLD/SIGTERM/SIGINT to reach the event
// layer. Backends implementing eventloop.SignalFeeder (epoll) receive them
// via an os/signal.Notify goroutine feeding the backend's self-pipe;
// backends with native signal support (kqueue) register directly through
// AddSignal instead.
func (d *Daemon) registerSignals() error {
	sigs := []os.Signal{syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT}

	if feeder, ok := d.el.(eventloop.SignalFeeder); ok {
		d.sigCh = make(chan os.Signal, 16)
		signal.Notify(d.sigCh, sigs...)
		go func() {
			for sig := range d.sigCh {
				_ = feeder.WriteSignal(int(signalNumber(sig)))
			}
		}()
		return nil
	}

	for _, s := range sigs {
		if err := d.el.AddSignal(int(signalNumber(s))); err != nil {
			return err
		}
	}
	return nil
}

func signalNumber(s os.Signal) syscall.Signal {
	sig, ok := s.(syscall.Signal)
	if !ok {
		return 0
	}
	return sig
}

// Run executes the event loop until a SIGTERM/SIGINT or an IPC shutdown
// command clears the running flag, then tears every component down.
func (d *Daemon) Run() error {
	events := make([]eventloop.Event, maxEventsPerPoll)

	for d.running {
		d.tick(events)
	}

	return d.teardown()
}

// tick runs exactly one poll-dispatch-scan iteration of the daemon loop.
func (d *Daemon) tick(events []eventloop.Event) {
	n, err := d.el.Poll(events, pollTimeout)
	if err != nil {
		d.log.Warn("poll failed", zap.Error(err))
		return
	}

	for i := 0; i < n; i++ {
		d.dispatchEvent(events[i])
	}

	d.sup.CheckPendingKills()
	d.sup.CheckPendingRestarts()
	d.drainPendingPipeFDs()
	d.sup.UpdateResourceUsage()
	d.sup.CheckWatchers()
	d.sup.CheckCronRestarts()
	d.sup.CheckWaitReady()
	d.drainPendingPipeFDs()
	d.ipc.Flush()

	if d.ipc.ShutdownRequested() {
		d.running = false
	}
}

func (d *Daemon) dispatchEvent(ev eventloop.Event) {
	switch ev.Kind {
	case eventloop.KindIPCAccept:
		d.ipc.Accept()
	case eventloop.KindIPCRead:
		d.ipc.HandleReadable(ev.FD)
	case eventloop.KindIPCClientHup:
		d.ipc.HandleHup(ev.FD)
	case eventloop.KindPipeRead:
		if err := d.lc.HandlePipeData(ev.FD); err != nil {
			d.log.Debug("pipe read failed", zap.Int("fd", ev.FD), zap.Error(err))
		}
	case eventloop.KindPipeHup:
		d.lc.ClosePipe(ev.FD)
	case eventloop.KindSignal:
		d.dispatchSignal(ev.Signal)
	}
}

func (d *Daemon) dispatchSignal(signum int) {
	switch syscall.Signal(signum) {
	case syscall.SIGCHLD:
		d.sup.HandleSIGCHLD()
	case syscall.SIGTERM, syscall.SIGINT:
		d.running = false
	}
}

// drainPendingPipeFDs registers every fd the supervisor has queued since
// the last drain with the event layer, setting each non-blocking first.
func (d *Daemon) drainPendingPipeFDs() {
	for _, p := range d.sup.DrainPendingPipeFDs() {
		if err := unix.SetNonblock(p.FD, true); err != nil {
			d.log.Warn("set_nonblock pending pipe fd failed", zap.Int("fd", p.FD), zap.Error(err))
		}
		if err := d.el.AddFD(p.FD, eventloop.FDKindPipe); err != nil {
			d.log.Warn("add_fd pending pipe fd failed", zap.Int("fd", p.FD), zap.Error(err))
		}
	}
}

// teardown stops every process, closes the IPC server (removing the
// socket file), then releases the log writer, event layer, and
// persistence handle (removing the PID file).
func (d *Daemon) teardown() error {
	d.sup.StopAll()

	if d.sigCh != nil {
		signal.Stop(d.sigCh)
		close(d.sigCh)
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(d.ipc.Close())
	record(d.writer.Close())
	record(d.el.Close())
	record(d.store.Close())
	_ = d.logFile.Close()

	return firstErr
}
