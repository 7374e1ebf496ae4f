package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velosd/velosd/internal/ipcchannel"
	"github.com/velosd/velosd/internal/logcollector"
	"github.com/velosd/velosd/internal/verrors"
)

// ipcChannel, procWatcher, and cronSchedule are the narrow slices of
// internal/ipcchannel, internal/filewatch, and internal/cronexpr that the
// supervisor depends on, kept as interfaces so process-table bookkeeping
// can be unit tested without real fds, inotify handles, or cron parsing.
type ipcChannel interface {
	ParentFD() int
	Close() error
}

type procWatcher interface {
	CheckForChanges() bool
	Close() error
}

type cronSchedule interface {
	Matches(minute, hour, day, month, weekday int) bool
}

// Supervisor owns the process table and every piece of bookkeeping keyed
// by process id. It is only ever mutated from the daemon's
// single event-loop goroutine; the mutex exists solely to let read-only
// accessors (used by the IPC server's process_list/process_info handlers)
// run safely if ever called off that goroutine, not to permit concurrent
// mutation.
type Supervisor struct {
	log *zap.Logger
	lc  *logcollector.Collector

	mu      sync.Mutex
	nextID  uint32
	byID    map[uint32]*ProcessInfo
	byPid   map[int]uint32
	pending []PendingPipeFD

	pendingKill    *scheduler
	pendingRestart *scheduler

	lastCronMinute       int64
	lastResourceSampleAt time.Time
}

// New returns a Supervisor that registers spawned processes' output fds
// with lc.
func New(log *zap.Logger, lc *logcollector.Collector) *Supervisor {
	return &Supervisor{
		log:            log.Named("supervisor"),
		lc:             lc,
		byID:           make(map[uint32]*ProcessInfo),
		byPid:          make(map[int]uint32),
		pendingKill:    newScheduler(),
		pendingRestart: newScheduler(),
		lastCronMinute: -1,
	}
}

// Get returns the ProcessInfo for id.
func (s *Supervisor) Get(id uint32) (*ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.byID[id]
	return pi, ok
}

// List returns every ProcessInfo, in no particular order.
func (s *Supervisor) List() []*ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProcessInfo, 0, len(s.byID))
	for _, pi := range s.byID {
		out = append(out, pi)
	}
	return out
}

// DrainPendingPipeFDs removes and returns every fd awaiting event-layer
// registration, emptying the FIFO.
func (s *Supervisor) DrainPendingPipeFDs() []PendingPipeFD {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Supervisor) pushPending(id uint32, name string, fd int) {
	s.pending = append(s.pending, PendingPipeFD{ID: id, Name: name, FD: fd})
}

// StartProcess spawns cfg and returns its newly allocated id. Defaults are
// applied to any omitted optional field. The two pipe fds the caller must
// register with the event layer are also pushed onto the pending-pipe-fds
// FIFO, drained via DrainPendingPipeFDs.
func (s *Supervisor) StartProcess(cfg ProcessConfig) (uint32, error) {
	cfg = cfg.WithDefaults()

	s.mu.Lock()
	id := s.allocID()
	s.mu.Unlock()

	pi, err := s.spawn(id, cfg)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.byID[id] = pi
	s.byPid[pi.Pid] = id
	s.pushPending(id, pi.Name, pi.stdoutFD)
	s.pushPending(id, pi.Name, pi.stderrFD)
	s.mu.Unlock()

	if s.lc != nil {
		s.lc.AddProcess(int64(id), pi.Name, pi.stdoutFD, pi.stderrFD, logcollector.RotationOptions{})
	}
	s.installWatcherAndCron(pi)

	return id, nil
}

func (s *Supervisor) allocID() uint32 {
	s.nextID++
	return s.nextID
}

// spawnResult is the OS-level outcome of spawning one process instance,
// shared between StartProcess and doRestart.
type spawnResult struct {
	pid      int
	stdoutFD int
	stderrFD int
	ipc      *ipcchannel.Channel
	cmd      *exec.Cmd
}

// spawn performs the fork/exec contract: pipe setup, argv resolution,
// optional IPC channel provisioning, instance environment variables, and
// process-group isolation. The returned ProcessInfo is ready to index but
// not yet registered with the log collector or event layer — the caller
// does that.
func (s *Supervisor) spawn(id uint32, cfg ProcessConfig) (*ProcessInfo, error) {
	res, err := s.spawnOS(cfg)
	if err != nil {
		return nil, err
	}

	status := StatusRunning
	if cfg.WaitReady {
		status = StatusStarting
	}

	pi := &ProcessInfo{
		ID:          id,
		Name:        cfg.Name,
		Pid:         res.pid,
		Status:      status,
		Config:      cfg,
		StartTimeMS: nowMS(),
		stdoutFD:    res.stdoutFD,
		stderrFD:    res.stderrFD,
	}
	if res.ipc != nil {
		pi.ipc = res.ipc
	}
	return pi, nil
}

// spawnOS does the actual fork/exec via os/exec, using ExtraFiles for IPC
// fd handoff (Go's exec package dups it to the next free slot after
// stdin/stdout/stderr — we record that slot as VELOS_IPC_FD rather than
// asserting a specific number, avoiding a raw unix.ForkExec).
func (s *Supervisor) spawnOS(cfg ProcessConfig) (spawnResult, error) {
	argv := buildArgv(cfg.Script, cfg.Interpreter)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.SysProcAttr = sysProcAttr()

	outR, outW, err := os.Pipe()
	if err != nil {
		return spawnResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return spawnResult{}, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	env := os.Environ()

	var ch *ipcchannel.Channel
	if cfg.WaitReady || cfg.ShutdownWithMessage {
		ch, err = ipcchannel.New()
		if err != nil {
			_ = outR.Close()
			_ = outW.Close()
			_ = errR.Close()
			_ = errW.Close()
			return spawnResult{}, fmt.Errorf("ipc channel: %w", err)
		}
		childFile := os.NewFile(uintptr(ch.ChildFD()), "ipc")
		cmd.ExtraFiles = []*os.File{childFile}
		// stdin(0) + stdout(1) + stderr(2) + len(ExtraFiles before this one)
		childSlot := 3
		env = append(env, fmt.Sprintf("%s=%d", ipcchannel.EnvVar, childSlot))
	}
	if cfg.Instances > 1 {
		env = append(env,
			fmt.Sprintf("VELOS_INSTANCE_ID=%d", cfg.InstanceID),
			fmt.Sprintf("NODE_APP_INSTANCE=%d", cfg.InstanceID),
		)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		_ = errR.Close()
		_ = errW.Close()
		if ch != nil {
			_ = ch.CloseChildEnd()
			_ = ch.Close()
		}
		return spawnResult{}, fmt.Errorf("%w: %v", verrors.ErrSpawnFailed, err)
	}

	// Parent: close write ends, mark read ends non-blocking.
	_ = outW.Close()
	_ = errW.Close()
	if err := setNonblock(outR); err != nil {
		s.log.Warn("set_nonblock stdout failed", zap.Error(err))
	}
	if err := setNonblock(errR); err != nil {
		s.log.Warn("set_nonblock stderr failed", zap.Error(err))
	}
	if ch != nil {
		_ = ch.CloseChildEnd()
	}

	return spawnResult{
		pid:      cmd.Process.Pid,
		stdoutFD: int(outR.Fd()),
		stderrFD: int(errR.Fd()),
		ipc:      ch,
		cmd:      cmd,
	}, nil
}

func (s *Supervisor) installWatcherAndCron(pi *ProcessInfo) {
	if pi.Config.Watch {
		w, err := newFileWatcher(s.log, pi.Config.Cwd, pi.Config.WatchPaths, pi.Config.WatchIgnore, pi.Config.WatchDelayMS)
		if err != nil {
			s.log.Warn("file watch setup failed", zap.String("process", pi.Name), zap.Error(err))
		} else {
			pi.watcher = w
		}
	}
	if pi.Config.CronRestart != "" {
		expr, err := newCronExpr(pi.Config.CronRestart)
		if err != nil {
			s.log.Warn("cron expression parse failed", zap.String("process", pi.Name), zap.Error(err))
		} else {
			pi.cron = expr
		}
	}
}
