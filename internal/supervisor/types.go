// Package supervisor is the core of velosd: the process table, pid index,
// watchers, cron expressions, IPC channels, pending-kill/pending-restart
// schedules, and the FIFO of pipe fds awaiting event-layer registration.
//
// The process lifecycle (spawn, supervise, graceful-then-forceful
// teardown) keeps the SysProcAttr tuning, zap field-chain logging, and
// SIGTERM/grace/SIGKILL escalation shape of a one-goroutine-per-process
// supervisor, but drops the per-process goroutine and blocking scanner:
// every method here is non-blocking and single-threaded-safe, meant to be
// called only from the daemon's event loop goroutine.
package supervisor

import "time"

// Status is the closed set of process lifecycle states. Numeric values
// match the wire encoding used by process_list/process_info.
type Status uint8

const (
	StatusStopped Status = iota
	StatusRunning
	StatusStarting
	StatusErrored
)

// String renders a Status for logging.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusStarting:
		return "starting"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Default field values substituted when a process_start payload or a
// persisted record omits a trailing field.
const (
	DefaultKillTimeoutMS   = 5000
	DefaultMinUptimeMS     = 1000
	DefaultListenTimeoutMS = 8000
	DefaultWatchDelayMS    = 1000
	DefaultMaxRestarts     = 15
	DefaultInstances       = 1
	DefaultRestartDelayMS  = 100
	MaxBackoffDelayMS      = 15000
)

// ProcessConfig is the user-supplied definition of one managed process.
// Every field is exported for validator struct-tag enforcement and for
// symmetric binary persistence.
type ProcessConfig struct {
	Name        string `validate:"required,min=1"`
	Script      string `validate:"required,min=1"`
	Cwd         string `validate:"required,min=1"`
	Interpreter string

	KillTimeoutMS uint32 `validate:"omitempty"`
	AutoRestart   bool
	MaxRestarts   int32
	MinUptimeMS   uint64
	RestartDelayMS uint32
	ExpBackoff    bool
	MaxMemoryRestart uint64

	Watch         bool
	WatchDelayMS  uint32
	WatchPaths    string
	WatchIgnore   string
	CronRestart   string

	WaitReady           bool
	ListenTimeoutMS     uint32
	ShutdownWithMessage bool

	Instances  uint32 `validate:"omitempty,gte=1"`
	InstanceID uint32
}

// WithDefaults returns a copy of c with zero-valued optional fields
// substituted documented defaults. MaxRestarts is deliberately not
// included here: 0 is a valid, distinct configuration ("error on first
// crash, never restart"), so its absent-vs-explicit-zero default is
// resolved by the decoder (wire field default / persisted snapshot
// default), not here.
func (c ProcessConfig) WithDefaults() ProcessConfig {
	if c.KillTimeoutMS == 0 {
		c.KillTimeoutMS = DefaultKillTimeoutMS
	}
	if c.MinUptimeMS == 0 {
		c.MinUptimeMS = DefaultMinUptimeMS
	}
	if c.ListenTimeoutMS == 0 {
		c.ListenTimeoutMS = DefaultListenTimeoutMS
	}
	if c.WatchDelayMS == 0 {
		c.WatchDelayMS = DefaultWatchDelayMS
	}
	if c.Instances == 0 {
		c.Instances = DefaultInstances
	}
	return c
}

// ProcessInfo is the supervisor's live record for one managed process.
// Internal-only fields (fds, watcher, ipc, cron) are unexported;
// everything reachable from process_list/process_info is exported.
type ProcessInfo struct {
	ID     uint32
	Name   string
	Pid    int
	Status Status
	Config ProcessConfig

	MemoryBytes        uint64
	StartTimeMS        int64
	LastRestartMS      int64
	RestartCount       uint32
	ConsecutiveCrashes uint32

	stdoutFD int
	stderrFD int
	ipc      ipcChannel
	watcher  procWatcher
	cron     cronSchedule
}

// PendingPipeFD is one fd awaiting registration with the event layer,
// pushed by spawn/restart/scale and drained by the daemon loop after each
// tick.
type PendingPipeFD struct {
	ID   uint32
	Name string
	FD   int
}

// now is the clock source, overridable in tests.
var now = func() time.Time { return time.Now() }

func nowMS() int64 { return now().UnixMilli() }
