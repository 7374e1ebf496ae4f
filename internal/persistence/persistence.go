// Package persistence manages velosd's on-disk state: the state directory
// layout, the daemon's own PID file (lock-guarded so a second daemon
// cannot start against the same directory), and the binary process-table
// snapshot used by state_save/state_load.
//
// The PID-file locking uses a non-blocking flock.TryLock held for the
// daemon's lifetime, failing fast if another instance already holds it.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/velosd/velosd/internal/supervisor"
	"github.com/velosd/velosd/internal/verrors"
)

var validate = validator.New()

const (
	socketName = "velos.sock"
	pidName    = "velos.pid"
	stateName  = "state.bin"
	logsDir    = "logs"
)

// Store owns the state directory, the locked PID file, and the state.bin
// snapshot.
type Store struct {
	log     *zap.Logger
	dir     string
	lock    *flock.Flock
	pidPath string
}

// Open ensures <dir> and <dir>/logs exist, acquires the PID file lock
// (failing with an error wrapping verrors.ErrAlreadyRunning if another
// daemon already holds it), and writes the current process's pid.
func Open(log *zap.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, logsDir), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	pidPath := filepath.Join(dir, pidName)
	lock := flock.New(pidPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire pid lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: daemon already running against %s", verrors.ErrAlreadyRunning, dir)
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &Store{
		log:     log.Named("persistence"),
		dir:     dir,
		lock:    lock,
		pidPath: pidPath,
	}, nil
}

// SocketPath returns <state_dir>/velos.sock.
func (st *Store) SocketPath() string { return filepath.Join(st.dir, socketName) }

// LogsDir returns <state_dir>/logs.
func (st *Store) LogsDir() string { return filepath.Join(st.dir, logsDir) }

// StatePath returns <state_dir>/state.bin.
func (st *Store) StatePath() string { return filepath.Join(st.dir, stateName) }

// ReadPID returns the pid recorded in an existing PID file, if any. Absence
// is not an error.
func ReadPID(dir string) (int, bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, pidName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, true, nil
}

// Close removes the PID file and releases the lock.
func (st *Store) Close() error {
	if err := os.Remove(st.pidPath); err != nil && !os.IsNotExist(err) {
		st.log.Warn("pid file removal failed", zap.Error(err))
	}
	return st.lock.Unlock()
}

// Save writes configs to state.bin using the fixed field layout
// encodeSnapshot defines. Not crash-atomic: a temp-file-then-rename would
// be, but only durability across a normal shutdown is required here, and
// a partial write is already handled on the load side by returning the
// partial valid prefix.
func (st *Store) Save(configs []supervisor.ProcessConfig) error {
	f, err := os.OpenFile(st.StatePath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	buf := encodeSnapshot(configs)
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return f.Sync()
}

// Load reads state.bin and returns the configs it held. A missing file is
// not an error — it returns an empty slice, matching a fresh state
// directory's "nothing saved yet" case. Every decoded record is validated
// the same way an externally-submitted process_start config is; a record
// that fails validation is dropped and logged rather than handed to the
// supervisor.
func (st *Store) Load() ([]supervisor.ProcessConfig, error) {
	b, err := os.ReadFile(st.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	decoded := decodeSnapshot(b)
	configs := make([]supervisor.ProcessConfig, 0, len(decoded))
	for _, cfg := range decoded {
		if err := validate.Struct(cfg); err != nil {
			st.log.Warn("dropping invalid persisted config", zap.String("name", cfg.Name), zap.Error(err))
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
