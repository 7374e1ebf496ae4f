// Package logwriter appends captured child output lines to per-process,
// per-stream files and rotates them by size.
//
// Rotation is hand-rolled rather than delegated to a library: this package
// needs an exact sequential rename-chain (delete .<retain>; rename
// .<k>->.<k+1> for k descending; rename current->.1), and no third-party
// rotation library produces that exact naming scheme — see DESIGN.md.
package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxSize is the default per-file rotation threshold (10 MiB).
const DefaultMaxSize = 10 * 1024 * 1024

// DefaultRetain is the default number of rotated files kept.
const DefaultRetain = 30

// StreamName is the closed set of stream suffixes used in file names.
type StreamName string

const (
	StreamOut StreamName = "out"
	StreamErr StreamName = "err"
)

type key struct {
	name   string
	stream StreamName
}

// Writer appends lines to <logDir>/<name>-<stream>.log, rotating each file
// independently once its tracked running size reaches maxSize.
type Writer struct {
	log    *zap.Logger
	logDir string

	mu    sync.Mutex
	sizes map[key]int64
	files map[key]*os.File
}

// New returns a Writer rooted at logDir, which must already exist.
func New(log *zap.Logger, logDir string) *Writer {
	return &Writer{
		log:    log,
		logDir: logDir,
		sizes:  make(map[key]int64),
		files:  make(map[key]*os.File),
	}
}

// Options configures a single Append call's rotation thresholds. Zero
// values fall back to DefaultMaxSize / DefaultRetain.
type Options struct {
	MaxSize int64
	Retain  int
}

func (o Options) normalize() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Retain <= 0 {
		o.Retain = DefaultRetain
	}
	return o
}

func (w *Writer) pathFor(name string, stream StreamName) string {
	return filepath.Join(w.logDir, fmt.Sprintf("%s-%s.log", name, stream))
}

// Append writes line plus exactly one trailing newline to the process's
// stream file, creating it if absent, then rotates if the running size
// has reached opts.MaxSize.
func (w *Writer) Append(name string, stream StreamName, line []byte, opts Options) error {
	opts = opts.normalize()
	k := key{name: name, stream: stream}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.openLocked(k)
	if err != nil {
		return err
	}

	n, err := f.Write(append(append([]byte{}, line...), '\n'))
	if err != nil {
		w.log.Error("log append failed", zap.String("process", name), zap.String("stream", string(stream)), zap.Error(err))
		return err
	}
	w.sizes[k] += int64(n)

	if w.sizes[k] >= opts.MaxSize {
		if err := w.rotateLocked(k, opts.Retain); err != nil {
			w.log.Error("log rotation failed", zap.String("process", name), zap.String("stream", string(stream)), zap.Error(err))
			return err
		}
	}
	return nil
}

func (w *Writer) openLocked(k key) (*os.File, error) {
	if f, ok := w.files[k]; ok {
		return f, nil
	}
	path := w.pathFor(k.name, k.stream)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.files[k] = f
	w.sizes[k] = info.Size()
	return f, nil
}

// rotateLocked performs the rename chain described in:
// delete .<retain> if present; rename .<j> -> .<j+1> for j from retain-1
// down to 1; rename the live file to .1; a fresh live file is opened lazily
// on the next Append.
func (w *Writer) rotateLocked(k key, retain int) error {
	base := w.pathFor(k.name, k.stream)

	if f, ok := w.files[k]; ok {
		_ = f.Close()
		delete(w.files, k)
	}
	delete(w.sizes, k)

	oldest := fmt.Sprintf("%s.%d", base, retain)
	_ = os.Remove(oldest)

	for j := retain - 1; j >= 1; j-- {
		src := fmt.Sprintf("%s.%d", base, j)
		dst := fmt.Sprintf("%s.%d", base, j+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}

	if err := os.Rename(base, base+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases all open file handles.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for k, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, k)
	}
	return first
}
