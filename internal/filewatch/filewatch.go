// Package filewatch implements velosd's per-process file watcher: a
// debounced "did anything change under these paths" signal that
// CheckForChanges polls non-blockingly from the daemon's single-threaded
// loop.
//
// Rather than hand-rolling the kqueue EVFILT_VNODE / inotify plumbing
// directly, this sits on top of github.com/fsnotify/fsnotify, which
// already wraps exactly those two primitives per platform. Our own code
// is only the debounce state machine layered on top of its event channel.
package filewatch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDelay is the debounce window used when a caller configures zero.
const DefaultDelay = 1000 * time.Millisecond

// Watcher debounces fsnotify events across a set of paths for one process.
// Not safe for concurrent use beyond the single event-loop goroutine that
// owns it.
type Watcher struct {
	log   *zap.Logger
	fsw   *fsnotify.Watcher
	delay time.Duration

	ignore []string

	mu            sync.Mutex
	lastChangeMS  int64
}

// NowMS is the clock source; overridable in tests.
var NowMS = func() int64 { return time.Now().UnixMilli() }

// New creates a Watcher rooted at cwd. paths is a semicolon-separated list
// of absolute or cwd-relative paths (empty ⇒ watch cwd itself); ignore is a
// semicolon-separated list of substrings that exclude a path from
// registration; delay is the debounce window (<=0 ⇒ DefaultDelay).
func New(log *zap.Logger, cwd, paths, ignore string, delay time.Duration) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDelay
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:    log,
		fsw:    fsw,
		delay:  delay,
		ignore: splitNonEmpty(ignore),
	}

	targets := splitNonEmpty(paths)
	if len(targets) == 0 {
		targets = []string{cwd}
	}

	for _, p := range targets {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		if w.matchesIgnore(abs) {
			continue
		}
		if err := fsw.Add(abs); err != nil {
			log.Warn("file watch add failed", zap.String("path", abs), zap.Error(err))
			continue
		}
	}

	return w, nil
}

func (w *Watcher) matchesIgnore(path string) bool {
	for _, pat := range w.ignore {
		if strings.Contains(path, pat) {
			return true
		}
	}
	return false
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckForChanges drains any pending fsnotify events non-blockingly,
// updates the debounce clock on activity, and reports whether the debounce
// window has elapsed since the last observed change — clearing the clock
// when it fires
func (w *Watcher) CheckForChanges() bool {
	now := NowMS()

	seen := false
drain:
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				break drain
			}
			if w.matchesIgnore(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				seen = true
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				break drain
			}
			if err != nil {
				w.log.Debug("file watch error", zap.Error(err))
			}
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if seen {
		w.lastChangeMS = now
	}

	if w.lastChangeMS != 0 && now-w.lastChangeMS >= w.delay.Milliseconds() {
		w.lastChangeMS = 0
		return true
	}
	return false
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
