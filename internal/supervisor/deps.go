package supervisor

import (
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/cronexpr"
	"github.com/velosd/velosd/internal/filewatch"
)

// setNonblock marks f's fd non-blocking.
func setNonblock(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// newFileWatcher constructs a filewatch.Watcher; its exported methods
// already satisfy the supervisor's watcher interface structurally.
func newFileWatcher(log *zap.Logger, cwd, paths, ignore string, delayMS uint32) (procWatcher, error) {
	return filewatch.New(log, cwd, paths, ignore, time.Duration(delayMS)*time.Millisecond)
}

// newCronExpr parses expr; *cronexpr.Expr already satisfies cronSchedule.
func newCronExpr(expr string) (cronSchedule, error) {
	return cronexpr.Parse(expr)
}
