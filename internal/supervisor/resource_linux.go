//go:build linux

package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var pageSize = int64(os.Getpagesize())

// sampleRSS reads the resident set size of pid in bytes: the second field
// of /proc/<pid>/statm, in pages, times the page size.
func sampleRSS(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 256), 256)
	if !sc.Scan() {
		return 0, fmt.Errorf("read statm: %w", sc.Err())
	}

	fields := strings.Fields(sc.Text())
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm for pid %d", pid)
	}

	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm rss field: %w", err)
	}

	return uint64(pages * pageSize), nil
}
