package logcollector

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/velosd/velosd/internal/logwriter"
	"github.com/velosd/velosd/internal/ringbuf"
)

type fakeDeregisterer struct {
	removed []int
}

func (f *fakeDeregisterer) RemoveFD(fd int) error {
	f.removed = append(f.removed, fd)
	return nil
}

func mkNonblockingPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))
	return r, w
}

func TestHandlePipeDataSplitsLinesAndRoutes(t *testing.T) {
	dir := t.TempDir()
	writer := logwriter.New(zap.NewNop(), dir)
	defer writer.Close()

	c := New(zap.NewNop(), writer, &fakeDeregisterer{}, 10)

	outR, outW := mkNonblockingPipe(t)
	defer outW.Close()
	errR, errW := mkNonblockingPipe(t)
	defer errW.Close()

	c.AddProcess(1, "svc", int(outR.Fd()), int(errR.Fd()), RotationOptions{})

	_, err := outW.Write([]byte("line one\nline two\npartial"))
	require.NoError(t, err)

	require.NoError(t, c.HandlePipeData(int(outR.Fd())))

	entries, err := c.ReadLast(1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "line one", string(entries[0].Message))
	assert.Equal(t, "line two", string(entries[1].Message))
	assert.Equal(t, "partial", string(entries[2].Message))
	assert.Equal(t, ringbuf.LevelInfo, entries[0].Level)
}

func TestHandlePipeDataTagsStderrLinesAsError(t *testing.T) {
	dir := t.TempDir()
	writer := logwriter.New(zap.NewNop(), dir)
	defer writer.Close()

	c := New(zap.NewNop(), writer, &fakeDeregisterer{}, 10)

	outR, outW := mkNonblockingPipe(t)
	defer outW.Close()
	errR, errW := mkNonblockingPipe(t)
	defer errW.Close()

	c.AddProcess(2, "svc", int(outR.Fd()), int(errR.Fd()), RotationOptions{})

	_, err := errW.Write([]byte("boom\n"))
	require.NoError(t, err)
	require.NoError(t, c.HandlePipeData(int(errR.Fd())))

	entries, err := c.ReadLast(2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", string(entries[0].Message))
	assert.Equal(t, ringbuf.LevelError, entries[0].Level)
	assert.Equal(t, ringbuf.StreamStderr, entries[0].Stream)
}

func TestHandlePipeDataUnknownFDIsNoop(t *testing.T) {
	c := New(zap.NewNop(), nil, &fakeDeregisterer{}, 10)
	assert.NoError(t, c.HandlePipeData(99999))
}

func TestClosePipeDeregistersBeforeClose(t *testing.T) {
	dereg := &fakeDeregisterer{}
	c := New(zap.NewNop(), nil, dereg, 10)

	r, w := mkNonblockingPipe(t)
	defer w.Close()
	fd := int(r.Fd())

	c.AddProcess(1, "svc", fd, fd, RotationOptions{})
	c.ClosePipe(fd)

	assert.Contains(t, dereg.removed, fd)
}

func TestReadLastUnknownProcess(t *testing.T) {
	c := New(zap.NewNop(), nil, &fakeDeregisterer{}, 10)
	_, err := c.ReadLast(42, 10)
	assert.Error(t, err)
}

func TestRemoveProcessClearsState(t *testing.T) {
	dereg := &fakeDeregisterer{}
	c := New(zap.NewNop(), nil, dereg, 10)

	outR, outW := mkNonblockingPipe(t)
	defer outW.Close()
	errR, errW := mkNonblockingPipe(t)
	defer errW.Close()

	c.AddProcess(5, "svc", int(outR.Fd()), int(errR.Fd()), RotationOptions{})
	c.RemoveProcess(5)

	_, err := c.ReadLast(5, 10)
	assert.Error(t, err)
}
