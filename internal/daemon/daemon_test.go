package daemon

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velosd/velosd/internal/persistence"
	"github.com/velosd/velosd/internal/wire"
)

func TestNewWritesPIDFileAndSocket(t *testing.T) {
	dir := t.TempDir()
	d, err := New(Config{StateDir: dir})
	require.NoError(t, err)
	defer d.teardown()

	pid, ok, err := persistence.ReadPID(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, pid, 0)

	_, err = net.Dial("unix", filepath.Join(dir, "velos.sock"))
	require.NoError(t, err)
}

func TestRunShutsDownOnIPCShutdownCommand(t *testing.T) {
	dir := t.TempDir()
	d, err := New(Config{StateDir: dir})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.Dial("unix", filepath.Join(dir, "velos.sock"))
		return dialErr == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	req, err := wire.EncodeRequest(nil, wire.Request{ID: 1, Command: wire.CmdShutdown})
	require.NoError(t, err)
	frame, err := wire.EncodeFrame(nil, req)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after shutdown command")
	}

	_, ok, err := persistence.ReadPID(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}
