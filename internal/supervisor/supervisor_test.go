package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestStartProcessListStopDelete(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	id, err := sup.StartProcess(ProcessConfig{
		Name:   "test",
		Script: script,
		Cwd:    dir,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	pending := sup.DrainPendingPipeFDs()
	require.Len(t, pending, 2)
	for _, p := range pending {
		defer unix.Close(p.FD)
	}

	list := sup.List()
	require.Len(t, list, 1)
	assert.Equal(t, "test", list[0].Name)
	assert.Equal(t, StatusRunning, list[0].Status)
	assert.Greater(t, list[0].Pid, 0)

	require.NoError(t, sup.StopProcess(id, int(unix.SIGTERM), 5000))
	sup.HandleSIGCHLD()

	require.NoError(t, sup.DeleteProcess(id))
	assert.Empty(t, sup.List())
}

func TestStopProcessIsNoopWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 0")

	sup := New(zap.NewNop(), nil)
	id, err := sup.StartProcess(ProcessConfig{Name: "t", Script: script, Cwd: dir, AutoRestart: false})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	time.Sleep(100 * time.Millisecond)
	sup.HandleSIGCHLD()

	assert.NoError(t, sup.StopProcess(id, int(unix.SIGTERM), 1000))
}

func TestStopProcessHonorsExplicitZeroTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	id, err := sup.StartProcess(ProcessConfig{Name: "t", Script: script, Cwd: dir})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	require.NoError(t, sup.StopProcess(id, int(unix.SIGTERM), 0))

	due := sup.pendingKill.due(now())
	require.Contains(t, due, id, "timeoutMS=0 must escalate immediately, not after the 5s default grace period")
}

func TestCheckPendingKillsEscalatesToSigkill(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 0")

	sup := New(zap.NewNop(), nil)
	id, err := sup.StartProcess(ProcessConfig{Name: "t", Script: script, Cwd: dir})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	time.Sleep(100 * time.Millisecond)
	sup.HandleSIGCHLD() // already exited; Pid is now stale/reaped

	sup.pendingKill.push(id, now().Add(-time.Second))
	assert.NotPanics(t, func() { sup.CheckPendingKills() })
}

func TestDeleteProcessUnknownIDErrors(t *testing.T) {
	sup := New(zap.NewNop(), nil)
	assert.Error(t, sup.DeleteProcess(99))
}

func TestDeleteProcessClearsProcessTable(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	id, err := sup.StartProcess(ProcessConfig{Name: "t", Script: script, Cwd: dir})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	require.NoError(t, sup.DeleteProcess(id))

	_, ok := sup.Get(id)
	assert.False(t, ok)
}
