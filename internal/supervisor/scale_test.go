package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestScaleClusterUpFromSingle(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	_, err := sup.StartProcess(ProcessConfig{Name: "web", Script: script, Cwd: dir, Instances: 1})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	started, stopped, err := sup.ScaleCluster("web", 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), started)
	assert.Equal(t, uint32(0), stopped)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	members := sup.clusterMembers("web")
	require.Len(t, members, 3)
	assert.Equal(t, "web:0", members[0].pi.Name)
	assert.Equal(t, "web:1", members[1].pi.Name)
	assert.Equal(t, "web:2", members[2].pi.Name)

	for _, m := range members {
		_ = sup.DeleteProcess(m.pi.ID)
	}
}

func TestScaleClusterSameTargetIsNoop(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	_, err := sup.StartProcess(ProcessConfig{Name: "web", Script: script, Cwd: dir, Instances: 1})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	started, stopped, err := sup.ScaleCluster("web", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), started)
	assert.Equal(t, uint32(0), stopped)
}

func TestScaleClusterDown(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 60")

	sup := New(zap.NewNop(), nil)
	_, err := sup.StartProcess(ProcessConfig{Name: "web", Script: script, Cwd: dir, Instances: 1})
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	_, _, err = sup.ScaleCluster("web", 4)
	require.NoError(t, err)
	for _, p := range sup.DrainPendingPipeFDs() {
		defer unix.Close(p.FD)
	}

	started, stopped, err := sup.ScaleCluster("web", 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), started)
	assert.Equal(t, uint32(2), stopped)

	time.Sleep(100 * time.Millisecond)
	sup.HandleSIGCHLD()

	var running int
	for _, m := range sup.clusterMembers("web") {
		if m.pi.Status == StatusRunning {
			running++
		}
	}
	assert.Equal(t, 2, running)
}
