package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "mcp-server.pid")
	p := New(path)

	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring our own file is fine.
	require.NoError(t, p.Acquire())

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp-server.pid")
	// The parent process (the test runner) is alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := New(path).Acquire()
	assert.ErrorIs(t, err, ErrRunning)
}

func TestAcquireOverwritesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp-server.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	p := New(path)
	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp-server.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))

	require.NoError(t, New(path).Release())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
