package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadProcComm(t *testing.T) {
	comm, err := readProcComm(os.Getpid())
	require.NoError(t, err)

	// comm is truncated to 15 bytes by the kernel
	exe, err := os.Executable()
	require.NoError(t, err)
	base := filepath.Base(exe)
	if len(base) > 15 {
		base = base[:15]
	}
	assert.Equal(t, base, comm)
}

func TestReadProcCommArgs(t *testing.T) {
	args, err := readProcCommArgs(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Args[1:], args)
}

func TestCheckPid(t *testing.T) {
	assert.True(t, checkPid(os.Getpid()))
	assert.False(t, checkPid(1<<30))
}

func TestLoadThreadList(t *testing.T) {
	p := &Process{Pid: os.Getpid()}
	tids, err := p.loadThreadList()
	require.NoError(t, err)
	assert.Contains(t, tids, os.Getpid())
}
