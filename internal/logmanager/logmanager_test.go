package logmanager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinksAppendAcrossOpens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	m, err := New(dir, "Do Nothing")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w, err := m.Stdout()
		require.NoError(t, err)
		_, err = w.Write([]byte("hello\n"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	stdout, stderr := m.Paths()
	assert.Equal(t, filepath.Join(dir, "Do_Nothing.stdout.log"), stdout)
	assert.Equal(t, filepath.Join(dir, "Do_Nothing.stderr.log"), stderr)

	b, err := os.ReadFile(stdout)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "hello"))
	assert.Equal(t, 2, strings.Count(string(b), "==== Do_Nothing opened"))
}

func TestStderrSeparate(t *testing.T) {
	m, err := New(t.TempDir(), "redis")
	require.NoError(t, err)
	w, err := m.Stderr()
	require.NoError(t, err)
	_, _ = w.Write([]byte("boom\n"))
	require.NoError(t, w.Close())

	stdout, stderr := m.Paths()
	_, err = os.Stat(stdout)
	assert.True(t, os.IsNotExist(err))
	b, err := os.ReadFile(stderr)
	require.NoError(t, err)
	assert.Contains(t, string(b), "boom")
}
