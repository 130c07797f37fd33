package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "toolrun.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriter_Rotates(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "toolrun.log")

	rw, err := NewRotatingWriter(logFile, 0, 7, false)
	require.NoError(t, err)

	_, err = rw.Write([]byte("first\n"))
	require.NoError(t, err)
	assert.Empty(t, rw.Rotated())

	_, err = rw.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	rotated := rw.Rotated()
	require.Len(t, rotated, 1)
	old, err := os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(old))

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(current))

	_, err = rw.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriter_Compresses(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "toolrun.log")

	rw, err := NewRotatingWriter(logFile, 0, 7, true)
	require.NoError(t, err)
	_, _ = rw.Write([]byte("first\n"))
	_, _ = rw.Write([]byte("second\n"))
	require.NoError(t, rw.Close())

	rotated := rw.Rotated()
	require.Len(t, rotated, 1)
	assert.True(t, strings.HasSuffix(rotated[0], ".gz"))
}

func TestRotatingWriter_RemovesExpired(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "toolrun.log")

	expired := logFile + "." + time.Now().AddDate(0, 0, -30).Format(rotatedTimeFormat) + ".gz"
	recent := logFile + "." + time.Now().Add(-time.Hour).Format(rotatedTimeFormat)
	unrelated := logFile + ".bak"
	for _, name := range []string{expired, recent, unrelated} {
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
	}

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	assert.NoFileExists(t, expired)
	assert.FileExists(t, recent)
	assert.FileExists(t, unrelated)
}
