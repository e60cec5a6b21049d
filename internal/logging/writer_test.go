package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_RotatesAtSizeLimit(t *testing.T) {
	// Given: a writer with a tiny rotation threshold
	path := filepath.Join(t.TempDir(), "server.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	w.maxSize = 16

	_, err = w.Write([]byte("first entry\n"))
	require.NoError(t, err)

	// When: the next write pushes past the threshold
	_, err = w.Write([]byte("second entry\n"))
	require.NoError(t, err)

	// Then: the first entry moved to the rotated file
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second entry\n", string(current))

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "first entry\n", string(rotated))
}

func TestRotatingWriter_DropsFilesBeyondMaxFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	w.maxSize = 4

	for _, entry := range []string{"one\n", "two\n", "three\n", "four\n"} {
		_, err = w.Write([]byte(entry))
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_RotationFailureReturnsError(t *testing.T) {
	// Given: a writer whose log directory disappears out from under it
	dir := filepath.Join(t.TempDir(), "logs")
	path := filepath.Join(dir, "server.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	w.maxSize = 1
	require.NoError(t, os.RemoveAll(dir))

	// When: a write triggers a rotation that cannot reopen the file
	_, err = w.Write([]byte("entry\n"))

	// Then: the write fails cleanly instead of panicking
	require.Error(t, err)

	// And: writes resume once the directory is back
	require.NoError(t, os.MkdirAll(dir, 0o755))
	_, err = w.Write([]byte("entry\n"))
	assert.NoError(t, err)
}
