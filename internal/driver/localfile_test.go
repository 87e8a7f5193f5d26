package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileWriterWritesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.s3g")
	w, err := NewLocalFileWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Write([]byte("abc")))
	require.NoError(t, w.Write([]byte("def")))
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(content))
}

func TestLocalFileWriterDropsWritesAfterExternalStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.s3g")
	w, err := NewLocalFileWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Write([]byte("abc")))
	w.SetExternalStop()
	require.NoError(t, w.Write([]byte("def")))
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}
