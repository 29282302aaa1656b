// Package local_test tests the local filesystem blob sink.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilialebedev/metafetcher/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		sink, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, sink)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesMissingDirectory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp(t.TempDir(), "testfile")
		require.NoError(t, err)
		require.NoError(t, tempFile.Close())

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	sink, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("WritesFile", func(t *testing.T) {
		uri, err := sink.PutObject(context.Background(),
			"meta_snapshot/music.json", "application/json", bytes.NewBufferString(`{"buckets":{}}`))
		require.NoError(t, err)
		assert.Contains(t, uri, "file://")

		data, err := os.ReadFile(filepath.Join(tempDir, "meta_snapshot", "music.json"))
		require.NoError(t, err)
		assert.Equal(t, `{"buckets":{}}`, string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := sink.PutObject(context.Background(), "  ", "", bytes.NewBuffer(nil))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := sink.PutObject(context.Background(), "../escape.json", "", bytes.NewBuffer(nil))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := sink.PutObject(context.Background(), "doc.json", "", bytes.NewBufferString("one"))
		require.NoError(t, err)
		_, err = sink.PutObject(context.Background(), "doc.json", "", bytes.NewBufferString("two"))
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(tempDir, "doc.json"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})
}
