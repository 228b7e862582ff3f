package utils

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("partial"))
		if err != nil {
			return err
		}
		return errors.New("disk on fire")
	})
	require.Error(t, err)
	got, _ := os.ReadFile(path)
	assert.Equal(t, "old", string(got), "failed writes leave the target alone")
	assert.NoFileExists(t, path+".tmp")

	require.NoError(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("new"))
		return err
	}))
	got, _ = os.ReadFile(path)
	assert.Equal(t, "new", string(got))
}

func TestPathResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0755))
	index := filepath.Join(dir, "data", "wiki.fel")
	require.NoError(t, os.WriteFile(index, []byte("x"), 0644))

	pr := &PathResolver{configDir: dir}
	got, err := pr.ResolveFile("wiki.fel")
	require.NoError(t, err)
	assert.Equal(t, index, got)

	got, err = pr.ResolveFile(index)
	require.NoError(t, err)
	assert.Equal(t, index, got)

	_, err = pr.ResolveFile("missing.fel")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = pr.ResolveFile("data")
	assert.Error(t, err, "directories are not index files")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "0", FormatWithCommas(0))
	assert.Equal(t, "999", FormatWithCommas(999))
	assert.Equal(t, "1,000", FormatWithCommas(1000))
	assert.Equal(t, "12,345,678", FormatWithCommas(12345678))

	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "3.0 MiB", FormatBytes(3<<20))
}
