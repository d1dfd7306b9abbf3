package filestore

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestSaveAndCollisionSuffix(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewWithFS(fs, "/downloads", testLogger())

	folder, err := s.NewBatchFolder("batch")
	require.NoError(t, err)

	first, err := s.Save(folder, "notes.pdf", []byte("one"))
	require.NoError(t, err)
	require.Equal(t, "notes.pdf", first)

	second, err := s.Save(folder, "notes.pdf", []byte("two"))
	require.NoError(t, err)
	require.Equal(t, "notes (1).pdf", second)

	third, err := s.Save(folder, "notes.pdf", []byte("three"))
	require.NoError(t, err)
	require.Equal(t, "notes (2).pdf", third)

	data, err := afero.ReadFile(fs, filepath.Join("/downloads", folder, "notes (1).pdf"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)
}

func TestSaveSanitizesName(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewWithFS(fs, "/downloads", testLogger())

	folder, err := s.NewBatchFolder("batch")
	require.NoError(t, err)

	name, err := s.Save(folder, `lec/ture:*?.pdf`, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "lec_ture___.pdf", name)
}

func TestBatchFoldersAreDistinct(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewWithFS(fs, "/downloads", testLogger())

	first, err := s.NewBatchFolder("batch")
	require.NoError(t, err)

	second, err := s.NewBatchFolder("batch")
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	// Same filename in different batches does not collide.
	nameA, err := s.Save(first, "notes.pdf", []byte("a"))
	require.NoError(t, err)
	nameB, err := s.Save(second, "notes.pdf", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, nameA, nameB)
}
