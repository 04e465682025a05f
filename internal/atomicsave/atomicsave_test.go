package atomicsave_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arlojensen/notecore/internal/atomicsave"
	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/arlojensen/notecore/pkg/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Save_HappyPathWritesContentAndMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.rtf")
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	doc := notedoc.Document{ID: "doc-123", Path: path}

	result := writer.Save(doc, []byte("BODY"), nil)

	require.True(t, result.Success)
	assert.True(t, result.FullyAtomic())
	assert.False(t, result.UsedFallback)

	gotContent, err := realFS.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "BODY", string(gotContent))

	metaBytes, err := realFS.ReadFile(atomicsave.MetaPath(path))
	require.NoError(t, err)

	var meta notedoc.Metadata

	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, "doc-123", meta.ID)
	assert.Empty(t, meta.Extensions)
}

func TestWriter_Save_EmptyContentProducesZeroByteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.md")
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	result := writer.Save(notedoc.Document{ID: "doc-1", Path: path}, []byte{}, nil)

	require.True(t, result.Success)

	info, err := realFS.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestWriter_Save_PreservesUnknownExtensionKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	realFS := fs.NewReal()

	existing := notedoc.Metadata{
		ID:         "doc-1",
		Extensions: map[string]any{"color": "blue", "pinned": true},
	}
	existingBytes, err := json.Marshal(existing)
	require.NoError(t, err)
	require.NoError(t, realFS.WriteFile(atomicsave.MetaPath(path), existingBytes, 0o644))

	writer := atomicsave.New(realFS)

	result := writer.Save(notedoc.Document{ID: "doc-1", Path: path}, []byte("hello"), nil)
	require.True(t, result.Success)

	metaBytes, err := realFS.ReadFile(atomicsave.MetaPath(path))
	require.NoError(t, err)

	var meta notedoc.Metadata

	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, "blue", meta.Extensions["color"])
	assert.Equal(t, true, meta.Extensions["pinned"])
}

func TestWriter_Save_NoTempFilesLeftBehindOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	result := writer.Save(notedoc.Document{ID: "doc-1", Path: path}, []byte("hello"), nil)
	require.True(t, result.Success)

	entries, err := realFS.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2) // content file + meta.json, no .atomic.tmp leftovers
}

func TestWriter_Save_FallsBackWhenContentTempWriteFails(t *testing.T) {
	dir := t.TempDir()
	// Use a path whose parent directory doesn't exist so writing the content
	// temp file fails, forcing the fallback path.
	path := filepath.Join(dir, "missing-parent", "note.md")
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	var fallbackCalled bool

	legacy := func(content []byte) error {
		fallbackCalled = true

		return nil
	}

	result := writer.Save(notedoc.Document{ID: "doc-1", Path: path}, []byte("hello"), legacy)

	assert.True(t, result.UsedFallback)
	assert.True(t, fallbackCalled)
	assert.False(t, result.FullyAtomic())
}

func TestWriter_Save_FallbackReportsContentSaveFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing-parent", "note.md")
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	legacyErr := errors.New("disk full")
	legacy := func(content []byte) error {
		return legacyErr
	}

	result := writer.Save(notedoc.Document{ID: "doc-1", Path: path}, []byte("hello"), legacy)

	assert.True(t, result.UsedFallback)
	assert.False(t, result.ContentSaved)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
}

func TestMetrics_SuccessRate(t *testing.T) {
	dir := t.TempDir()
	realFS := fs.NewReal()
	writer := atomicsave.New(realFS)

	writer.Save(notedoc.Document{ID: "d1", Path: filepath.Join(dir, "a.md")}, []byte("a"), nil)
	writer.Save(notedoc.Document{ID: "d2", Path: filepath.Join(dir, "missing", "b.md")}, []byte("b"), nil)

	assert.InDelta(t, 0.5, writer.Metrics().SuccessRate(), 0.0001)
}
