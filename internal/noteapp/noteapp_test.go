package noteapp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arlojensen/notecore/internal/config"
	"github.com/arlojensen/notecore/internal/noteapp"
	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAppWithFastRetries(t *testing.T, desktopDir string) *noteapp.App {
	t.Helper()

	cfg := config.Default()
	cfg.NotesRootPath = t.TempDir()
	cfg.AutoSaveInterval = 50 * time.Millisecond
	cfg.WalFlushInterval = 50 * time.Millisecond
	cfg.ProjectionPollInterval = 20 * time.Millisecond
	cfg.SaveRetryDelays = []config.Duration{config.Duration(time.Millisecond), config.Duration(time.Millisecond)}

	app, err := noteapp.Open(context.Background(), cfg, noteapp.Deps{DesktopDir: desktopDir})
	require.NoError(t, err)

	t.Cleanup(func() { app.Shutdown(context.Background()) })

	return app
}

func newTestApp(t *testing.T) *noteapp.App {
	t.Helper()

	notesRoot := t.TempDir()
	desktopDir := t.TempDir()

	cfg := config.Default()
	cfg.NotesRootPath = notesRoot
	cfg.AutoSaveInterval = 50 * time.Millisecond
	cfg.WalFlushInterval = 50 * time.Millisecond
	cfg.ProjectionPollInterval = 20 * time.Millisecond

	app, err := noteapp.Open(context.Background(), cfg, noteapp.Deps{DesktopDir: desktopDir})
	require.NoError(t, err)

	t.Cleanup(func() { app.Shutdown(context.Background()) })

	return app
}

func TestOpen_WiresEveryComponentWithoutError(t *testing.T) {
	app := newTestApp(t)
	assert.NotNil(t, app)

	status := app.GetStatus()
	assert.Equal(t, int64(0), status.CurrentStreamPos)
	assert.Len(t, status.ProjectionStatuses, 3)
}

func TestOpenDocument_RecordsEventAndMakesNoteVisibleInTreeProjection(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	doc := notedoc.Document{Path: filepath.Join("notes", "todo.md"), Title: "todo", Content: []byte("buy milk")}

	require.NoError(t, app.OpenDocument(ctx, doc, ""))

	status := app.GetStatus()
	assert.Equal(t, int64(1), status.CurrentStreamPos)

	for _, s := range status.ProjectionStatuses {
		assert.True(t, s.UpToDate, "projection %s should have caught up to the note_created event", s.Name)
	}
}

func TestMarkDirtyThenForceSaveAll_PersistsContentToDisk(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	doc := notedoc.Document{ID: "note-1", Path: path, Title: "note", Content: []byte("v2 edited")}

	app.MarkDirty(doc)
	app.ForceSaveAll(ctx)

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(path)
		return err == nil && string(content) == "v2 edited"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestForceSaveAll_TerminalFailureDumpsDocumentContentToDesktop(t *testing.T) {
	desktopDir := t.TempDir()
	app := newTestAppWithFastRetries(t, desktopDir)
	ctx := context.Background()

	// A path that is itself a directory can never be opened for writing,
	// so every retry attempt fails and the coordinator's final-failure
	// path fires.
	unwritable := t.TempDir()

	content := []byte("the paragraph the user never got to save")
	doc := notedoc.Document{ID: "note-1", Path: unwritable, Title: "unsaveable", Content: content}

	app.MarkDirty(doc)
	app.ForceSaveAll(ctx)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(desktopDir)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := os.ReadDir(desktopDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	dumped, err := os.ReadFile(filepath.Join(desktopDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, content, dumped)
}

func TestReindex_RebuildsProjectionsWithoutError(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	doc := notedoc.Document{Path: filepath.Join("notes", "a.md"), Title: "a", Content: []byte("content")}
	require.NoError(t, app.OpenDocument(ctx, doc, ""))

	require.NoError(t, app.Reindex(ctx))

	status := app.GetStatus()
	for _, s := range status.ProjectionStatuses {
		assert.True(t, s.UpToDate)
	}
}

func TestShutdown_IsSafeToCallMultipleTimes(t *testing.T) {
	notesRoot := t.TempDir()
	desktopDir := t.TempDir()

	cfg := config.Default()
	cfg.NotesRootPath = notesRoot

	app, err := noteapp.Open(context.Background(), cfg, noteapp.Deps{DesktopDir: desktopDir})
	require.NoError(t, err)

	ctx := context.Background()
	app.Shutdown(ctx)
	app.Shutdown(ctx)
}
