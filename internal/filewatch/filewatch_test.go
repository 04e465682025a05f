package filewatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arlojensen/notecore/internal/filewatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DeliversEventForNewFile(t *testing.T) {
	root := t.TempDir()

	w, err := filewatch.New(root, 30*time.Millisecond)
	require.NoError(t, err)

	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	path := filepath.Join(root, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatcher_SuppressedPathDoesNotDeliver(t *testing.T) {
	root := t.TempDir()

	w, err := filewatch.New(root, 30*time.Millisecond)
	require.NoError(t, err)

	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	path := filepath.Join(root, "note.md")
	w.Suspend(path)

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event while suppressed, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ResumeAfterAllowsFutureEvents(t *testing.T) {
	root := t.TempDir()

	w, err := filewatch.New(root, 30*time.Millisecond)
	require.NoError(t, err)

	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	path := filepath.Join(root, "note.md")
	w.Suspend(path)
	w.ResumeAfter(path, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after resume")
	}
}

func TestWatcher_BurstOfWritesDebouncesToOneEvent(t *testing.T) {
	root := t.TempDir()

	w, err := filewatch.New(root, 100*time.Millisecond)
	require.NoError(t, err)

	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	path := filepath.Join(root, "note.md")

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected burst to coalesce into one event, got extra %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
