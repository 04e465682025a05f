package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_StatusSucceedsAgainstFreshNotesRoot(t *testing.T) {
	notesRoot := t.TempDir()

	code := run([]string{"status", "--notes-root", notesRoot}, os.Environ())

	assert.Equal(t, 0, code)
}

func TestRun_ReindexSucceedsAgainstFreshNotesRoot(t *testing.T) {
	notesRoot := t.TempDir()

	code := run([]string{"reindex", "--notes-root", notesRoot}, os.Environ())

	assert.Equal(t, 0, code)
}

func TestRun_UnknownSubcommandReturnsNonZero(t *testing.T) {
	notesRoot := t.TempDir()

	code := run([]string{"bogus", "--notes-root", notesRoot}, os.Environ())

	assert.Equal(t, 1, code)
}

func TestRun_NoArgsPrintsUsageAndReturnsNonZero(t *testing.T) {
	code := run(nil, os.Environ())

	assert.Equal(t, 1, code)
}

func TestHistoryFile_ReturnsPathUnderHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	want := filepath.Join(home, ".notecorectl_history")
	assert.Equal(t, want, historyFile())
}
