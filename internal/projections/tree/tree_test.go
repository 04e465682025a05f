package tree_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/projections/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *tree.Projection {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tree.db")

	proj, err := tree.Open(context.Background(), path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = proj.Close() })

	return proj
}

func TestCategoryCreated_InsertsRootCategory(t *testing.T) {
	proj := open(t)

	err := proj.Handle(events.Envelope{
		StreamPosition: 1,
		Type:           events.TypeCategoryCreated,
		Payload:        &events.CategoryCreated{ID: "work", DisplayPath: "Work", Name: "Work"},
	})
	require.NoError(t, err)

	children, err := proj.Children("")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Work", children[0].DisplayPath)
	assert.Equal(t, "work", children[0].CanonicalPath)
}

func TestCategoryRenamed_CascadesToDescendantNoteDisplayPath(t *testing.T) {
	proj := open(t)

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeCategoryCreated,
		Payload: &events.CategoryCreated{ID: "work", DisplayPath: "Work", Name: "Work"},
	}))
	require.NoError(t, proj.Handle(events.Envelope{
		Type: events.TypeNoteCreated,
		Payload: &events.NoteCreated{
			ID: "todo", CategoryID: "work", Name: "todo", DisplayPath: "Work/todo",
		},
	}))

	require.NoError(t, proj.Handle(events.Envelope{
		Type: events.TypeCategoryRenamed,
		Payload: &events.CategoryRenamed{
			ID: "work", OldDisplayPath: "Work", NewDisplayPath: "Projects",
		},
	}))

	children, err := proj.Children("")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Projects", children[0].DisplayPath)
	assert.Equal(t, "projects", children[0].CanonicalPath)

	noteChildren, err := proj.Children("work")
	require.NoError(t, err)
	require.Len(t, noteChildren, 1)
	assert.Equal(t, "Projects/todo", noteChildren[0].DisplayPath)
	assert.Equal(t, "projects/todo", noteChildren[0].CanonicalPath)
}

func TestNotePinned_TogglesIsPinnedOnly(t *testing.T) {
	proj := open(t)

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeNoteCreated,
		Payload: &events.NoteCreated{ID: "n1", DisplayPath: "n1", Name: "n1"},
	}))

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeNotePinned,
		Payload: &events.NotePinned{ID: "n1"},
	}))

	children, err := proj.Children("")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, children[0].IsPinned)

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeNoteUnpinned,
		Payload: &events.NoteUnpinned{ID: "n1"},
	}))

	children, err = proj.Children("")
	require.NoError(t, err)
	assert.False(t, children[0].IsPinned)
}

func TestNoteDeleted_IsHardDelete(t *testing.T) {
	proj := open(t)

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeNoteCreated,
		Payload: &events.NoteCreated{ID: "n1", DisplayPath: "n1", Name: "n1"},
	}))
	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeNoteDeleted,
		Payload: &events.NoteDeleted{ID: "n1"},
	}))

	children, err := proj.Children("")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestRebuild_ClearsBackingTable(t *testing.T) {
	proj := open(t)

	require.NoError(t, proj.Handle(events.Envelope{
		Type:    events.TypeCategoryCreated,
		Payload: &events.CategoryCreated{ID: "work", DisplayPath: "Work", Name: "Work"},
	}))
	require.NoError(t, proj.SetLastProcessedPosition(1))

	err := proj.Rebuild()
	require.NoError(t, err)

	children, err := proj.Children("")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestCheckpoint_RoundTripsThroughSetAndGet(t *testing.T) {
	proj := open(t)

	assert.Equal(t, int64(0), proj.GetLastProcessedPosition())

	require.NoError(t, proj.SetLastProcessedPosition(42))
	assert.Equal(t, int64(42), proj.GetLastProcessedPosition())

	require.NoError(t, proj.SetLastProcessedPosition(43))
	assert.Equal(t, int64(43), proj.GetLastProcessedPosition())
}
