// Package events defines the tagged-union event types that flow through
// the event store and drive every projection. Each event carries a stable
// Type tag used for serialization and skip-on-unknown-tag replay.
package events

import "time"

// Type is the stable, content-addressed tag identifying an event's shape.
// Replay code switches on Type rather than on a concrete Go type so that
// forward/backward compatibility is explicit.
type Type string

const (
	TypeCategoryCreated  Type = "category_created"
	TypeCategoryRenamed  Type = "category_renamed"
	TypeCategoryMoved    Type = "category_moved"
	TypeCategoryDeleted  Type = "category_deleted"
	TypeCategoryPinned   Type = "category_pinned"
	TypeCategoryUnpinned Type = "category_unpinned"

	TypeNoteCreated  Type = "note_created"
	TypeNoteRenamed  Type = "note_renamed"
	TypeNoteMoved    Type = "note_moved"
	TypeNotePinned   Type = "note_pinned"
	TypeNoteUnpinned Type = "note_unpinned"
	TypeNoteDeleted  Type = "note_deleted"

	TypeNoteTagsSet Type = "note_tags_set"
)

// Envelope is the durable, immutable record appended to the event store.
// Payload is a Type-specific struct from this package, already decoded;
// the event store itself only deals in raw bytes plus the Type tag.
type Envelope struct {
	StreamPosition int64
	Type           Type
	OccurredAt     time.Time
	Payload        any
}

// CategoryCreated is emitted when a new category (tree folder) is made.
type CategoryCreated struct {
	ID          string
	ParentID    string
	DisplayPath string
	Name        string
	SortOrder   int
}

// CategoryRenamed changes a category's Name/DisplayPath; descendants
// cascade in the tree projection.
type CategoryRenamed struct {
	ID             string
	OldDisplayPath string
	NewDisplayPath string
}

// CategoryMoved reparents a category under a new parent.
type CategoryMoved struct {
	ID             string
	NewParentID    string
	NewDisplayPath string
}

// CategoryDeleted removes a category; the projection cascades the delete
// to descendants.
type CategoryDeleted struct {
	ID string
}

// CategoryPinned / CategoryUnpinned toggle a category's pin flag.
type CategoryPinned struct{ ID string }
type CategoryUnpinned struct{ ID string }

// NoteCreated is emitted when a note file is first indexed.
type NoteCreated struct {
	ID            string
	CategoryID    string
	Name          string
	FileExtension string
	DisplayPath   string
	AbsolutePath  string
	SortOrder     int
}

// NoteRenamed changes a note's Name/DisplayPath.
type NoteRenamed struct {
	ID             string
	NewName        string
	NewDisplayPath string
}

// NoteMoved reparents a note under a new category.
type NoteMoved struct {
	ID             string
	NewCategoryID  string
	NewDisplayPath string
}

// NotePinned / NoteUnpinned toggle a note's pin flag.
type NotePinned struct{ ID string }
type NoteUnpinned struct{ ID string }

// NoteDeleted removes a note's tree row (and, via the search projection,
// its FTS row).
type NoteDeleted struct{ ID string }

// NoteTagsSet replaces an entity's entire tag set (set-semantics, not
// additive - see the tag projection's handling).
type NoteTagsSet struct {
	EntityID   string
	EntityType string
	Tags       []string
}
