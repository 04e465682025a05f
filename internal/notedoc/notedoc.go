// Package notedoc defines the shared data model every persistence
// component in notecore operates on: the in-memory [Document], its
// [Metadata] sidecar, and the outcome of an atomic save.
//
// It also defines the error-kind taxonomy ([Kind]) used across package
// boundaries instead of stringly-typed dispatch: every error a component
// returns to a caller outside its own package should be classifiable via
// [KindOf].
package notedoc

import "time"

// Document is an in-memory, currently-open note.
//
// Identity is immutable for the document's lifetime; Path may change via
// rename or move while ID stays stable.
type Document struct {
	ID         string
	Path       string
	Title      string
	Content    []byte
	Dirty      bool
	ModifiedAt time.Time
}

// Metadata is the JSON sidecar stored alongside a note's content file.
//
// Extensions carries caller-defined fields that must round-trip verbatim
// across rewrites, even when this package doesn't recognize them.
type Metadata struct {
	ID         string         `json:"id"`
	Created    time.Time      `json:"created"`
	Extensions map[string]any `json:"extensions"`
}

// AtomicSaveResult reports the outcome of an atomic content+metadata save.
type AtomicSaveResult struct {
	Success       bool
	UsedFallback  bool
	ContentSaved  bool
	MetadataSaved bool
	Err           error
}

// FullyAtomic reports whether both files were written through the
// temp-file-plus-rename path with no fallback involved.
func (r AtomicSaveResult) FullyAtomic() bool {
	return r.Success && !r.UsedFallback && r.ContentSaved && r.MetadataSaved
}
