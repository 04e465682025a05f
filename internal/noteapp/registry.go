package noteapp

import (
	"sync"

	"github.com/arlojensen/notecore/internal/notedoc"
)

// registry tracks every document the core currently has open, keyed by
// ID, so the scheduler's auto-save and WAL-flush ticks know which
// documents are dirty without the caller threading a document list
// through every tick.
type registry struct {
	mu   sync.Mutex
	docs map[string]notedoc.Document
}

func newRegistry() *registry {
	return &registry{docs: make(map[string]notedoc.Document)}
}

func (r *registry) put(doc notedoc.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.docs[doc.ID] = doc
}

func (r *registry) markClean(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return
	}

	doc.Dirty = false
	r.docs[id] = doc
}

func (r *registry) dirtyDocs() []notedoc.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]notedoc.Document, 0, len(r.docs))

	for _, doc := range r.docs {
		if doc.Dirty {
			out = append(out, doc)
		}
	}

	return out
}

func (r *registry) cleanDocs() []notedoc.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]notedoc.Document, 0, len(r.docs))

	for _, doc := range r.docs {
		if !doc.Dirty {
			out = append(out, doc)
		}
	}

	return out
}
