// Package tree implements the tree-view projection (part of C10): a
// SQLite-backed read model of the category/note hierarchy, folded from
// category and note lifecycle events. Renaming or moving a category
// cascades display_path updates to every descendant.
package tree

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/notelog"
)

const (
	nodeTypeCategory = "category"
	nodeTypeNote     = "note"
)

// Projection is the tree-view read model.
type Projection struct {
	db  *sql.DB
	log *notelog.Logger
}

// Open creates (or reuses) the SQLite database at path and ensures the
// schema exists, applying the same durability/speed pragmas the corpus
// uses for its own SQLite-backed index.
func Open(ctx context.Context, path string) (*Projection, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tree: open sqlite %q: %w", path, err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("tree: ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	err = createSchema(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Projection{db: db, log: notelog.New("projection.tree")}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA cache_size = -4000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("tree: apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tree_view (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			canonical_path TEXT NOT NULL,
			display_path TEXT NOT NULL,
			node_type TEXT NOT NULL,
			name TEXT NOT NULL,
			file_extension TEXT,
			is_pinned INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tree_parent ON tree_view(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tree_canonical ON tree_view(canonical_path)`,
		`CREATE TABLE IF NOT EXISTS projection_metadata (
			projection_name TEXT PRIMARY KEY,
			last_processed_position INTEGER NOT NULL DEFAULT 0,
			last_updated_at TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle'
		)`,
	}

	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("tree: apply schema %q: %w", stmt, err)
		}
	}

	return nil
}

// Name satisfies internal/projection.Projection.
func (p *Projection) Name() string { return "tree" }

// Handle applies one event to the tree view, in strictly increasing
// stream-position order (enforced by the orchestrator, not here).
func (p *Projection) Handle(event events.Envelope) error {
	ctx := context.Background()

	switch payload := event.Payload.(type) {
	case *events.CategoryCreated:
		return p.categoryCreated(ctx, payload)
	case *events.CategoryRenamed:
		return p.categoryRenamed(ctx, payload)
	case *events.CategoryMoved:
		return p.categoryMoved(ctx, payload)
	case *events.CategoryDeleted:
		return p.nodeDeleted(ctx, payload.ID)
	case *events.CategoryPinned:
		return p.setPinned(ctx, payload.ID, true)
	case *events.CategoryUnpinned:
		return p.setPinned(ctx, payload.ID, false)
	case *events.NoteCreated:
		return p.noteCreated(ctx, payload)
	case *events.NoteRenamed:
		return p.noteRenamed(ctx, payload)
	case *events.NoteMoved:
		return p.noteMoved(ctx, payload)
	case *events.NotePinned:
		return p.setPinned(ctx, payload.ID, true)
	case *events.NoteUnpinned:
		return p.setPinned(ctx, payload.ID, false)
	case *events.NoteDeleted:
		return p.nodeDeleted(ctx, payload.ID)
	default:
		return nil
	}
}

func (p *Projection) categoryCreated(ctx context.Context, e *events.CategoryCreated) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tree_view (id, parent_id, canonical_path, display_path, node_type, name, sort_order, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			canonical_path = excluded.canonical_path,
			display_path = excluded.display_path,
			name = excluded.name,
			sort_order = excluded.sort_order,
			modified_at = datetime('now')`,
		e.ID, nullable(e.ParentID), canonicalize(e.DisplayPath), e.DisplayPath, nodeTypeCategory, e.Name, e.SortOrder)
	if err != nil {
		return fmt.Errorf("tree: insert category %q: %w", e.ID, err)
	}

	return nil
}

func (p *Projection) categoryRenamed(ctx context.Context, e *events.CategoryRenamed) error {
	return p.cascadeDisplayPath(ctx, e.ID, e.OldDisplayPath, e.NewDisplayPath)
}

func (p *Projection) categoryMoved(ctx context.Context, e *events.CategoryMoved) error {
	row := p.db.QueryRowContext(ctx, `SELECT display_path FROM tree_view WHERE id = ?`, e.ID)

	var oldPath string

	err := row.Scan(&oldPath)
	if err != nil {
		return fmt.Errorf("tree: read category %q for move: %w", e.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `UPDATE tree_view SET parent_id = ? WHERE id = ?`, nullable(e.NewParentID), e.ID)
	if err != nil {
		return fmt.Errorf("tree: reparent category %q: %w", e.ID, err)
	}

	return p.cascadeDisplayPath(ctx, e.ID, oldPath, e.NewDisplayPath)
}

// cascadeDisplayPath renames id's own display_path/canonical_path, then
// rewrites the display_path prefix of every descendant (found by string
// prefix match on the old path) recursively.
func (p *Projection) cascadeDisplayPath(ctx context.Context, id, oldPath, newPath string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tree_view SET display_path = ?, canonical_path = ?, modified_at = datetime('now')
		WHERE id = ?`, newPath, canonicalize(newPath), id)
	if err != nil {
		return fmt.Errorf("tree: rename node %q: %w", id, err)
	}

	prefix := oldPath + "/"

	rows, err := p.db.QueryContext(ctx, `SELECT id, display_path FROM tree_view WHERE display_path LIKE ? || '%' AND id != ?`,
		prefix, id)
	if err != nil {
		return fmt.Errorf("tree: find descendants of %q: %w", id, err)
	}

	type descendant struct {
		id, displayPath string
	}

	var descendants []descendant

	for rows.Next() {
		var d descendant

		err := rows.Scan(&d.id, &d.displayPath)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("tree: scan descendant: %w", err)
		}

		descendants = append(descendants, d)
	}

	closeErr := rows.Close()
	if closeErr != nil {
		return fmt.Errorf("tree: close descendant rows: %w", closeErr)
	}

	for _, d := range descendants {
		newDescendantPath := newPath + strings.TrimPrefix(d.displayPath, oldPath)

		_, err := p.db.ExecContext(ctx, `
			UPDATE tree_view SET display_path = ?, canonical_path = ?, modified_at = datetime('now')
			WHERE id = ?`, newDescendantPath, canonicalize(newDescendantPath), d.id)
		if err != nil {
			return fmt.Errorf("tree: cascade rename descendant %q: %w", d.id, err)
		}
	}

	return nil
}

func (p *Projection) noteCreated(ctx context.Context, e *events.NoteCreated) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tree_view (id, parent_id, canonical_path, display_path, node_type, name, file_extension, sort_order, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			canonical_path = excluded.canonical_path,
			display_path = excluded.display_path,
			name = excluded.name,
			file_extension = excluded.file_extension,
			sort_order = excluded.sort_order,
			modified_at = datetime('now')`,
		e.ID, nullable(e.CategoryID), canonicalize(e.DisplayPath), e.DisplayPath, nodeTypeNote, e.Name, e.FileExtension, e.SortOrder)
	if err != nil {
		return fmt.Errorf("tree: insert note %q: %w", e.ID, err)
	}

	return nil
}

func (p *Projection) noteRenamed(ctx context.Context, e *events.NoteRenamed) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tree_view SET name = ?, display_path = ?, canonical_path = ?, modified_at = datetime('now')
		WHERE id = ?`, e.NewName, e.NewDisplayPath, canonicalize(e.NewDisplayPath), e.ID)
	if err != nil {
		return fmt.Errorf("tree: rename note %q: %w", e.ID, err)
	}

	return nil
}

func (p *Projection) noteMoved(ctx context.Context, e *events.NoteMoved) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tree_view SET parent_id = ?, display_path = ?, canonical_path = ?, modified_at = datetime('now')
		WHERE id = ?`, nullable(e.NewCategoryID), e.NewDisplayPath, canonicalize(e.NewDisplayPath), e.ID)
	if err != nil {
		return fmt.Errorf("tree: move note %q: %w", e.ID, err)
	}

	return nil
}

func (p *Projection) setPinned(ctx context.Context, id string, pinned bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tree_view SET is_pinned = ?, modified_at = datetime('now') WHERE id = ?`,
		boolToInt(pinned), id)
	if err != nil {
		return fmt.Errorf("tree: set pinned %q: %w", id, err)
	}

	return nil
}

func (p *Projection) nodeDeleted(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tree_view WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("tree: delete node %q: %w", id, err)
	}

	return nil
}

// Rebuild clears the tree view entirely; the orchestrator then replays
// every event from position 0.
func (p *Projection) Rebuild() error {
	_, err := p.db.Exec(`DELETE FROM tree_view`)
	if err != nil {
		return fmt.Errorf("tree: clear for rebuild: %w", err)
	}

	return nil
}

// GetLastProcessedPosition satisfies internal/projection.Projection.
func (p *Projection) GetLastProcessedPosition() int64 {
	row := p.db.QueryRow(`SELECT last_processed_position FROM projection_metadata WHERE projection_name = ?`, p.Name())

	var pos int64

	err := row.Scan(&pos)
	if err != nil {
		return 0
	}

	return pos
}

// SetLastProcessedPosition satisfies internal/projection.Projection.
func (p *Projection) SetLastProcessedPosition(pos int64) error {
	_, err := p.db.Exec(`
		INSERT INTO projection_metadata (projection_name, last_processed_position, last_updated_at, status)
		VALUES (?, ?, datetime('now'), 'ok')
		ON CONFLICT(projection_name) DO UPDATE SET
			last_processed_position = excluded.last_processed_position,
			last_updated_at = excluded.last_updated_at,
			status = excluded.status`,
		p.Name(), pos)
	if err != nil {
		return fmt.Errorf("tree: persist checkpoint: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (p *Projection) Close() error {
	return p.db.Close()
}

// Node is a read-only row of the tree view, exposed for query callers.
type Node struct {
	ID            string
	ParentID      string
	CanonicalPath string
	DisplayPath   string
	NodeType      string
	Name          string
	FileExtension string
	IsPinned      bool
	SortOrder     int
}

// Children returns the direct children of parentID ordered by
// sort_order then name. An empty parentID matches top-level nodes
// (categories and notes with no parent).
func (p *Projection) Children(parentID string) ([]Node, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if parentID == "" {
		rows, err = p.db.Query(`
			SELECT id, IFNULL(parent_id, ''), canonical_path, display_path, node_type, name, IFNULL(file_extension, ''), is_pinned, sort_order
			FROM tree_view WHERE parent_id IS NULL ORDER BY sort_order, name`)
	} else {
		rows, err = p.db.Query(`
			SELECT id, IFNULL(parent_id, ''), canonical_path, display_path, node_type, name, IFNULL(file_extension, ''), is_pinned, sort_order
			FROM tree_view WHERE parent_id = ? ORDER BY sort_order, name`, parentID)
	}

	if err != nil {
		return nil, fmt.Errorf("tree: query children of %q: %w", parentID, err)
	}

	defer rows.Close()

	var out []Node

	for rows.Next() {
		var (
			n        Node
			isPinned int
		)

		err := rows.Scan(&n.ID, &n.ParentID, &n.CanonicalPath, &n.DisplayPath, &n.NodeType, &n.Name, &n.FileExtension, &isPinned, &n.SortOrder)
		if err != nil {
			return nil, fmt.Errorf("tree: scan child row: %w", err)
		}

		n.IsPinned = isPinned != 0

		out = append(out, n)
	}

	return out, rows.Err()
}

func canonicalize(displayPath string) string {
	return strings.ToLower(displayPath)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
