// Package tags implements the tag projection (part of C10): a
// SQLite-backed tag vocabulary plus entity-tag assignments, folded from
// NoteTagsSet events with set semantics (a "set tags" event replaces an
// entity's entire tag set, it never merges additively).
package tags

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/notelog"
)

// Projection is the tag vocabulary / entity-tag read model.
type Projection struct {
	db  *sql.DB
	log *notelog.Logger
}

// Open creates (or reuses) the SQLite database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Projection, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tags: open sqlite %q: %w", path, err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("tags: ping sqlite: %w", err)
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

	return &Projection{db: db, log: notelog.New("projection.tags")}, nil
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
			return fmt.Errorf("tags: apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tag_vocabulary (
			tag TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			first_used_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entity_tags (
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			tag TEXT NOT NULL,
			display_name TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'user',
			created_at TEXT NOT NULL,
			UNIQUE(entity_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_tags_entity ON entity_tags(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_tags_tag ON entity_tags(tag)`,
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
			return fmt.Errorf("tags: apply schema %q: %w", stmt, err)
		}
	}

	return nil
}

// Name satisfies internal/projection.Projection.
func (p *Projection) Name() string { return "tags" }

// Handle applies one event. Only NoteTagsSet currently mutates the tag
// model; every other event type is a no-op here.
func (p *Projection) Handle(event events.Envelope) error {
	payload, ok := event.Payload.(*events.NoteTagsSet)
	if !ok {
		return nil
	}

	return p.setTags(context.Background(), payload)
}

// setTags applies set semantics: delete every existing entity_tags row
// for (entity_id, entity_type), decrementing vocabulary usage_count for
// each removed tag, then insert the new set, incrementing usage_count
// (and creating vocabulary rows as needed) for each.
func (p *Projection) setTags(ctx context.Context, e *events.NoteTagsSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tags: begin set-tags txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT tag FROM entity_tags WHERE entity_id = ? AND entity_type = ?`,
		e.EntityID, e.EntityType)
	if err != nil {
		return fmt.Errorf("tags: query existing tags for %q: %w", e.EntityID, err)
	}

	var existing []string

	for rows.Next() {
		var tag string

		err := rows.Scan(&tag)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("tags: scan existing tag: %w", err)
		}

		existing = append(existing, tag)
	}

	closeErr := rows.Close()
	if closeErr != nil {
		return fmt.Errorf("tags: close existing-tags rows: %w", closeErr)
	}

	for _, tag := range existing {
		err := decrementUsage(ctx, tx, tag)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM entity_tags WHERE entity_id = ? AND entity_type = ?`, e.EntityID, e.EntityType)
	if err != nil {
		return fmt.Errorf("tags: clear existing tags for %q: %w", e.EntityID, err)
	}

	for _, rawTag := range e.Tags {
		normalized := strings.ToLower(strings.TrimSpace(rawTag))
		if normalized == "" {
			continue
		}

		err := upsertVocabulary(ctx, tx, normalized, rawTag)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_tags (entity_id, entity_type, tag, display_name, source, created_at)
			VALUES (?, ?, ?, ?, 'user', datetime('now'))
			ON CONFLICT(entity_id, tag) DO NOTHING`,
			e.EntityID, e.EntityType, normalized, rawTag)
		if err != nil {
			return fmt.Errorf("tags: insert entity_tag %q on %q: %w", normalized, e.EntityID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("tags: commit set-tags txn: %w", err)
	}

	committed = true

	return nil
}

func upsertVocabulary(ctx context.Context, tx *sql.Tx, normalized, displayName string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tag_vocabulary (tag, display_name, usage_count, first_used_at, last_used_at)
		VALUES (?, ?, 1, datetime('now'), datetime('now'))
		ON CONFLICT(tag) DO UPDATE SET
			usage_count = usage_count + 1,
			last_used_at = datetime('now')`,
		normalized, displayName)
	if err != nil {
		return fmt.Errorf("tags: upsert vocabulary %q: %w", normalized, err)
	}

	return nil
}

func decrementUsage(ctx context.Context, tx *sql.Tx, tag string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tag_vocabulary SET usage_count = MAX(usage_count - 1, 0) WHERE tag = ?`, tag)
	if err != nil {
		return fmt.Errorf("tags: decrement usage for %q: %w", tag, err)
	}

	return nil
}

// Rebuild clears both tag tables entirely.
func (p *Projection) Rebuild() error {
	_, err := p.db.Exec(`DELETE FROM entity_tags`)
	if err != nil {
		return fmt.Errorf("tags: clear entity_tags for rebuild: %w", err)
	}

	_, err = p.db.Exec(`DELETE FROM tag_vocabulary`)
	if err != nil {
		return fmt.Errorf("tags: clear tag_vocabulary for rebuild: %w", err)
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
		return fmt.Errorf("tags: persist checkpoint: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (p *Projection) Close() error {
	return p.db.Close()
}

// TagUsage is a read-only vocabulary row, exposed for query callers.
type TagUsage struct {
	Tag         string
	DisplayName string
	UsageCount  int
}

// EntityTags returns all tags currently assigned to entityID/entityType.
func (p *Projection) EntityTags(entityID, entityType string) ([]string, error) {
	rows, err := p.db.Query(`SELECT tag FROM entity_tags WHERE entity_id = ? AND entity_type = ? ORDER BY tag`,
		entityID, entityType)
	if err != nil {
		return nil, fmt.Errorf("tags: query entity tags for %q: %w", entityID, err)
	}

	defer rows.Close()

	var out []string

	for rows.Next() {
		var tag string

		err := rows.Scan(&tag)
		if err != nil {
			return nil, fmt.Errorf("tags: scan entity tag: %w", err)
		}

		out = append(out, tag)
	}

	return out, rows.Err()
}

// Vocabulary returns every known tag and its current usage count, most
// used first.
func (p *Projection) Vocabulary() ([]TagUsage, error) {
	rows, err := p.db.Query(`SELECT tag, display_name, usage_count FROM tag_vocabulary ORDER BY usage_count DESC, tag`)
	if err != nil {
		return nil, fmt.Errorf("tags: query vocabulary: %w", err)
	}

	defer rows.Close()

	var out []TagUsage

	for rows.Next() {
		var t TagUsage

		err := rows.Scan(&t.Tag, &t.DisplayName, &t.UsageCount)
		if err != nil {
			return nil, fmt.Errorf("tags: scan vocabulary row: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}
