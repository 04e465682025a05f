// Package search implements the full-text search projection (C11): an
// FTS5-backed index over note title/content, a sidecar ranking table,
// prefix-style query processing, and an LRU preview cache.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/notelog"
)

// Doc is one indexable document.
type Doc struct {
	NoteID         string
	Title          string
	Content        string
	ContentPreview string
	CategoryID     string
	FilePath       string
	LastModified   time.Time
	FileSize       int64
	CreatedDate    time.Time
	UsageCount     int
	LastAccessed   time.Time
}

// SortOrder selects how Search results are ordered.
type SortOrder int

const (
	SortRelevance SortOrder = iota
	SortModifiedDesc
	SortUsageDesc
	SortTitleAsc
	SortCreatedDesc
	SortSizeDesc
)

// Options configures a Search call.
type Options struct {
	Sort  SortOrder
	Limit int
}

// Result is one ranked search hit.
type Result struct {
	NoteID   string
	Title    string
	FilePath string
	Preview  string
	Score    float64
}

const (
	previewMaxLen     = 150
	snippetTruncateAt = 0.7
	usageBoostFactor  = 0.1
	defaultQueryLimit = 50
)

// Repository is the FTS5-backed note index.
type Repository struct {
	db    *sql.DB
	log   *notelog.Logger
	cache *previewCache
}

// Open creates (or reuses) the FTS5 database at path.
func Open(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("search: open sqlite %q: %w", path, err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("search: ping sqlite: %w", err)
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

	return &Repository{db: db, log: notelog.New("search"), cache: newPreviewCache(defaultCacheCapacity)}, nil
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
			return fmt.Errorf("search: apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			title,
			content,
			content_preview UNINDEXED,
			category_id UNINDEXED,
			file_path UNINDEXED,
			note_id UNINDEXED,
			last_modified UNINDEXED,
			tokenize = 'unicode61 remove_diacritics 2'
		)`,
		`CREATE TABLE IF NOT EXISTS note_ranking (
			note_id TEXT PRIMARY KEY,
			file_size INTEGER NOT NULL DEFAULT 0,
			created_date TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT
		)`,
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
			return fmt.Errorf("search: apply schema %q: %w", stmt, err)
		}
	}

	return nil
}

// Index inserts a new document. Index/Update share the same upsert path
// since FTS5 has no native ON CONFLICT for content columns; callers are
// expected to call RemoveByID first when replacing (Update does so).
func (r *Repository) Index(ctx context.Context, doc Doc) error {
	preview := doc.ContentPreview
	if preview == "" {
		preview = derivePreview(doc.Title, doc.Content)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notes_fts (title, content, content_preview, category_id, file_path, note_id, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Title, doc.Content, preview, doc.CategoryID, doc.FilePath, doc.NoteID, doc.LastModified.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("search: index %q: %w", doc.NoteID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO note_ranking (note_id, file_size, created_date, usage_count, last_accessed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			file_size = excluded.file_size,
			created_date = excluded.created_date`,
		doc.NoteID, doc.FileSize, doc.CreatedDate.UTC().Format(time.RFC3339), doc.UsageCount, doc.LastAccessed.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("search: index ranking row %q: %w", doc.NoteID, err)
	}

	r.cache.invalidate(doc.NoteID)

	return nil
}

// Update replaces an existing document's FTS row.
func (r *Repository) Update(ctx context.Context, doc Doc) error {
	err := r.RemoveByID(ctx, doc.NoteID)
	if err != nil {
		return err
	}

	return r.Index(ctx, doc)
}

// RemoveByID deletes a document's FTS row and sidecar ranking row.
func (r *Repository) RemoveByID(ctx context.Context, noteID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notes_fts WHERE note_id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("search: remove %q: %w", noteID, err)
	}

	_, err = r.db.ExecContext(ctx, `DELETE FROM note_ranking WHERE note_id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("search: remove ranking row %q: %w", noteID, err)
	}

	r.cache.invalidate(noteID)

	return nil
}

// RemoveByPath deletes a document's FTS row by file_path.
func (r *Repository) RemoveByPath(ctx context.Context, filePath string) error {
	row := r.db.QueryRowContext(ctx, `SELECT note_id FROM notes_fts WHERE file_path = ?`, filePath)

	var noteID string

	err := row.Scan(&noteID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}

		return fmt.Errorf("search: find note for path %q: %w", filePath, err)
	}

	return r.RemoveByID(ctx, noteID)
}

// BatchIndex indexes many documents inside a single transaction.
func (r *Repository) BatchIndex(ctx context.Context, docs []Doc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("search: begin batch index txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, doc := range docs {
		preview := doc.ContentPreview
		if preview == "" {
			preview = derivePreview(doc.Title, doc.Content)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO notes_fts (title, content, content_preview, category_id, file_path, note_id, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.Title, doc.Content, preview, doc.CategoryID, doc.FilePath, doc.NoteID, doc.LastModified.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("search: batch index %q: %w", doc.NoteID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO note_ranking (note_id, file_size, created_date, usage_count, last_accessed)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(note_id) DO UPDATE SET file_size = excluded.file_size, created_date = excluded.created_date`,
			doc.NoteID, doc.FileSize, doc.CreatedDate.UTC().Format(time.RFC3339), doc.UsageCount, doc.LastAccessed.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("search: batch index ranking row %q: %w", doc.NoteID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("search: commit batch index txn: %w", err)
	}

	committed = true

	r.cache.clear()

	return nil
}

// Clear removes every indexed document.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notes_fts`)
	if err != nil {
		return fmt.Errorf("search: clear fts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `DELETE FROM note_ranking`)
	if err != nil {
		return fmt.Errorf("search: clear ranking: %w", err)
	}

	r.cache.clear()

	return nil
}

// Optimize merges the FTS5 shadow tables into a single segment.
func (r *Repository) Optimize(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notes_fts(notes_fts) VALUES ('optimize')`)
	if err != nil {
		return fmt.Errorf("search: optimize: %w", err)
	}

	return nil
}

// buildMatchQuery implements the spec's prefix-match query processing: a
// single bare term becomes a prefix match, multiple bare terms AND their
// prefix matches, and quoted phrases pass through unchanged.
func buildMatchQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	var terms []string

	inQuote := false
	current := strings.Builder{}

	flush := func() {
		term := current.String()
		current.Reset()

		if term == "" {
			return
		}

		if inQuote {
			terms = append(terms, fmt.Sprintf("%q", term))
		} else {
			terms = append(terms, term+"*")
		}
	}

	for _, r := range query {
		switch {
		case r == '"':
			flush()

			inQuote = !inQuote
		case r == ' ' && !inQuote:
			flush()
		default:
			current.WriteRune(r)
		}
	}

	flush()

	return strings.Join(terms, " AND ")
}

// Search runs a query with the given options, ranking by BM25 plus a
// small usage-count boost unless a non-relevance sort order is given.
func (r *Repository) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	matchQuery := buildMatchQuery(query)
	if matchQuery == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	orderBy := "score DESC"

	switch opts.Sort {
	case SortModifiedDesc:
		orderBy = "f.last_modified DESC"
	case SortUsageDesc:
		orderBy = "IFNULL(r.usage_count, 0) DESC"
	case SortTitleAsc:
		orderBy = "f.title ASC"
	case SortCreatedDesc:
		orderBy = "IFNULL(r.created_date, '') DESC"
	case SortSizeDesc:
		orderBy = "IFNULL(r.file_size, 0) DESC"
	case SortRelevance:
		// default
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT f.note_id, f.title, f.file_path, f.content_preview, f.content,
			(bm25(notes_fts) * -1) + (IFNULL(r.usage_count, 0) * ?) AS score
		FROM notes_fts f
		LEFT JOIN note_ranking r ON r.note_id = f.note_id
		WHERE notes_fts MATCH ?
		ORDER BY %s
		LIMIT ?`, orderBy), usageBoostFactor, matchQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("search: query %q: %w", query, err)
	}

	defer rows.Close()

	var out []Result

	for rows.Next() {
		var (
			res     Result
			preview string
			content string
		)

		err := rows.Scan(&res.NoteID, &res.Title, &res.FilePath, &preview, &content, &res.Score)
		if err != nil {
			return nil, fmt.Errorf("search: scan result row: %w", err)
		}

		res.Preview = r.previewFor(res.NoteID, res.Title, preview, content)

		out = append(out, res)
	}

	return out, rows.Err()
}

// Suggest returns up to k titles whose terms prefix-match the given
// prefix, for typeahead UIs.
func (r *Repository) Suggest(ctx context.Context, prefix string, k int) ([]string, error) {
	matchQuery := buildMatchQuery(prefix)
	if matchQuery == "" {
		return nil, nil
	}

	if k <= 0 {
		k = 10
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT title FROM notes_fts WHERE notes_fts MATCH ? ORDER BY bm25(notes_fts) LIMIT ?`,
		matchQuery, k)
	if err != nil {
		return nil, fmt.Errorf("search: suggest %q: %w", prefix, err)
	}

	defer rows.Close()

	var out []string

	for rows.Next() {
		var title string

		err := rows.Scan(&title)
		if err != nil {
			return nil, fmt.Errorf("search: scan suggestion row: %w", err)
		}

		out = append(out, title)
	}

	return out, rows.Err()
}

// previewFor resolves a result's preview using the cache, falling back
// through the spec's preview strategy: pre-indexed preview, cleaned
// snippet, truncated content, then title.
func (r *Repository) previewFor(noteID, title, indexedPreview, content string) string {
	if cached, ok := r.cache.get(noteID); ok {
		return cached
	}

	preview := indexedPreview
	if preview == "" {
		preview = derivePreview(title, content)
	} else {
		preview = cleanSnippet(preview)
	}

	r.cache.put(noteID, preview)

	return preview
}

func cleanSnippet(s string) string {
	s = strings.ReplaceAll(s, "<mark>", "")
	s = strings.ReplaceAll(s, "</mark>", "")

	return strings.Join(strings.Fields(s), " ")
}

// derivePreview truncates content at a word boundary after 70% of
// previewMaxLen, falling back to the title if content is empty.
func derivePreview(title, content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return title
	}

	if len(content) <= previewMaxLen {
		return content
	}

	cut := int(float64(previewMaxLen) * snippetTruncateAt)

	truncated := content[:previewMaxLen]
	if idx := strings.LastIndexByte(truncated, ' '); idx > cut {
		truncated = truncated[:idx]
	}

	return truncated + "..."
}

// Name satisfies internal/projection.Projection.
func (r *Repository) Name() string { return "search" }

// Handle folds note lifecycle events into the index. Content/body text
// is not carried on these events (the editor supplies it via Index on
// save); Handle here only keeps file-path/identity metadata in sync and
// removes rows on delete.
func (r *Repository) Handle(event events.Envelope) error {
	ctx := context.Background()

	switch payload := event.Payload.(type) {
	case *events.NoteDeleted:
		return r.RemoveByID(ctx, payload.ID)
	case *events.NoteMoved:
		return r.touchPath(ctx, payload.ID, payload.NewDisplayPath)
	case *events.NoteRenamed:
		return r.touchPath(ctx, payload.ID, payload.NewDisplayPath)
	default:
		return nil
	}
}

func (r *Repository) touchPath(ctx context.Context, noteID, newPath string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notes_fts SET file_path = ? WHERE note_id = ?`, newPath, noteID)
	if err != nil {
		return fmt.Errorf("search: update file_path for %q: %w", noteID, err)
	}

	return nil
}

// Rebuild clears the entire index; the orchestrator then replays events
// (and the index manager re-indexes file content separately, since body
// text does not live on tree/tag events).
func (r *Repository) Rebuild() error {
	return r.Clear(context.Background())
}

// GetLastProcessedPosition satisfies internal/projection.Projection.
func (r *Repository) GetLastProcessedPosition() int64 {
	row := r.db.QueryRow(`SELECT last_processed_position FROM projection_metadata WHERE projection_name = ?`, r.Name())

	var pos int64

	err := row.Scan(&pos)
	if err != nil {
		return 0
	}

	return pos
}

// SetLastProcessedPosition satisfies internal/projection.Projection.
func (r *Repository) SetLastProcessedPosition(pos int64) error {
	_, err := r.db.Exec(`
		INSERT INTO projection_metadata (projection_name, last_processed_position, last_updated_at, status)
		VALUES (?, ?, datetime('now'), 'ok')
		ON CONFLICT(projection_name) DO UPDATE SET
			last_processed_position = excluded.last_processed_position,
			last_updated_at = excluded.last_updated_at,
			status = excluded.status`,
		r.Name(), pos)
	if err != nil {
		return fmt.Errorf("search: persist checkpoint: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}
