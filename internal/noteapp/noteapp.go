// Package noteapp wires the durable-save pipeline (C1-C7), the event
// store and projection runtime (C8-C9), and the tree/tag/search read
// models (C10-C11) into one running core. cmd/notecored is a thin
// process wrapper around this package.
package noteapp

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/arlojensen/notecore/internal/atomicsave"
	"github.com/arlojensen/notecore/internal/config"
	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/eventstore"
	"github.com/arlojensen/notecore/internal/filewatch"
	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/arlojensen/notecore/internal/notelog"
	"github.com/arlojensen/notecore/internal/projection"
	"github.com/arlojensen/notecore/internal/projections/tags"
	"github.com/arlojensen/notecore/internal/projections/tree"
	"github.com/arlojensen/notecore/internal/recovery"
	"github.com/arlojensen/notecore/internal/savecoord"
	"github.com/arlojensen/notecore/internal/scheduler"
	"github.com/arlojensen/notecore/internal/search"
	"github.com/arlojensen/notecore/internal/walstore"
	"github.com/arlojensen/notecore/pkg/fs"
)

// dataSubdir is where the event log and projection databases live,
// relative to the configured notes root.
const dataSubdir = ".notecore"

// App is the fully wired core: every component from the save path
// through the read-model projections, plus the registry of open
// documents the scheduler and watcher act on.
type App struct {
	cfg  config.Config
	fsys fs.FS
	log  *notelog.Logger

	desktopDir string

	wal    *walstore.Store
	atomic *atomicsave.Writer
	save   *savecoord.Coordinator
	sched  *scheduler.Scheduler
	watch  *filewatch.Watcher

	events *eventstore.Store
	orch   *projection.Orchestrator
	tree   *tree.Projection
	tags   *tags.Projection
	search *search.Repository

	docs *registry
}

// Deps lets callers override the emergency-dump desktop directory (tests
// use a temp dir; production uses the OS desktop).
type Deps struct {
	DesktopDir string
}

// Open wires every component over cfg and runs startup recovery (C7)
// before returning, per the spec's "C7 runs first" startup ordering.
func Open(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	fsys := fs.NewReal()
	log := notelog.New("noteapp")

	dataDir := filepath.Join(cfg.NotesRootPath, dataSubdir)

	err := fsys.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("noteapp: create data dir %q: %w", dataDir, err)
	}

	recoverySummary := recovery.Recover(fsys, cfg.NotesRootPath, deps.DesktopDir, cfg.BackupRetentionDays)
	log.Info().
		Int("recovered", len(recoverySummary.Recovered)).
		Int("backups", len(recoverySummary.Backups)).
		Int("cleaned", len(recoverySummary.Cleaned)).
		Int("emergency_dumps", len(recoverySummary.EmergencyDumps)).
		Int("failed", len(recoverySummary.Failed)).
		Msg("startup recovery complete")

	walDir := filepath.Join(dataDir, "wal")

	walStore, err := walstore.Open(fsys, walDir)
	if err != nil {
		return nil, fmt.Errorf("noteapp: open wal store: %w", err)
	}

	eventStore, err := eventstore.Open(fsys, filepath.Join(dataDir, "events.log"))
	if err != nil {
		return nil, fmt.Errorf("noteapp: open event store: %w", err)
	}

	treeProj, err := tree.Open(ctx, filepath.Join(dataDir, "tree.db"))
	if err != nil {
		return nil, fmt.Errorf("noteapp: open tree projection: %w", err)
	}

	tagsProj, err := tags.Open(ctx, filepath.Join(dataDir, "tags.db"))
	if err != nil {
		return nil, fmt.Errorf("noteapp: open tags projection: %w", err)
	}

	searchRepo, err := search.Open(ctx, filepath.Join(dataDir, "search.db"))
	if err != nil {
		return nil, fmt.Errorf("noteapp: open search repository: %w", err)
	}

	orch := projection.New(eventStore, []projection.Projection{treeProj, tagsProj, searchRepo})

	err = orch.CatchUpAll()
	if err != nil {
		return nil, fmt.Errorf("noteapp: initial projection catch-up: %w", err)
	}

	dump := &desktopDumpWriter{fsys: fsys, dir: deps.DesktopDir}

	docs := newRegistry()

	atomicWriter := atomicsave.New(fsys)

	watcher, err := filewatch.New(cfg.NotesRootPath, filewatch.DefaultDebounce)
	if err != nil {
		return nil, fmt.Errorf("noteapp: open file watcher: %w", err)
	}

	saveCoord := savecoord.New(
		savecoord.WithRetryDelays(cfg.RetryDelays()),
		savecoord.WithBatchConcurrency(int64(cfg.BatchConcurrencyLimit)),
		savecoord.WithWatcherResumeDelay(cfg.WatcherResumeDelay),
		savecoord.WithEmergencyDumpWriter(dump),
		savecoord.WithSuppressor(watcher),
	)

	app := &App{
		cfg:        cfg,
		fsys:       fsys,
		log:        log,
		desktopDir: deps.DesktopDir,
		wal:        walStore,
		atomic:     atomicWriter,
		save:       saveCoord,
		watch:      watcher,
		events:     eventStore,
		orch:       orch,
		tree:       treeProj,
		tags:       tagsProj,
		search:     searchRepo,
		docs:       docs,
	}

	app.sched = scheduler.New(app.onAutoSaveTick, app.onWalFlushTick,
		scheduler.WithAutoSaveInterval(cfg.AutoSaveInterval),
		scheduler.WithWalFlushInterval(cfg.WalFlushInterval),
	)

	return app, nil
}

// Start begins the background watcher and scheduler loops. Call Open
// first.
func (a *App) Start(ctx context.Context) {
	a.watch.Start(ctx)
	a.sched.Start(ctx)
	a.orch.StartContinuous(ctx, a.cfg.ProjectionPollInterval)

	go a.consumeWatchEvents(ctx)
}

func (a *App) consumeWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watch.Events():
			if !ok {
				return
			}

			a.log.Debug().Str("path", ev.Path).Int("op", int(ev.Op)).Msg("external change observed")
		}
	}
}

// onAutoSaveTick force-saves every dirty open document through the save
// coordinator.
func (a *App) onAutoSaveTick(ctx context.Context) {
	dirty := a.docs.dirtyDocs()
	if len(dirty) == 0 {
		return
	}

	ops := make([]savecoord.BatchOp, 0, len(dirty))

	for _, doc := range dirty {
		doc := doc

		ops = append(ops, savecoord.BatchOp{
			Path:    doc.Path,
			Title:   doc.Title,
			Content: doc.Content,
			SaveAction: func(ctx context.Context) error {
				return a.saveDocument(ctx, doc)
			},
		})
	}

	result := a.save.SafeBatchSave(ctx, ops)

	a.log.Info().Int("succeeded", result.SuccessCount).Int("failed", result.FailureCount).Msg("auto-save tick complete")
}

// onWalFlushTick truncates the WAL segment for every document that is no
// longer dirty (its latest content has already been durably persisted by
// an atomic save).
func (a *App) onWalFlushTick(ctx context.Context) {
	for _, doc := range a.docs.cleanDocs() {
		err := a.wal.Truncate(doc.ID)
		if err != nil {
			a.log.With(doc.Path).Warn().Err(err).Msg("wal flush: truncate failed")
		}
	}
}

// saveDocument runs the full C2+C3 save path for one document: append to
// the WAL, perform the atomic content+metadata rewrite, and on success
// emit the corresponding domain event and clear the dirty flag.
func (a *App) saveDocument(ctx context.Context, doc notedoc.Document) error {
	err := a.wal.Append(doc.ID, doc.Content)
	if err != nil {
		return err
	}

	result := a.atomic.Save(doc, doc.Content, func(content []byte) error {
		return atomic.WriteFile(doc.Path, bytes.NewReader(content))
	})

	if !result.Success {
		return result.Err
	}

	err = a.wal.Truncate(doc.ID)
	if err != nil {
		a.log.With(doc.Path).Warn().Err(err).Msg("wal truncate after successful save failed")
	}

	a.docs.markClean(doc.ID)

	return nil
}

// OpenDocument registers a document as open/dirty-tracked, assigning a
// fresh ID if none is set, and appends its NoteCreated event if this is
// the first time the core has seen it.
func (a *App) OpenDocument(ctx context.Context, doc notedoc.Document, categoryID string) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	a.docs.put(doc)

	_, err := a.events.AppendEvents("note:"+doc.ID, 0, []eventstore.NewEvent{
		{Type: events.TypeNoteCreated, Payload: events.NoteCreated{
			ID: doc.ID, CategoryID: categoryID, Name: doc.Title,
			FileExtension: filepath.Ext(doc.Path), DisplayPath: doc.Title, AbsolutePath: doc.Path,
		}},
	})
	// A conflict means the stream already has its NoteCreated event.
	if err != nil && notedoc.KindOf(err) != notedoc.KindConcurrencyConflict {
		return fmt.Errorf("noteapp: record note creation: %w", err)
	}

	return a.orch.CatchUpAll()
}

// MarkDirty records that doc has unsaved edits, making it a candidate
// for the next auto-save tick.
func (a *App) MarkDirty(doc notedoc.Document) {
	doc.Dirty = true
	doc.ModifiedAt = time.Now()
	a.docs.put(doc)
}

// ForceSaveAll synchronously saves every dirty document, bypassing the
// scheduler's gate. Used during shutdown.
func (a *App) ForceSaveAll(ctx context.Context) {
	a.sched.SaveAllAsync(ctx)
}

// Shutdown runs the spec's graceful shutdown ordering: stop the
// watcher, stop scheduler timers, dispose the save coordinator (<=10s),
// force-save all dirty documents, then best-effort checkpoint the event
// store. Every step runs even if an earlier one errors or times out.
func (a *App) Shutdown(ctx context.Context) {
	a.watch.Stop()
	a.sched.Stop()

	err := a.save.Dispose(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("shutdown: save coordinator dispose timed out")
	}

	a.ForceSaveAll(ctx)

	a.events.Checkpoint()

	_ = a.tree.Close()
	_ = a.tags.Close()
	_ = a.search.Close()
}

// Status summarizes the core's current health for notecorectl status.
type Status struct {
	SaveStats          savecoord.Stats
	CurrentStreamPos   int64
	ProjectionStatuses []projection.Status
}

// GetStatus satisfies the operator CLI's status command.
func (a *App) GetStatus() Status {
	return Status{
		SaveStats:          a.save.GetStats(),
		CurrentStreamPos:   a.events.CurrentStreamPosition(),
		ProjectionStatuses: a.orch.StatusReport(),
	}
}

// Reindex forces a full projection rebuild, the CLI-triggerable analogue
// of the teacher's repair path.
func (a *App) Reindex(ctx context.Context) error {
	return a.orch.RebuildAll()
}

// Tree exposes the tree projection for read-only queries.
func (a *App) Tree() *tree.Projection { return a.tree }

// Tags exposes the tag projection for read-only queries.
func (a *App) Tags() *tags.Projection { return a.tags }

// Search exposes the search repository for read-only queries.
func (a *App) Search() *search.Repository { return a.search }

// desktopDumpWriter satisfies savecoord.EmergencyDumpWriter by writing
// plain-text recovery files to the user's desktop, per the spec's
// crash-recovery file conventions.
type desktopDumpWriter struct {
	fsys fs.FS
	dir  string
}

func (d *desktopDumpWriter) WriteDump(title string, content []byte) error {
	name := fmt.Sprintf("NoteNest_Recovery_%s_%s.txt", sanitizeTitle(title), time.Now().UTC().Format("20060102150405"))

	return d.fsys.WriteFile(filepath.Join(d.dir, name), content, 0o644)
}

func sanitizeTitle(title string) string {
	if title == "" {
		return "untitled"
	}

	out := make([]byte, 0, len(title))

	for i := 0; i < len(title); i++ {
		c := title[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}

	return string(out)
}
