package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/notelog"
	"github.com/arlojensen/notecore/pkg/fs"
)

// DefaultDebounceWindow is how long the index manager waits for
// high-volume file events on the same path to settle before acting.
const DefaultDebounceWindow = 500 * time.Millisecond

// FileAction is the index-manager translation of a raw file event.
type FileAction int

const (
	ActionIndex FileAction = iota
	ActionUpdate
	ActionRemove
	ActionRemoveAndIndex
)

// Eligibility filters which files the index manager will act on.
type Eligibility struct {
	Extensions    map[string]bool
	MaxFileSize   int64
	ExcludedDirs  []string
	IncludeHidden bool
}

// Progress reports bulk-rebuild progress.
type Progress struct {
	Processed   int
	Total       int
	CurrentFile string
	Stage       string
}

// DocLoader extracts an indexable Doc from a file on disk; the index
// manager owns eligibility/debouncing but delegates content extraction
// (e.g. RTF-to-text) to the caller, since that belongs to the editor
// layer, not the index.
type DocLoader func(ctx context.Context, path string) (Doc, error)

// Manager wraps a Repository with file-event translation, eligibility
// filtering, debouncing, and bulk rebuild support.
type Manager struct {
	repo        *Repository
	fsys        fs.FS
	eligibility Eligibility
	loadDoc     DocLoader
	log         *notelog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	window  time.Duration
}

// NewManager wraps repo with the given eligibility rules and loader.
func NewManager(repo *Repository, fsys fs.FS, eligibility Eligibility, loadDoc DocLoader) *Manager {
	return &Manager{
		repo:        repo,
		fsys:        fsys,
		eligibility: eligibility,
		loadDoc:     loadDoc,
		log:         notelog.New("search.manager"),
		pending:     make(map[string]*time.Timer),
		window:      DefaultDebounceWindow,
	}
}

// IsEligible applies the eligibility filter to path.
func (m *Manager) IsEligible(path string) bool {
	exists, err := m.fsys.Exists(path)
	if err != nil || !exists {
		return false
	}

	ext := strings.ToLower(filepath.Ext(path))
	if len(m.eligibility.Extensions) > 0 && !m.eligibility.Extensions[ext] {
		return false
	}

	if m.eligibility.MaxFileSize > 0 {
		size, err := m.fsys.GetSize(path)
		if err != nil || size > m.eligibility.MaxFileSize {
			return false
		}
	}

	for _, excluded := range m.eligibility.ExcludedDirs {
		if strings.Contains(filepath.ToSlash(path), filepath.ToSlash(excluded)) {
			return false
		}
	}

	if !m.eligibility.IncludeHidden && strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}

	return true
}

// OnFileEvent debounces path, executing action only once the window
// elapses with no further event on the same path - only the last
// observed action per file is applied.
func (m *Manager) OnFileEvent(ctx context.Context, path string, action FileAction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.pending[path]; ok {
		timer.Stop()
	}

	window := m.window
	if window <= 0 {
		window = DefaultDebounceWindow
	}

	m.pending[path] = time.AfterFunc(window, func() {
		m.mu.Lock()
		delete(m.pending, path)
		m.mu.Unlock()

		err := m.apply(ctx, path, action)
		if err != nil {
			m.log.Warn().Str("path", path).Err(err).Msg("search.manager: file event action failed")
		}
	})
}

func (m *Manager) apply(ctx context.Context, path string, action FileAction) error {
	switch action {
	case ActionRemove:
		return m.repo.RemoveByPath(ctx, path)
	case ActionRemoveAndIndex:
		err := m.repo.RemoveByPath(ctx, path)
		if err != nil {
			return err
		}

		fallthrough
	case ActionIndex, ActionUpdate:
		if !m.IsEligible(path) {
			return nil
		}

		doc, err := m.loadDoc(ctx, path)
		if err != nil {
			return fmt.Errorf("search.manager: load doc %q: %w", path, err)
		}

		if action == ActionUpdate {
			return m.repo.Update(ctx, doc)
		}

		return m.repo.Index(ctx, doc)
	default:
		return nil
	}
}

// RebuildAll clears the index, enumerates eligible files under root,
// and re-indexes them in batches, reporting progress via onProgress.
// Optimize is run afterward when optimizeAfter is true. Per-file
// failures are counted and logged but never abort the rebuild.
func (m *Manager) RebuildAll(ctx context.Context, root string, optimizeAfter bool, onProgress func(Progress)) (errorCount int, err error) {
	report := func(processed, total int, current, stage string) {
		if onProgress != nil {
			onProgress(Progress{Processed: processed, Total: total, CurrentFile: current, Stage: stage})
		}
	}

	report(0, 0, "", "clearing")

	err = m.repo.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("search.manager: clear before rebuild: %w", err)
	}

	report(0, 0, "", "enumerating")

	files, err := m.enumerateEligible(root)
	if err != nil {
		return 0, fmt.Errorf("search.manager: enumerate %q: %w", root, err)
	}

	total := len(files)

	const batchSize = 200

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}

		var batch []Doc

		for _, path := range files[start:end] {
			doc, loadErr := m.loadDoc(ctx, path)
			if loadErr != nil {
				errorCount++

				m.log.Warn().Str("path", path).Err(loadErr).Msg("search.manager: rebuild skipped unreadable file")

				continue
			}

			batch = append(batch, doc)

			report(start+len(batch), total, path, "indexing")
		}

		err := m.repo.BatchIndex(ctx, batch)
		if err != nil {
			return errorCount, fmt.Errorf("search.manager: batch index during rebuild: %w", err)
		}
	}

	if optimizeAfter {
		report(total, total, "", "optimizing")

		err := m.repo.Optimize(ctx)
		if err != nil {
			return errorCount, fmt.Errorf("search.manager: optimize after rebuild: %w", err)
		}
	}

	report(total, total, "", "done")

	return errorCount, nil
}

func (m *Manager) enumerateEligible(root string) ([]string, error) {
	var out []string

	exists, err := m.fsys.Exists(root)
	if err != nil {
		return nil, err
	}

	if !exists {
		return out, nil
	}

	entries, err := m.fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", root, err)
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		if entry.IsDir() {
			nested, err := m.enumerateEligible(path)
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)

			continue
		}

		if m.IsEligible(path) {
			out = append(out, path)
		}
	}

	return out, nil
}
