// Package atomicsave implements the atomic content+metadata writer (C3):
// content and its JSON sidecar are written through fixed-name temp files
// and renamed into place, with a documented fallback when true atomicity
// can't be achieved.
//
// The temp-file-plus-rename-plus-fsync discipline is ported from
// pkg/fs.AtomicWriter, but this package uses the spec's fixed ".atomic.tmp"
// suffix (not a counter-suffixed name) so startup recovery (internal/recovery)
// can find and reconcile a leftover temp deterministically from the real
// path alone.
package atomicsave

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/arlojensen/notecore/pkg/fs"
)

const tmpSuffix = ".atomic.tmp"

// MetaPath returns the sidecar metadata path for a note's content path.
func MetaPath(contentPath string) string {
	return contentPath + ".meta.json"
}

// LegacyContentSave is a caller-supplied content-only write, used as the
// fallback when the atomic content+metadata path fails.
type LegacyContentSave func(content []byte) error

// Metrics tracks cumulative save outcomes for status reporting.
type Metrics struct {
	Attempts  atomic.Int64
	Successes atomic.Int64
	Fallbacks atomic.Int64
}

// SuccessRate returns Successes/Attempts, or 0 if no attempts were made.
func (m *Metrics) SuccessRate() float64 {
	attempts := m.Attempts.Load()
	if attempts == 0 {
		return 0
	}

	return float64(m.Successes.Load()) / float64(attempts)
}

// Writer performs atomic content+metadata saves through an [fs.FS].
type Writer struct {
	fsys    fs.FS
	metrics Metrics
}

// New returns a Writer backed by fsys.
func New(fsys fs.FS) *Writer {
	return &Writer{fsys: fsys}
}

// Metrics returns the writer's cumulative counters.
func (w *Writer) Metrics() *Metrics {
	return &w.metrics
}

// Save performs the save_atomically operation for one document: it
// preserves existing sidecar extensions, writes content and metadata
// through fixed-name temp files, and renames both into place. If any step
// after temp-file creation fails, it cleans up, invokes legacyContentSave,
// and performs a best-effort metadata rewrite.
func (w *Writer) Save(doc notedoc.Document, content []byte, legacyContentSave LegacyContentSave) notedoc.AtomicSaveResult {
	w.metrics.Attempts.Add(1)

	meta := w.prepareMetadata(doc)

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return w.fallback(doc, content, meta, legacyContentSave, fmt.Errorf("marshal metadata: %w", err))
	}

	contentTmp := doc.Path + tmpSuffix
	metaTmp := MetaPath(doc.Path) + tmpSuffix

	err = w.writeTemp(contentTmp, content)
	if err != nil {
		_ = w.fsys.Remove(contentTmp)
		_ = w.fsys.Remove(metaTmp)

		return w.fallback(doc, content, meta, legacyContentSave, err)
	}

	err = w.writeTemp(metaTmp, metaBytes)
	if err != nil {
		_ = w.fsys.Remove(contentTmp)
		_ = w.fsys.Remove(metaTmp)

		return w.fallback(doc, content, meta, legacyContentSave, err)
	}

	err = w.fsys.Rename(contentTmp, doc.Path)
	if err != nil {
		_ = w.fsys.Remove(contentTmp)
		_ = w.fsys.Remove(metaTmp)

		return w.fallback(doc, content, meta, legacyContentSave, err)
	}

	err = w.fsys.Rename(metaTmp, MetaPath(doc.Path))
	if err != nil {
		// Content is already in place; metadata wasn't. This is the
		// "new content, old metadata" recoverable state the spec allows.
		return w.fallback(doc, content, meta, legacyContentSave, err)
	}

	w.metrics.Successes.Add(1)

	return notedoc.AtomicSaveResult{
		Success:       true,
		ContentSaved:  true,
		MetadataSaved: true,
	}
}

// prepareMetadata reads the existing sidecar (if any) and returns a
// [notedoc.Metadata] with Extensions preserved verbatim and ID forced to
// match doc. If the sidecar is missing or unreadable, a minimal one is
// synthesized rather than overwriting fields we don't recognize.
func (w *Writer) prepareMetadata(doc notedoc.Document) notedoc.Metadata {
	existing, err := w.fsys.ReadFile(MetaPath(doc.Path))
	if err != nil {
		return notedoc.Metadata{ID: doc.ID, Created: time.Now().UTC(), Extensions: map[string]any{}}
	}

	var meta notedoc.Metadata

	err = json.Unmarshal(existing, &meta)
	if err != nil {
		return notedoc.Metadata{ID: doc.ID, Created: time.Now().UTC(), Extensions: map[string]any{}}
	}

	meta.ID = doc.ID

	if meta.Extensions == nil {
		meta.Extensions = map[string]any{}
	}

	return meta
}

func (w *Writer) writeTemp(path string, data []byte) error {
	file, err := w.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp %q: %w", path, err)
	}

	_, writeErr := file.Write(data)

	var syncErr error
	if writeErr == nil {
		syncErr = file.Sync()
	}

	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf("write temp %q: %w", path, writeErr)
	}

	if syncErr != nil {
		return fmt.Errorf("sync temp %q: %w", path, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close temp %q: %w", path, closeErr)
	}

	return nil
}

// fallback invokes legacyContentSave and performs a best-effort metadata
// rewrite, reporting the degraded but still-useful outcome.
func (w *Writer) fallback(doc notedoc.Document, content []byte, meta notedoc.Metadata, legacyContentSave LegacyContentSave, cause error) notedoc.AtomicSaveResult {
	w.metrics.Fallbacks.Add(1)

	result := notedoc.AtomicSaveResult{UsedFallback: true}

	if legacyContentSave == nil {
		result.Err = fmt.Errorf("atomicsave: no fallback available: %w", cause)

		return result
	}

	contentErr := legacyContentSave(content)
	result.ContentSaved = contentErr == nil

	metaBytes, marshalErr := json.MarshalIndent(meta, "", "  ")

	var metaErr error

	if marshalErr != nil {
		metaErr = marshalErr
	} else {
		metaErr = w.bestEffortMetaRewrite(MetaPath(doc.Path), metaBytes)
	}

	result.MetadataSaved = metaErr == nil
	result.Success = contentErr == nil

	if contentErr != nil || metaErr != nil {
		result.Err = errors.Join(cause, contentErr, metaErr)
	}

	return result
}

func (w *Writer) bestEffortMetaRewrite(path string, data []byte) error {
	tmp := path + tmpSuffix

	err := w.writeTemp(tmp, data)
	if err != nil {
		_ = w.fsys.Remove(tmp)

		return err
	}

	err = w.fsys.Rename(tmp, path)
	if err != nil {
		_ = w.fsys.Remove(tmp)

		return fmt.Errorf("rename metadata %q: %w", path, err)
	}

	return nil
}
