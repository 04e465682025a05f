// Package recovery implements startup recovery (C7): before any document
// opens, reconcile leftover temp files from interrupted saves, surface
// emergency dumps for a human to decide on, and age out old backups.
package recovery

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/arlojensen/notecore/internal/notelog"
	"github.com/arlojensen/notecore/pkg/fs"
)

const (
	tmpAtomicSuffix = ".atomic.tmp"
	tmpPlainSuffix  = ".tmp"
	backupPrefix    = ".backup_"
	emergencyPrefix = "NoteNest_Recovery_"
	emergencySuffix = ".txt"
	backupTimeLayout = "20060102150405"
)

// FailedItem records a single recovery step that errored without
// aborting the overall run.
type FailedItem struct {
	Path string
	Err  error
}

// Summary enumerates what startup recovery did.
type Summary struct {
	Recovered      []string // tmp files promoted to their original path
	Backups        []string // backup files created before an overwrite
	Cleaned        []string // stale tmp files deleted
	Failed         []FailedItem
	EmergencyDumps []string // pending, never auto-applied
	AgedOutBackups []string
}

// Recover runs the full C7 sequence over notesRoot, then checks
// desktopDir for emergency dumps, then ages out backups older than
// retentionDays (7 if retentionDays <= 0).
func Recover(fsys fs.FS, notesRoot, desktopDir string, retentionDays int) Summary {
	if retentionDays <= 0 {
		retentionDays = 7
	}

	log := notelog.New("recovery")

	var summary Summary

	tmpFiles, err := findFiles(fsys, notesRoot, hasTmpSuffix)
	if err != nil {
		summary.Failed = append(summary.Failed, FailedItem{Path: notesRoot, Err: err})
	}

	for _, tmp := range tmpFiles {
		err := reconcileTmp(fsys, tmp, &summary)
		if err != nil {
			log.Warn().Str("path", tmp).Err(err).Msg("recovery: failed to reconcile tmp file")
			summary.Failed = append(summary.Failed, FailedItem{Path: tmp, Err: err})
		}
	}

	dumps, err := fsys.Glob(desktopDir, emergencyPrefix+"*"+emergencySuffix)
	if err != nil {
		log.Warn().Str("dir", desktopDir).Err(err).Msg("recovery: failed to enumerate emergency dumps")
	} else {
		summary.EmergencyDumps = dumps
	}

	backups, err := findFiles(fsys, notesRoot, isBackupName)
	if err != nil {
		summary.Failed = append(summary.Failed, FailedItem{Path: notesRoot, Err: err})
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	for _, backup := range backups {
		mtime, err := fsys.GetMtime(backup)
		if err != nil {
			summary.Failed = append(summary.Failed, FailedItem{Path: backup, Err: err})
			continue
		}

		if mtime.Before(cutoff) {
			err := fsys.Remove(backup)
			if err != nil {
				summary.Failed = append(summary.Failed, FailedItem{Path: backup, Err: err})
				continue
			}

			summary.AgedOutBackups = append(summary.AgedOutBackups, backup)
		}
	}

	return summary
}

func hasTmpSuffix(name string) bool {
	return strings.HasSuffix(name, tmpAtomicSuffix) || strings.HasSuffix(name, tmpPlainSuffix)
}

func isBackupName(name string) bool {
	return strings.Contains(name, backupPrefix)
}

// origPath strips the recognized temp suffix from tmp, preferring the
// longer ".atomic.tmp" match.
func origPath(tmp string) string {
	if strings.HasSuffix(tmp, tmpAtomicSuffix) {
		return strings.TrimSuffix(tmp, tmpAtomicSuffix)
	}

	return strings.TrimSuffix(tmp, tmpPlainSuffix)
}

func reconcileTmp(fsys fs.FS, tmp string, summary *Summary) error {
	orig := origPath(tmp)

	origExists, err := fsys.Exists(orig)
	if err != nil {
		return fmt.Errorf("stat orig %q: %w", orig, err)
	}

	if !origExists {
		err := fsys.Rename(tmp, orig)
		if err != nil {
			return fmt.Errorf("promote %q: %w", tmp, err)
		}

		summary.Recovered = append(summary.Recovered, orig)

		return nil
	}

	tmpMtime, err := fsys.GetMtime(tmp)
	if err != nil {
		return fmt.Errorf("mtime tmp %q: %w", tmp, err)
	}

	origMtime, err := fsys.GetMtime(orig)
	if err != nil {
		return fmt.Errorf("mtime orig %q: %w", orig, err)
	}

	tmpSize, err := fsys.GetSize(tmp)
	if err != nil {
		return fmt.Errorf("size tmp %q: %w", tmp, err)
	}

	if tmpMtime.After(origMtime) && tmpSize > 0 {
		backupPath := orig + backupPrefix + time.Now().UTC().Format(backupTimeLayout)

		origBytes, err := fsys.ReadFile(orig)
		if err != nil {
			return fmt.Errorf("read orig %q for backup: %w", orig, err)
		}

		// Backups are single-file rewrites with no sidecar to coordinate,
		// so the generic temp+rename+fsync writer covers them directly
		// rather than reimplementing that dance here.
		err = fs.NewAtomicWriter(fsys).WriteWithDefaults(backupPath, bytes.NewReader(origBytes))
		if err != nil {
			return fmt.Errorf("write backup %q: %w", backupPath, err)
		}

		summary.Backups = append(summary.Backups, backupPath)

		err = fsys.Rename(tmp, orig)
		if err != nil {
			return fmt.Errorf("promote %q over %q: %w", tmp, orig, err)
		}

		summary.Recovered = append(summary.Recovered, orig)

		return nil
	}

	err = fsys.Remove(tmp)
	if err != nil {
		return fmt.Errorf("delete stale tmp %q: %w", tmp, err)
	}

	summary.Cleaned = append(summary.Cleaned, tmp)

	return nil
}

// findFiles recursively walks root, returning the paths (root joined with
// each relative path) of files whose base name satisfies match.
func findFiles(fsys fs.FS, root string, match func(name string) bool) ([]string, error) {
	var out []string

	exists, err := fsys.Exists(root)
	if err != nil {
		return nil, err
	}

	if !exists {
		return out, nil
	}

	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", root, err)
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		if entry.IsDir() {
			nested, err := findFiles(fsys, path, match)
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)

			continue
		}

		if match(entry.Name()) {
			out = append(out, path)
		}
	}

	return out, nil
}
