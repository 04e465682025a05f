package fs_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/arlojensen/notecore/pkg/fs"
)

const testContentHello = "hello, world"

func TestAtomicWriter_WriteWithDefaults_CreatesFileWithContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	got, err := fs.NewReal().ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

func TestAtomicWriter_Write_NoTempFilesLeftBehindOnSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader("body"))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	entries, err := fs.NewReal().ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1 (no leftover temp files): %v", len(entries), entries)
	}
}

func TestAtomicWriter_Write_OverwritesExistingFileAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	err := writer.WriteWithDefaults(path, strings.NewReader("version 1"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	err = writer.WriteWithDefaults(path, strings.NewReader("version 2, longer content"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := real.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "version 2, longer content" {
		t.Fatalf("content=%q, want replaced content", string(got))
	}
}

func TestAtomicWriter_Write_EmptyContentProducesZeroByteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.md")
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	err := writer.WriteWithDefaults(path, strings.NewReader(""))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	info, err := real.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Size() != 0 {
		t.Fatalf("size=%d, want 0", info.Size())
	}
}
