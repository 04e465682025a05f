// Package walstore implements the per-document write-ahead log (C2): a
// durable record of each open document's latest in-memory content, so a
// crash between "edit" and "atomic rewrite" never loses work.
//
// Unlike a single growing commit log, this WAL keeps one small file per
// document under a wal directory, each holding only the most recent
// content for that document. Framing (magic, length, inverted length,
// CRC32, inverted CRC32) is ported from the corpus's append-only
// document-database WAL, adapted so a single latest-wins entry can be
// rewritten and fsync'd independently per document, and truncated
// (deleted) the moment the real file has been rewritten atomically.
package walstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/arlojensen/notecore/pkg/fs"
)

const (
	entryMagic  = "NCWAL001"
	footerSize  = 32
	fileSuffix  = ".wal"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt indicates a WAL segment's footer or checksum is invalid.
// The segment is treated as absent - at worst this loses an unflushed
// edit that the real note file, by definition, does not yet have either.
var ErrCorrupt = errors.New("wal: corrupt segment")

// Entry is one document's latest pending content as recorded in the WAL.
type Entry struct {
	DocumentID string    `json:"document_id"`
	Sequence   uint64    `json:"sequence"`
	Content    []byte    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the durable per-document WAL backed by a directory of segment
// files, one per document ID.
type Store struct {
	fsys fs.FS
	dir  string

	mu  sync.Mutex
	seq map[string]uint64
}

// Open returns a Store rooted at dir, creating dir if necessary.
func Open(fsys fs.FS, dir string) (*Store, error) {
	err := fsys.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("walstore: create dir %q: %w", dir, err)
	}

	return &Store{fsys: fsys, dir: dir, seq: make(map[string]uint64)}, nil
}

func (s *Store) segmentPath(documentID string) string {
	return filepath.Join(s.dir, documentID+fileSuffix)
}

// Append durably records content as the latest pending bytes for
// documentID. The previous segment for this document, if any, is fully
// replaced - this is a WAL of "latest content", not a log of edits.
func (s *Store) Append(documentID string, content []byte) error {
	if documentID == "" {
		return notedoc.NewError(notedoc.KindPermanentIO, "walstore.append", errors.New("document id is empty"))
	}

	s.mu.Lock()
	s.seq[documentID]++
	seq := s.seq[documentID]
	s.mu.Unlock()

	entry := Entry{
		DocumentID: documentID,
		Sequence:   seq,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}

	body, err := encodeEntry(entry)
	if err != nil {
		return notedoc.NewError(notedoc.KindIntegrity, "walstore.append", err)
	}

	path := s.segmentPath(documentID)

	file, err := s.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return notedoc.NewError(notedoc.KindTransientIO, "walstore.append", fmt.Errorf("open %q: %w", path, err))
	}

	writeErr := writeAndSync(file, body)
	closeErr := file.Close()

	if writeErr != nil {
		return notedoc.NewError(notedoc.KindTransientIO, "walstore.append", writeErr)
	}

	if closeErr != nil {
		return notedoc.NewError(notedoc.KindTransientIO, "walstore.append", fmt.Errorf("close %q: %w", path, closeErr))
	}

	return nil
}

// Truncate obsoletes the WAL entry for documentID after a successful
// atomic rewrite of that document's real content file.
func (s *Store) Truncate(documentID string) error {
	err := s.fsys.Remove(s.segmentPath(documentID))
	if err != nil && !os.IsNotExist(err) {
		return notedoc.NewError(notedoc.KindTransientIO, "walstore.truncate", err)
	}

	return nil
}

// ReadAll scans the WAL directory and returns the latest-wins entry for
// every document that has one, keyed by document ID. Corrupt segments are
// skipped (not returned, not treated as fatal) - the caller's notelog
// should record each skip as a [notedoc.KindIntegrity] event.
func (s *Store) ReadAll() (map[string]Entry, []error) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}

		return nil, []error{notedoc.NewError(notedoc.KindTransientIO, "walstore.readall", err)}
	}

	result := make(map[string]Entry)

	var skipped []error

	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != fileSuffix {
			continue
		}

		path := filepath.Join(s.dir, de.Name())

		data, err := s.fsys.ReadFile(path)
		if err != nil {
			skipped = append(skipped, notedoc.NewError(notedoc.KindTransientIO, "walstore.readall", err))
			continue
		}

		entry, err := decodeEntry(data)
		if err != nil {
			skipped = append(skipped, notedoc.NewError(notedoc.KindIntegrity, "walstore.readall: "+de.Name(), err))
			continue
		}

		result[entry.DocumentID] = entry

		s.mu.Lock()
		if entry.Sequence > s.seq[entry.DocumentID] {
			s.seq[entry.DocumentID] = entry.Sequence
		}
		s.mu.Unlock()
	}

	return result, skipped
}

func writeAndSync(file fs.File, body []byte) error {
	_, err := file.Write(body)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	err = file.Sync()
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

func encodeEntry(entry Entry) ([]byte, error) {
	bodyBytes, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	footer := make([]byte, footerSize)
	copy(footer[:8], entryMagic)

	bodyLen := uint64(len(bodyBytes))
	binary.LittleEndian.PutUint64(footer[8:16], bodyLen)
	binary.LittleEndian.PutUint64(footer[16:24], ^bodyLen)

	crc := crc32.Checksum(bodyBytes, crcTable)
	binary.LittleEndian.PutUint32(footer[24:28], crc)
	binary.LittleEndian.PutUint32(footer[28:32], ^crc)

	var out bytes.Buffer

	out.Write(bodyBytes)
	out.Write(footer)

	return out.Bytes(), nil
}

func decodeEntry(data []byte) (Entry, error) {
	size := int64(len(data))
	if size < footerSize {
		return Entry{}, fmt.Errorf("%w: truncated (size=%d)", ErrCorrupt, size)
	}

	footer := data[size-footerSize:]

	if string(footer[:8]) != entryMagic {
		return Entry{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	bodyLen := binary.LittleEndian.Uint64(footer[8:16])
	bodyLenInv := binary.LittleEndian.Uint64(footer[16:24])

	if ^bodyLen != bodyLenInv {
		return Entry{}, fmt.Errorf("%w: length redundancy check failed", ErrCorrupt)
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	crcInv := binary.LittleEndian.Uint32(footer[28:32])

	if ^crc != crcInv {
		return Entry{}, fmt.Errorf("%w: crc redundancy check failed", ErrCorrupt)
	}

	if bodyLen > math.MaxInt64 || int64(bodyLen) > size-footerSize {
		return Entry{}, fmt.Errorf("%w: length out of range", ErrCorrupt)
	}

	body := data[:bodyLen]

	checksum := crc32.Checksum(body, crcTable)
	if checksum != crc {
		return Entry{}, fmt.Errorf("%w: checksum mismatch: stored %d, actual %d", ErrCorrupt, crc, checksum)
	}

	var entry Entry

	dec := json.NewDecoder(bytes.NewReader(body))

	err := dec.Decode(&entry)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, fmt.Errorf("%w: empty body", ErrCorrupt)
		}

		return Entry{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return entry, nil
}
