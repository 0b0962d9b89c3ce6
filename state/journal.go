package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-strip/model"
)

// JournalFile is the name of the extraction journal inside the state directory.
const JournalFile = "extractions.jsonl"

// Journal keeps a record of extracted attachments. Records are staged per
// archive and only become durable once the archive has been rewritten.
type Journal interface {
	Record(rec model.ExtractionRecord)
	Commit(archive string) error
	Discard(archive string)
	Close() error
}

// MemoryJournal stages records without writing them anywhere. Dry runs use
// it directly.
type MemoryJournal struct {
	mu      sync.Mutex
	pending map[string][]model.ExtractionRecord
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string][]model.ExtractionRecord)}
}

func (m *MemoryJournal) Record(rec model.ExtractionRecord) {
	m.mu.Lock()
	m.pending[rec.Archive] = append(m.pending[rec.Archive], rec)
	m.mu.Unlock()
}

func (m *MemoryJournal) Commit(archive string) error {
	m.take(archive)
	return nil
}

func (m *MemoryJournal) Discard(archive string) {
	m.take(archive)
}

// take removes and returns the staged records of archive.
func (m *MemoryJournal) take(archive string) []model.ExtractionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.pending[archive]
	delete(m.pending, archive)
	return recs
}

func (m *MemoryJournal) Close() error {
	return nil
}

// FileJournal appends committed records as JSON lines to a file in the state
// directory. The file is only ever appended to.
type FileJournal struct {
	*MemoryJournal
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileJournal(stateDir string) (*FileJournal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	path := filepath.Join(stateDir, JournalFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}

	return &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          path,
		file:          file,
		writer:        bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// Path returns the journal file name.
func (f *FileJournal) Path() string {
	return f.path
}

// Commit writes the staged records of archive and syncs the file.
func (f *FileJournal) Commit(archive string) error {
	recs := f.take(archive)
	if len(recs) == 0 {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.file == nil {
		return fmt.Errorf("journal %s is closed", f.path)
	}

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode journal record: %w", err)
		}
		if _, err := f.writer.Write(data); err != nil {
			return fmt.Errorf("write journal record: %w", err)
		}
		if err := f.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil
	return firstErr
}

// DefaultStateDir returns ~/.mbox-strip/state, or a relative fallback when
// the home directory is unknown.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".mbox-strip", "state")
	}
	return filepath.Join(home, ".mbox-strip", "state")
}
