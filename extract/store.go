package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mbox-strip/mimetree"
	"github.com/dhcgn/mbox-strip/model"
)

// Store persists the decoded payload of an attachment part.
type Store interface {
	Save(p *mimetree.Part, filename string) (model.ExtractionRecord, error)
}

// AttachmentDir returns the directory that receives the attachments of an
// archive: "<root>/<archive stem> attachments".
func AttachmentDir(root, archive string) string {
	stem := strings.TrimSuffix(filepath.Base(archive), ".mbox")
	return filepath.Join(root, stem+" attachments")
}

// DiskStore writes attachments below Dir, creating it on first use.
type DiskStore struct {
	Dir string
}

// NewDiskStore returns a store for the attachments of archive below root.
func NewDiskStore(root, archive string) *DiskStore {
	return &DiskStore{Dir: AttachmentDir(root, archive)}
}

// Save writes the decoded payload to Dir/filename. The file is written under
// a temporary name and renamed, so a failed write leaves no truncated file.
// An existing file of the same name is replaced.
func (s *DiskStore) Save(p *mimetree.Part, filename string) (model.ExtractionRecord, error) {
	data, err := p.DecodedBody()
	if err != nil {
		return model.ExtractionRecord{}, err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return model.ExtractionRecord{}, fmt.Errorf("%w: create %s: %v", ErrStorageWrite, s.Dir, err)
	}

	target := filepath.Join(s.Dir, filename)
	tmp, err := os.CreateTemp(s.Dir, ".extract-*")
	if err != nil {
		return model.ExtractionRecord{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return model.ExtractionRecord{}, fmt.Errorf("%w: write %s: %v", ErrStorageWrite, target, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return model.ExtractionRecord{}, fmt.Errorf("%w: close %s: %v", ErrStorageWrite, target, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return model.ExtractionRecord{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return model.ExtractionRecord{}, fmt.Errorf("%w: rename to %s: %v", ErrStorageWrite, target, err)
	}

	return model.ExtractionRecord{TargetPath: target, BytesWritten: int64(len(data))}, nil
}

// DryRunStore reports where attachments would go and writes nothing.
type DryRunStore struct {
	Dir string
}

// Save decodes the payload to measure it and returns the path it would use.
func (s DryRunStore) Save(p *mimetree.Part, filename string) (model.ExtractionRecord, error) {
	data, err := p.DecodedBody()
	if err != nil {
		return model.ExtractionRecord{}, err
	}
	return model.ExtractionRecord{TargetPath: filepath.Join(s.Dir, filename), BytesWritten: int64(len(data))}, nil
}
