package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/dhcgn/mbox-strip/model"
)

var (
	// ErrContainerAccess wraps failures to open, lock or write an archive.
	ErrContainerAccess = errors.New("mailbox access failed")
	ErrUnknownKey      = errors.New("no message with this key")
)

const (
	lockRetryDelay = 100 * time.Millisecond
	lockTimeout    = 10 * time.Second
)

type entry struct {
	envelope []byte
	raw      []byte
	sep      []byte
	removed  bool
}

// Mailbox is an mbox archive loaded into memory and locked for exclusive
// use. Messages keep their envelope lines; untouched messages are written
// back byte for byte.
type Mailbox struct {
	path    string
	lock    *flock.Flock
	logger  *slog.Logger
	prefix  []byte
	entries []*entry
	nl      string
	dirty   bool
}

// Open locks path (through path.lock) and reads every message.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrContainerAccess, path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked by another process", ErrContainerAccess, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("%w: read %s: %v", ErrContainerAccess, path, err)
	}

	m := &Mailbox{path: path, lock: lock, logger: logger}
	m.load(data)
	logger.Debug("mailbox opened", "path", path, "messages", len(m.entries), "bytes", len(data))
	return m, nil
}

func releaseLock(lock *flock.Flock) {
	_ = lock.Unlock()
	_ = os.Remove(lock.Path())
}

// load splits data on "From " lines that start the file or follow a blank
// line. The blank line before a separator is kept apart from the message.
func (m *Mailbox) load(data []byte) {
	m.nl = "\n"
	starts := separatorOffsets(data)
	if len(starts) == 0 {
		m.prefix = data
		return
	}
	m.prefix = data[:starts[0]]

	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		chunk := data[start:end]

		envEnd := bytes.IndexByte(chunk, '\n')
		if envEnd < 0 {
			m.entries = append(m.entries, &entry{envelope: chunk})
			continue
		}
		envelope := chunk[:envEnd+1]
		if i == 0 && bytes.HasSuffix(envelope, []byte("\r\n")) {
			m.nl = "\r\n"
		}

		raw := chunk[envEnd+1:]
		var sep []byte
		switch {
		case bytes.HasSuffix(raw, []byte("\r\n\r\n")):
			raw, sep = raw[:len(raw)-2], raw[len(raw)-2:]
		case bytes.HasSuffix(raw, []byte("\n\n")):
			raw, sep = raw[:len(raw)-1], raw[len(raw)-1:]
		}
		m.entries = append(m.entries, &entry{envelope: envelope, raw: raw, sep: sep})
	}
}

func separatorOffsets(data []byte) []int {
	var starts []int
	blank := true
	for pos := 0; pos < len(data); {
		next := len(data)
		if i := bytes.IndexByte(data[pos:], '\n'); i >= 0 {
			next = pos + i + 1
		}
		line := data[pos:next]
		if blank && bytes.HasPrefix(line, []byte("From ")) {
			starts = append(starts, pos)
		}
		blank = len(bytes.TrimRight(line, "\r\n")) == 0
		pos = next
	}
	return starts
}

// Path returns the archive file name.
func (m *Mailbox) Path() string {
	return m.path
}

// Len returns the number of messages not removed.
func (m *Mailbox) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// Messages returns the live messages in archive order.
func (m *Mailbox) Messages() []model.Message {
	msgs := make([]model.Message, 0, len(m.entries))
	for key, e := range m.entries {
		if e.removed {
			continue
		}
		msgs = append(msgs, model.Message{
			Key:      key,
			Envelope: string(bytes.TrimRight(e.envelope, "\r\n")),
			Raw:      e.raw,
		})
	}
	return msgs
}

func (m *Mailbox) entry(key int) (*entry, error) {
	if key < 0 || key >= len(m.entries) || m.entries[key].removed {
		return nil, fmt.Errorf("key %d: %w", key, ErrUnknownKey)
	}
	return m.entries[key], nil
}

// Replace swaps the content of message key. The envelope line is kept.
func (m *Mailbox) Replace(key int, raw []byte) error {
	e, err := m.entry(key)
	if err != nil {
		return err
	}
	raw = escapeFromLines(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		raw = append(raw, m.nl...)
	}
	if e.sep == nil && key < len(m.entries)-1 {
		e.sep = []byte(m.nl)
	}
	e.raw = raw
	m.dirty = true
	return nil
}

// Remove deletes message key.
func (m *Mailbox) Remove(key int) error {
	e, err := m.entry(key)
	if err != nil {
		return err
	}
	e.removed = true
	m.dirty = true
	return nil
}

// Flush rewrites the archive if anything changed. The new content goes to a
// temporary file next to the archive which then replaces it.
func (m *Mailbox) Flush() error {
	if !m.dirty {
		return nil
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainerAccess, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: flush %s: %v", ErrContainerAccess, m.path, err)
	}

	if _, err := tmp.Write(m.prefix); err != nil {
		return fail(err)
	}
	for _, e := range m.entries {
		if e.removed {
			continue
		}
		for _, b := range [][]byte{e.envelope, e.raw, e.sep} {
			if _, err := tmp.Write(b); err != nil {
				return fail(err)
			}
		}
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if info, err := os.Stat(m.path); err == nil {
		_ = tmp.Chmod(info.Mode().Perm())
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: flush %s: %v", ErrContainerAccess, m.path, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %v", ErrContainerAccess, m.path, err)
	}

	m.dirty = false
	m.logger.Debug("mailbox flushed", "path", m.path, "messages", m.Len())
	return nil
}

// Close releases the lock. Unflushed changes are dropped.
func (m *Mailbox) Close() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.Unlock()
	_ = os.Remove(m.lock.Path())
	m.lock = nil
	if err != nil {
		return fmt.Errorf("%w: unlock %s: %v", ErrContainerAccess, m.path, err)
	}
	return nil
}

// escapeFromLines quotes "From " lines that follow a blank line so they are
// not read back as message separators.
func escapeFromLines(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("From ")) {
		return raw
	}
	var out bytes.Buffer
	out.Grow(len(raw) + 16)
	blank := false
	for pos := 0; pos < len(raw); {
		next := len(raw)
		if i := bytes.IndexByte(raw[pos:], '\n'); i >= 0 {
			next = pos + i + 1
		}
		line := raw[pos:next]
		if blank && bytes.HasPrefix(line, []byte("From ")) {
			out.WriteByte('>')
		}
		out.Write(line)
		blank = len(bytes.TrimRight(line, "\r\n")) == 0
		pos = next
	}
	return out.Bytes()
}
