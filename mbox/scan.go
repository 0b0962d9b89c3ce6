package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"
)

// ScanFunc receives the index and raw bytes of each message.
type ScanFunc func(idx int, raw []byte) error

// Scan streams the messages of an archive without locking or loading the
// whole file. It is meant for read-only reporting.
func Scan(ctx context.Context, path string, fn ScanFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrContainerAccess, path, err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}
