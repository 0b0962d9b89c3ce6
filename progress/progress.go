package progress

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-strip/stats"
)

// Bar shows one progress bar per archive, driven by the run's events.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	total   int
	archive string
	removed int
}

func New() *Bar {
	return &Bar{}
}

// Update advances the bar for evt.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeArchiveStarted:
		b.stop()
		b.total = evt.Total
		b.archive = filepath.Base(evt.Archive)
		b.removed = 0
		if evt.Total == 0 {
			return
		}
		pb, err := pterm.DefaultProgressbar.
			WithTotal(evt.Total).
			WithTitle(b.archive).
			Start()
		if err != nil {
			return
		}
		b.pb = pb
	case stats.EventTypeScanned:
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeExtracted, stats.EventTypeTrashed:
		b.removed++
		if b.pb != nil {
			b.pb.UpdateTitle(b.archive + " (" + humanize.Comma(int64(b.removed)) + " removed)")
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Warning.Printf("%s message %d: %v\n", filepath.Base(evt.Archive), evt.Key, evt.Err)
		}
	case stats.EventTypeArchiveFailed:
		b.stop()
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", filepath.Base(evt.Archive), evt.Err)
		}
	case stats.EventTypeCommitted:
		b.stop()
	}
}

func (b *Bar) stop() {
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber feeds the bar from an event stream and prints a summary once
// the stream ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	started := time.Now()
	collector := stats.NewCollector()
	defer func() {
		b.mu.Lock()
		b.stop()
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				b.mu.Lock()
				b.stop()
				b.mu.Unlock()
				printSummary(collector.Snapshot(), time.Since(started))
				return nil
			}
			collector.Apply(evt)
			b.Update(evt)
		}
	}
}

// Attach subscribes a new bar to stream.
func Attach(stream stats.EventStream) *Bar {
	bar := New()
	stream.SubscribeStats("progress-bar", bar.Subscriber)
	return bar
}

func printSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Archives: %d (%d failed)\n", summary.Archives, summary.FailedArchives)
	pterm.Info.Printf("Messages scanned: %s\n", humanize.Comma(int64(summary.Scanned)))
	pterm.Info.Printf("Messages changed: %s\n", humanize.Comma(int64(summary.Changed)))
	if summary.Extracted > 0 {
		pterm.Info.Printf("Attachments extracted: %d (%s)\n", summary.Extracted, humanize.Bytes(uint64(summary.ExtractedBytes)))
	}
	if summary.Trashed > 0 {
		pterm.Info.Printf("Messages trashed: %d\n", summary.Trashed)
	}
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
