package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Stage string

const (
	StageAttachments Stage = "attachments"
	StageTrash       Stage = "trash"
	StageScan        Stage = "scan"
)

type EventType string

const (
	EventTypeArchiveStarted EventType = "archive_started"
	EventTypeScanned        EventType = "scanned"
	EventTypeExtracted      EventType = "extracted"
	EventTypeChanged        EventType = "changed"
	EventTypeTrashed        EventType = "trashed"
	EventTypeCommitted      EventType = "committed"
	EventTypeArchiveFailed  EventType = "archive_failed"
	EventTypeSkipped        EventType = "skipped"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	Archive string
	Key     int
	// Total is the message count of an archive on EventTypeArchiveStarted.
	Total int
	// Bytes is the decoded size written on EventTypeExtracted.
	Bytes  int64
	Err    error
	Detail string
}

type Summary struct {
	Archives       int
	FailedArchives int
	Scanned        int
	Changed        int
	Extracted      int
	ExtractedBytes int64
	Trashed        int
	Skipped        int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"archives", s.Archives,
		"failedArchives", s.FailedArchives,
		"scanned", s.Scanned,
		"changed", s.Changed,
		"extracted", s.Extracted,
		"extractedBytes", humanize.Bytes(uint64(s.ExtractedBytes)),
		"trashed", s.Trashed,
		"skipped", s.Skipped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeArchiveStarted:
		c.summary.Archives++
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeExtracted:
		c.summary.Extracted++
		c.summary.ExtractedBytes += evt.Bytes
	case EventTypeChanged:
		c.summary.Changed++
	case EventTypeTrashed:
		c.summary.Trashed++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeArchiveFailed:
		c.summary.FailedArchives++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
	done      chan struct{}
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	defer close(r.done)
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

// Summary blocks until the event stream is closed and returns the totals.
func (r *Reporter) Summary() Summary {
	<-r.done
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
