package stats

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Apply(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")

	for _, evt := range []Event{
		{Type: EventTypeArchiveStarted, Total: 3},
		{Type: EventTypeScanned},
		{Type: EventTypeScanned},
		{Type: EventTypeExtracted, Bytes: 1500},
		{Type: EventTypeExtracted, Bytes: 500},
		{Type: EventTypeChanged},
		{Type: EventTypeTrashed},
		{Type: EventTypeSkipped},
		{Type: EventTypeError, Err: boom},
		{Type: EventTypeArchiveFailed},
		{Type: EventTypeCommitted},
	} {
		c.Apply(evt)
	}

	s := c.Snapshot()
	assert.Equal(t, 1, s.Archives)
	assert.Equal(t, 2, s.Scanned)
	assert.Equal(t, 2, s.Extracted)
	assert.Equal(t, int64(2000), s.ExtractedBytes)
	assert.Equal(t, 1, s.Changed)
	assert.Equal(t, 1, s.Trashed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.FailedArchives)
	assert.Equal(t, boom, s.LastError)

	attrs := s.LogAttrs()
	assert.Contains(t, attrs, "2.0 kB")
	assert.Contains(t, attrs, "boom")
}

type chanStream struct {
	events chan Event
	done   chan error
}

func (s *chanStream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	go func() { s.done <- fn(context.Background(), s.events) }()
}

func TestReporter_SummaryWaitsForStream(t *testing.T) {
	stream := &chanStream{events: make(chan Event), done: make(chan error, 1)}
	reporter := NewReporter(stream, nil)

	stream.events <- Event{Type: EventTypeScanned}
	stream.events <- Event{Type: EventTypeChanged}
	close(stream.events)

	s := reporter.Summary()
	assert.Equal(t, 1, s.Scanned)
	assert.Equal(t, 1, s.Changed)
	require.NoError(t, <-stream.done)
}

func TestPrettyPrintTop(t *testing.T) {
	var buf bytes.Buffer
	PrettyPrintTop(&buf, map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}, 3)
	assert.Equal(t, "1. c (5)\n2. a (2)\n3. b (2)\n", buf.String())
}
