package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dhcgn/mbox-strip/filter"
	"github.com/dhcgn/mbox-strip/mbox"
	"github.com/dhcgn/mbox-strip/model"
	"github.com/dhcgn/mbox-strip/stats"
)

// RunTrash deletes the messages labelled as trash from every archive and
// waits for the run to finish.
func (r *Runner) RunTrash() error {
	matcher := filter.LabelMatcher{Header: r.cfg.LabelHeader, Label: r.cfg.TrashLabel}
	r.AddStage("trash", func(ctx context.Context) error {
		return r.eachArchive(ctx, stats.StageTrash, func(ctx context.Context, path string) (model.ArchiveResult, error) {
			return r.removeTrash(ctx, path, matcher)
		})
	})
	return r.Start()
}

func (r *Runner) removeTrash(ctx context.Context, path string, matcher filter.LabelMatcher) (model.ArchiveResult, error) {
	res := model.ArchiveResult{Archive: path}

	mb, err := mbox.Open(ctx, path, r.logger)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			r.logger.Warn("release mailbox", "archive", path, "err", err)
		}
	}()

	msgs := mb.Messages()
	r.EmitEvent(stats.Event{Stage: stats.StageTrash, Type: stats.EventTypeArchiveStarted, Archive: path, Total: len(msgs)})

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		r.EmitEvent(stats.Event{Stage: stats.StageTrash, Type: stats.EventTypeScanned, Archive: path, Key: msg.Key})

		if !matcher.Matches(msg.Raw) {
			continue
		}
		if err := mb.Remove(msg.Key); err != nil {
			return res, fmt.Errorf("message %d: %w", msg.Key, err)
		}
		res.Removed++
		r.logger.Debug("trash message removed", "archive", path, "message", msg.Key, "envelope", msg.Envelope)
		r.EmitEvent(stats.Event{Stage: stats.StageTrash, Type: stats.EventTypeTrashed, Archive: path, Key: msg.Key})
	}

	if !r.cfg.DryRun {
		if err := mb.Flush(); err != nil {
			return res, err
		}
	}
	r.EmitEvent(stats.Event{Stage: stats.StageTrash, Type: stats.EventTypeCommitted, Archive: path})

	fmt.Fprintf(r.out, "Removed %d messages from %s.\n", res.Removed, filepath.Base(path))
	return res, nil
}
