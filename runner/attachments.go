package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dhcgn/mbox-strip/extract"
	"github.com/dhcgn/mbox-strip/filter"
	"github.com/dhcgn/mbox-strip/mbox"
	"github.com/dhcgn/mbox-strip/mimetree"
	"github.com/dhcgn/mbox-strip/model"
	"github.com/dhcgn/mbox-strip/state"
	"github.com/dhcgn/mbox-strip/stats"
)

// RunAttachments extracts large attachments from every archive and waits for
// the run to finish.
func (r *Runner) RunAttachments() error {
	var journal state.Journal
	if r.cfg.DryRun {
		journal = state.NewMemoryJournal()
	} else {
		fj, err := state.NewFileJournal(r.cfg.StateDir)
		if err != nil {
			r.fail(fmt.Errorf("extraction journal: %w", err))
			return r.Start()
		}
		r.logger.Info("recording extractions", "journal", fj.Path())
		journal = fj
	}
	defer func() {
		if err := journal.Close(); err != nil {
			r.logger.Error("close extraction journal", "err", err)
		}
	}()

	opts := r.cfg.FilterOptions()
	msgFilter, err := filter.New(opts)
	if err != nil {
		r.fail(err)
		return r.Start()
	}
	if opts.Active() {
		r.logger.Info("message filter active",
			"includeHeader", opts.IncludeHeader, "includeBody", opts.IncludeBody,
			"excludeHeader", opts.ExcludeHeader, "excludeBody", opts.ExcludeBody)
	}

	job := &attachmentJob{
		r:       r,
		journal: journal,
		filter:  msgFilter,
		policy:  r.cfg.Policy(),
	}
	r.AddStage("attachments", func(ctx context.Context) error {
		return r.eachArchive(ctx, stats.StageAttachments, job.process)
	})
	return r.Start()
}

type attachmentJob struct {
	r       *Runner
	journal state.Journal
	filter  *filter.Filter
	policy  extract.Policy
	// placeholder overrides the placeholder clock in tests.
	placeholder extract.Placeholder
}

func (j *attachmentJob) store(path string) extract.Store {
	root := filepath.Dir(path)
	if j.r.cfg.DryRun {
		return &extract.DryRunStore{Dir: extract.AttachmentDir(root, path)}
	}
	return extract.NewDiskStore(root, path)
}

// process walks every message of one archive. The archive is rewritten only
// when all messages were handled, and journal records follow the rewrite.
func (j *attachmentJob) process(ctx context.Context, path string) (model.ArchiveResult, error) {
	r := j.r
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
	r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeArchiveStarted, Archive: path, Total: len(msgs)})

	walker := extract.NewWalker(j.policy, j.store(path), r.logger, r.out)
	walker.Placeholder = j.placeholder
	var pending []model.ExtractionRecord
	walker.OnExtract = func(rec model.ExtractionRecord) {
		pending = append(pending, rec)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			j.journal.Discard(path)
			return res, err
		}
		res.Scanned++
		r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeScanned, Archive: path, Key: msg.Key})

		if !j.filter.Allows(msg.Raw) {
			r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeSkipped, Archive: path, Key: msg.Key})
			continue
		}

		root, err := mimetree.Parse(msg.Raw)
		if err != nil {
			res.Failures++
			r.logger.Warn("message is not valid MIME, left unchanged", "archive", path, "message", msg.Key, "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeError, Archive: path, Key: msg.Key, Err: err})
			continue
		}

		pending = pending[:0]
		n, err := walker.Walk(root, extract.MetaFromPart(path, msg.Key, root))
		switch {
		case err == nil:
		case errors.Is(err, extract.ErrDateParse), errors.Is(err, extract.ErrAddressParse):
			res.Failures++
			r.logger.Error("attachments kept, message left unchanged", "archive", path, "message", msg.Key, "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeError, Archive: path, Key: msg.Key, Err: err})
			continue
		default:
			j.journal.Discard(path)
			return res, fmt.Errorf("message %d: %w", msg.Key, err)
		}
		if n == 0 {
			continue
		}

		raw, err := root.Bytes()
		if err == nil {
			err = mb.Replace(msg.Key, raw)
		}
		if err != nil {
			j.journal.Discard(path)
			return res, fmt.Errorf("message %d: %w", msg.Key, err)
		}
		for _, rec := range pending {
			j.journal.Record(rec)
			r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeExtracted, Archive: path, Key: msg.Key, Bytes: rec.BytesWritten, Detail: rec.AttachmentName})
		}
		res.Changed++
		res.Removed += n
		r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeChanged, Archive: path, Key: msg.Key})
	}

	if r.cfg.DryRun {
		j.journal.Discard(path)
	} else {
		if err := mb.Flush(); err != nil {
			j.journal.Discard(path)
			return res, err
		}
		if err := j.journal.Commit(path); err != nil {
			return res, fmt.Errorf("extraction journal: %w", err)
		}
	}
	r.EmitEvent(stats.Event{Stage: stats.StageAttachments, Type: stats.EventTypeCommitted, Archive: path})

	fmt.Fprintf(r.out, "Removed %d attachments from %s.\n", res.Removed, filepath.Base(path))
	return res, nil
}
