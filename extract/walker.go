package extract

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dhcgn/mbox-strip/mimetree"
	"github.com/dhcgn/mbox-strip/model"
)

// MessageMeta is the message context attachments are named and recorded
// with.
type MessageMeta struct {
	Archive   string
	Key       int
	MessageID string
	Date      string
	From      string
}

// MetaFromPart reads the naming headers of a parsed message.
func MetaFromPart(archive string, key int, root *mimetree.Part) MessageMeta {
	return MessageMeta{
		Archive:   archive,
		Key:       key,
		MessageID: strings.Trim(strings.TrimSpace(root.Header.Get("Message-Id")), "<>"),
		Date:      root.Header.Get("Date"),
		From:      root.Header.Get("From"),
	}
}

// Walker traverses a message tree depth-first and replaces every attachment
// above the policy threshold with a placeholder.
type Walker struct {
	Classifier  Classifier
	Store       Store
	Placeholder Placeholder
	Logger      *slog.Logger
	// Out receives one line per removed attachment.
	Out io.Writer
	// OnExtract is called after each replacement.
	OnExtract func(model.ExtractionRecord)
}

func NewWalker(policy Policy, store Store, logger *slog.Logger, out io.Writer) *Walker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out == nil {
		out = io.Discard
	}
	return &Walker{
		Classifier: Classifier{Policy: policy},
		Store:      store,
		Logger:     logger,
		Out:        out,
	}
}

// Walk returns the number of parts replaced below root. A leaf root is never
// touched. On error the tree may already hold some replacements and should
// be discarded by the caller.
func (w *Walker) Walk(root *mimetree.Part, meta MessageMeta) (int, error) {
	if !root.IsMultipart() {
		return 0, nil
	}

	count := 0
	policy := w.Classifier.Policy
	for i, child := range root.Children {
		if policy.Skips(child.ContentType()) {
			continue
		}
		if child.IsMultipart() {
			n, err := w.Walk(child, meta)
			count += n
			if err != nil {
				return count, err
			}
			continue
		}

		cand, ok, err := w.Classifier.Classify(child)
		if errors.Is(err, ErrUnsupportedAttachment) {
			w.Logger.Warn("attachment left in place", "archive", meta.Archive, "message", meta.Key, "err", err)
			continue
		}
		if err != nil {
			return count, err
		}
		if !ok || cand.Size <= policy.Threshold {
			continue
		}

		replaced, err := w.extract(root, i, child, cand, meta)
		if err != nil {
			return count, err
		}
		if replaced {
			count++
		}
	}
	return count, nil
}

func (w *Walker) extract(parent *mimetree.Part, i int, child *mimetree.Part, cand Candidate, meta MessageMeta) (bool, error) {
	filename, err := ResolveName(cand.Name, meta.Date, meta.From)
	if err != nil {
		return false, fmt.Errorf("attachment %q: %w", cand.Name, err)
	}

	removedAt := w.Placeholder.now()
	placeholder, err := w.Placeholder.buildAt(cand.Name, cand.Size, removedAt)
	if err != nil {
		return false, fmt.Errorf("attachment %q: %w", cand.Name, err)
	}

	rec, err := w.Store.Save(child, filename)
	if errors.Is(err, mimetree.ErrMalformed) {
		w.Logger.Warn("attachment payload cannot be decoded, left in place",
			"archive", meta.Archive, "message", meta.Key, "attachment", cand.Name, "err", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attachment %q: %w", cand.Name, err)
	}

	if err := parent.ReplaceChild(i, placeholder); err != nil {
		return false, err
	}

	fmt.Fprintf(w.Out, "Removing attachment %s with size %.0f kB.\n", cand.Name, float64(cand.Size)/1000)
	w.Logger.Debug("attachment extracted", "archive", meta.Archive, "message", meta.Key, "target", rec.TargetPath, "bytes", rec.BytesWritten)

	if w.OnExtract != nil {
		rec.Archive = meta.Archive
		rec.MessageKey = meta.Key
		rec.MessageID = meta.MessageID
		rec.AttachmentName = cand.Name
		rec.EncodedSize = cand.Size
		rec.ExtractedAt = removedAt.UTC()
		w.OnExtract(rec)
	}
	return true, nil
}
