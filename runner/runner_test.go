package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-strip/config"
	"github.com/dhcgn/mbox-strip/extract"
	"github.com/dhcgn/mbox-strip/state"
	"github.com/dhcgn/mbox-strip/stats"
)

const plainMessage = "From: Bob <bob@example.com>\n" +
	"Date: Wed, 02 Jan 2019 09:00:00 +0100\n" +
	"Subject: no attachments\n" +
	"\n" +
	"just text\n"

func attachmentMessage(date, name string, payload []byte) string {
	var b strings.Builder
	b.WriteString("From: Alice <alice@example.com>\n")
	if date != "" {
		b.WriteString("Date: " + date + "\n")
	}
	b.WriteString("Message-ID: <a1@example.com>\n")
	b.WriteString("Subject: report\n")
	b.WriteString("MIME-Version: 1.0\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"b1\"\n\n")
	b.WriteString("--b1\nContent-Type: text/plain\n\nSee attached.\n")
	b.WriteString("--b1\nContent-Type: application/pdf\n")
	b.WriteString("Content-Disposition: attachment; filename=\"" + name + "\"\n")
	b.WriteString("Content-Transfer-Encoding: base64\n\n")
	b.WriteString(base64.StdEncoding.EncodeToString(payload) + "\n")
	b.WriteString("--b1--\n")
	return b.String()
}

func trashMessage(labels string) string {
	return "X-Gmail-Labels: " + labels + "\n" +
		"From: Carol <carol@example.com>\n" +
		"Subject: old news\n" +
		"\n" +
		"delete me\n"
}

func mboxOf(msgs ...string) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("From MAILER-DAEMON Thu Jan  3 10:00:00 2019\n")
		b.WriteString(m)
	}
	return b.String()
}

func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	return config.Config{
		Dir:          dir,
		LogLevel:     "info",
		OnError:      config.OnErrorContinue,
		Threshold:    1000,
		SkipTypes:    append([]string(nil), extract.DefaultSkipTypes...),
		Dispositions: []string{extract.DispositionAttachment},
		StateDir:     filepath.Join(t.TempDir(), "state"),
		LabelHeader:  config.DefaultLabelHeader,
		TrashLabel:   config.DefaultTrashLabel,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		n++
	}
	require.NoError(t, s.Err())
	return n
}

var payload = bytes.Repeat([]byte("%PDF-1.4 fake content "), 100)

func TestRunAttachments(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")
	write(t, archive, mboxOf(
		attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "report:final.pdf", payload),
		plainMessage,
	))

	cfg := testConfig(t, dir)
	var out bytes.Buffer
	r := New(context.Background(), cfg, discardLogger(), &out)
	reporter := stats.NewReporter(r, nil)

	require.NoError(t, r.RunAttachments())

	assert.Equal(t,
		"Removing attachment report:final.pdf with size 3 kB.\nRemoved 1 attachments from inbox.mbox.\n",
		out.String())

	stored := read(t, filepath.Join(dir, "inbox attachments", "20190101T1015 from-alice@example.com report-final.pdf"))
	assert.Equal(t, string(payload), stored)

	content := read(t, archive)
	assert.Contains(t, content, `Attachment "report:final.pdf" with size 3 kB has been removed (`)
	assert.NotContains(t, content, base64.StdEncoding.EncodeToString(payload)[:100])
	assert.True(t, strings.HasSuffix(content, "\nFrom MAILER-DAEMON Thu Jan  3 10:00:00 2019\n"+plainMessage),
		"untouched message is kept byte for byte")
	assert.Equal(t, 2, strings.Count(content, "From MAILER-DAEMON"))

	assert.Equal(t, 1, countLines(t, filepath.Join(cfg.StateDir, state.JournalFile)))

	summary := reporter.Summary()
	assert.Equal(t, 1, summary.Archives)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, 1, summary.Extracted)
	assert.Equal(t, int64(len(payload)), summary.ExtractedBytes)

	results := r.Results()
	require.Len(t, results, 1)
	assert.Equal(t, archive, results[0].Archive)
	assert.Equal(t, 1, results[0].Removed)
}

func TestRunAttachments_SecondRunChangesNothing(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")
	write(t, archive, mboxOf(attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "a.pdf", payload)))

	cfg := testConfig(t, dir)
	require.NoError(t, New(context.Background(), cfg, discardLogger(), nil).RunAttachments())
	first := read(t, archive)

	var out bytes.Buffer
	require.NoError(t, New(context.Background(), cfg, discardLogger(), &out).RunAttachments())
	assert.Equal(t, first, read(t, archive))
	assert.Equal(t, "Removed 0 attachments from inbox.mbox.\n", out.String())
}

func TestRunAttachments_DryRun(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")
	original := mboxOf(attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "a.pdf", payload))
	write(t, archive, original)

	cfg := testConfig(t, dir)
	cfg.DryRun = true
	var out bytes.Buffer
	require.NoError(t, New(context.Background(), cfg, discardLogger(), &out).RunAttachments())

	assert.Contains(t, out.String(), "Removed 1 attachments from inbox.mbox.")
	assert.Equal(t, original, read(t, archive))
	assert.NoDirExists(t, filepath.Join(dir, "inbox attachments"))
	assert.NoDirExists(t, cfg.StateDir)
}

func TestRunAttachments_UnnamableMessageLeftUnchanged(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")
	undated := attachmentMessage("", "a.pdf", payload)
	write(t, archive, mboxOf(undated, attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "b.pdf", payload)))

	cfg := testConfig(t, dir)
	var out bytes.Buffer
	r := New(context.Background(), cfg, discardLogger(), &out)
	reporter := stats.NewReporter(r, nil)
	require.NoError(t, r.RunAttachments())

	content := read(t, archive)
	assert.True(t, strings.HasPrefix(content, "From MAILER-DAEMON Thu Jan  3 10:00:00 2019\n"+undated+"\n"))
	assert.Contains(t, out.String(), "Removed 1 attachments from inbox.mbox.")
	assert.Equal(t, 1, reporter.Summary().Errors)
	assert.Equal(t, 1, r.Results()[0].Failures)
}

func TestRunAttachments_FailedArchive(t *testing.T) {
	for _, tc := range []struct {
		name        string
		onError     string
		secondTouch bool
	}{
		{"continue", config.OnErrorContinue, true},
		{"abort", config.OnErrorAbort, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			bad := filepath.Join(dir, "a.mbox")
			good := filepath.Join(dir, "b.mbox")
			original := mboxOf(attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "x.pdf", payload))
			write(t, bad, original)
			write(t, good, original)
			// A file where the attachment directory should go makes every store fail.
			write(t, filepath.Join(dir, "a attachments"), "")

			cfg := testConfig(t, dir)
			cfg.OnError = tc.onError
			err := New(context.Background(), cfg, discardLogger(), nil).RunAttachments()
			require.Error(t, err)
			if tc.onError == config.OnErrorContinue {
				assert.ErrorIs(t, err, ErrArchivesFailed)
			} else {
				assert.ErrorIs(t, err, extract.ErrStorageWrite)
			}

			assert.Equal(t, original, read(t, bad), "failed archive is not rewritten")
			assert.Equal(t, tc.secondTouch, read(t, good) != original)
			assert.NoFileExists(t, bad+".lock")
		})
	}
}

func TestRunTrash(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "all.mbox")
	write(t, archive, mboxOf(plainMessage, trashMessage("Inbox,Trash"), trashMessage("Inbox")))

	cfg := testConfig(t, dir)
	var out bytes.Buffer
	r := New(context.Background(), cfg, discardLogger(), &out)
	reporter := stats.NewReporter(r, nil)
	require.NoError(t, r.RunTrash())

	assert.Equal(t, "Removed 1 messages from all.mbox.\n", out.String())
	assert.Equal(t, mboxOf(plainMessage, trashMessage("Inbox")), read(t, archive))
	assert.Equal(t, 1, reporter.Summary().Trashed)
}

func TestRunTrash_DryRun(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "all.mbox")
	original := mboxOf(trashMessage("Trash"), plainMessage)
	write(t, archive, original)

	cfg := testConfig(t, dir)
	cfg.DryRun = true
	var out bytes.Buffer
	require.NoError(t, New(context.Background(), cfg, discardLogger(), &out).RunTrash())

	assert.Equal(t, "Removed 1 messages from all.mbox.\n", out.String())
	assert.Equal(t, original, read(t, archive))
}

func TestRunner_Cancelled(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")
	original := mboxOf(attachmentMessage("Tue, 01 Jan 2019 10:15:00 +0000", "a.pdf", payload))
	write(t, archive, original)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(ctx, testConfig(t, dir), discardLogger(), nil).RunAttachments()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, original, read(t, archive))
}

func TestRunner_FanOut(t *testing.T) {
	r := New(context.Background(), config.Config{}, discardLogger(), nil)
	first := stats.NewReporter(r, nil)
	second := stats.NewReporter(r, nil)

	r.AddStage("emit", func(ctx context.Context) error {
		for i := 0; i < 300; i++ {
			r.EmitEvent(stats.Event{Type: stats.EventTypeScanned})
		}
		return nil
	})
	require.NoError(t, r.Start())

	assert.Equal(t, 300, first.Summary().Scanned)
	assert.Equal(t, 300, second.Summary().Scanned)
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mbox", "a.mbox", "notes.txt", "c.mbox.lock"} {
		write(t, filepath.Join(dir, name), "")
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.mbox"), 0o755))

	got, err := ListArchives(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.mbox"), filepath.Join(dir, "b.mbox")}, got)

	got, err = ListArchives(dir, filepath.Join(dir, "b.mbox"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.mbox")}, got)

	_, err = ListArchives("", "")
	assert.ErrorIs(t, err, config.ErrNoArchives)

	_, err = ListArchives("", filepath.Join(dir, "missing.mbox"))
	assert.Error(t, err)
}
