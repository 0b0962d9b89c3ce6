package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleArchive(t *testing.T) (dir, path string) {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 40_000))
	msg := "From: Alice <alice@example.com>\n" +
		"Date: Tue, 01 Jan 2019 10:15:00 +0000\n" +
		"Subject: photos\n" +
		"Content-Type: multipart/mixed; boundary=\"zz\"\n" +
		"\n" +
		"--zz\nContent-Type: text/plain\n\nhi\n" +
		"--zz\nContent-Type: image/jpeg\nContent-Disposition: attachment; filename=\"beach.jpg\"\nContent-Transfer-Encoding: base64\n\n" +
		payload + "\n" +
		"--zz--\n"
	trash := "X-Gmail-Labels: Trash\nFrom: spam@example.net\nSubject: junk\n\nbuy now\n"

	dir = t.TempDir()
	path = filepath.Join(dir, "photos.mbox")
	content := "From x Tue Jan  1 10:15:00 2019\n" + msg + "\nFrom y Tue Jan  1 10:16:00 2019\n" + trash
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir, path
}

func execute(t *testing.T, args ...string) (string, error) {
	out, _, err := executeWithLogs(t, args...)
	return out, err
}

func executeWithLogs(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestAttachmentsCommand(t *testing.T) {
	dir, path := sampleArchive(t)

	stateDir := filepath.Join(t.TempDir(), "state")
	out, logs, err := executeWithLogs(t, "attachments", "--dir", dir, "--state-dir", stateDir)
	require.NoError(t, err)

	assert.Contains(t, logs, "journal="+filepath.Join(stateDir, "extractions.jsonl"))
	assert.Contains(t, logs, "archive result")
	assert.Contains(t, logs, "removed=1")

	assert.Contains(t, out, "Removing attachment beach.jpg with size 213 kB.\n")
	assert.Contains(t, out, "Removed 1 attachments from photos.mbox.\n")
	assert.Contains(t, out, "Extracted 1 attachments (160 kB).")
	assert.FileExists(t, filepath.Join(dir, "photos attachments", "20190101T1015 from-alice@example.com beach.jpg"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "has been removed")
}

func TestTrashCommand(t *testing.T) {
	_, path := sampleArchive(t)

	out, err := execute(t, "trash", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 messages from photos.mbox.\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "buy now")
	assert.True(t, strings.HasPrefix(string(data), "From x "))
	assert.NotContains(t, string(data), "From y ")
}

func TestMboxStatsCommand(t *testing.T) {
	_, path := sampleArchive(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	reports := t.TempDir()

	out, err := execute(t, "mbox-stats", path, "--output", reports, "--top", "3")
	require.NoError(t, err)

	assert.Contains(t, out, "Processed 2 messages (skipped 0 by filters, 0.00%).")
	assert.Contains(t, out, "Attachments over threshold: 1 (213 kB encoded, 160 kB decoded)")
	assert.Contains(t, out, "1. alice@example.com (1)")
	assert.FileExists(t, filepath.Join(reports, "report_senders.csv"))
	assert.FileExists(t, filepath.Join(reports, "report_delivered_to.csv"))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "mbox-stats never writes the archive")
	assert.NoDirExists(t, filepath.Join(filepath.Dir(path), "photos attachments"))
}

func TestArchiveCommandsNeedInput(t *testing.T) {
	_, err := execute(t, "trash")
	assert.Error(t, err)
}
