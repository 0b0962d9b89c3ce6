package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-strip/mimetree"
)

func leaf(t *testing.T, header, body string) *mimetree.Part {
	t.Helper()
	p, err := mimetree.Parse([]byte(header + "\n" + body))
	require.NoError(t, err)
	return p
}

func TestClassifier_Classify(t *testing.T) {
	c := Classifier{Policy: DefaultPolicy()}

	tests := []struct {
		name     string
		header   string
		body     string
		wantOK   bool
		wantName string
	}{
		{
			name:     "attachment",
			header:   "Content-Type: application/pdf\nContent-Disposition: attachment; filename=\"a.pdf\"\n",
			body:     "JVBERi0xLjQ=",
			wantOK:   true,
			wantName: "a.pdf",
		},
		{
			name:   "text body with attachment disposition",
			header: "Content-Type: text/plain\nContent-Disposition: attachment; filename=\"notes.txt\"\n",
			body:   "hello",
		},
		{
			name:   "html is skipped",
			header: "Content-Type: TEXT/HTML\nContent-Disposition: attachment; filename=\"page.html\"\n",
			body:   "<p/>",
		},
		{
			name:   "inline not accepted by default",
			header: "Content-Type: image/png\nContent-Disposition: inline; filename=\"logo.png\"\n",
			body:   "iVBORw0KGgo=",
		},
		{
			name:   "no disposition",
			header: "Content-Type: application/zip\n",
			body:   "UEsDBA==",
		},
		{
			name:   "no filename",
			header: "Content-Type: application/zip\nContent-Disposition: attachment\n",
			body:   "UEsDBA==",
		},
		{
			name:     "loose header",
			header:   "Content-Type: application/zip\nContent-Disposition: attachment; filename=my archive.zip\n",
			body:     "UEsDBA==",
			wantOK:   true,
			wantName: "my archive.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cand, ok, err := c.Classify(leaf(t, tt.header, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantName, cand.Name)
				assert.Equal(t, len(tt.body), cand.Size)
			}
		})
	}
}

func TestClassifier_InlineWhenConfigured(t *testing.T) {
	policy := DefaultPolicy()
	policy.Dispositions = append(policy.Dispositions, DispositionInline)
	c := Classifier{Policy: policy}

	cand, ok, err := c.Classify(leaf(t, "Content-Type: image/png\nContent-Disposition: inline; filename=\"logo.png\"\n", "iVBORw0KGgo="))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "logo.png", cand.Name)
}

func TestClassifier_NestedMessage(t *testing.T) {
	c := Classifier{Policy: DefaultPolicy()}

	_, ok, err := c.Classify(leaf(t, "Content-Type: message/rfc822\nContent-Disposition: attachment; filename=\"Fwd.EML\"\n", "Subject: x\n\nbody"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnsupportedAttachment)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.Skips("text/plain"))
	assert.True(t, p.Skips("Text/HTML"))
	assert.False(t, p.Skips("application/pdf"))
	assert.True(t, p.Accepts("Attachment"))
	assert.False(t, p.Accepts(""))
	assert.False(t, p.Accepts("inline"))
}
