package extract

import (
	"bytes"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"

	"github.com/dhcgn/mbox-strip/mimetree"
)

// Placeholder builds the text part that takes the place of an extracted
// attachment.
type Placeholder struct {
	// Now returns the removal date; time.Now when nil.
	Now func() time.Time
}

func (b Placeholder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Text renders the placeholder body.
func (b Placeholder) Text(name string, size int) string {
	return placeholderText(name, size, b.now())
}

func placeholderText(name string, size int, at time.Time) string {
	return fmt.Sprintf("Attachment \"%s\" with size %.0f kB has been removed (%s).\r\n",
		name, float64(size)/1000, at.Format(time.DateOnly))
}

// Build returns a text/plain leaf carrying Text(name, size).
func (b Placeholder) Build(name string, size int) (*mimetree.Part, error) {
	return b.buildAt(name, size, b.now())
}

// buildAt builds the placeholder for a removal at the given time.
func (b Placeholder) buildAt(name string, size int, at time.Time) (*mimetree.Part, error) {
	text := placeholderText(name, size, at)

	var h message.Header
	if isASCII(text) {
		h.Set("Content-Transfer-Encoding", "7bit")
		h.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
	} else {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("placeholder writer: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return nil, fmt.Errorf("placeholder body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("placeholder close: %w", err)
	}
	return mimetree.Parse(buf.Bytes())
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
