package extract

import (
	"fmt"
	"strings"

	"github.com/dhcgn/mbox-strip/mimetree"
)

// Candidate is a leaf that may be extracted.
type Candidate struct {
	// Size is the length of the payload as stored in the message, before
	// transfer decoding.
	Size int
	Name string
}

// Classifier decides whether a leaf is a removable attachment.
type Classifier struct {
	Policy Policy
}

// Classify returns the candidate for p and true when p is an attachment under
// the policy. Nested messages return ErrUnsupportedAttachment.
func (c Classifier) Classify(p *mimetree.Part) (Candidate, bool, error) {
	if c.Policy.Skips(p.ContentType()) {
		return Candidate{}, false, nil
	}

	disp, params := p.Disposition()
	if !c.Policy.Accepts(disp) {
		return Candidate{}, false, nil
	}

	name, ok := params["filename"]
	if !ok || strings.TrimSpace(name) == "" {
		return Candidate{}, false, nil
	}
	if strings.HasSuffix(strings.ToLower(name), ".eml") {
		return Candidate{}, false, fmt.Errorf("%w: nested message %q", ErrUnsupportedAttachment, name)
	}

	return Candidate{Size: len(p.Body), Name: name}, true, nil
}
